package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the display relay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Serial   SerialConfig   `yaml:"serial"`
	Relay    RelayConfig    `yaml:"relay"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// SiteConfig identifies this relay instance.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SerialConfig contains device discovery and serial link settings.
type SerialConfig struct {
	// Port pins the relay to one device path and skips discovery.
	// Leave empty to auto-detect.
	Port string `yaml:"port"`

	// BaudRate is the line speed. The display firmware expects 115200.
	BaudRate int `yaml:"baud_rate"`

	// ReadTimeout bounds a single read on the port.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// DescriptionPatterns are case-insensitive substrings matched against
	// the USB product description reported by the OS.
	DescriptionPatterns []string `yaml:"description_patterns"`

	// PathPatterns are case-insensitive substrings matched against the
	// device path (e.g. "usbmodem" on macOS, "ttyACM" on Linux).
	PathPatterns []string `yaml:"path_patterns"`

	// VendorIDs are USB vendor IDs in hex (e.g. "2341" for Arduino).
	VendorIDs []string `yaml:"vendor_ids"`
}

// RelayConfig contains the relay loop timings and delivery policy.
type RelayConfig struct {
	// PollInterval is the sleep between loop iterations.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AckReadTimeout bounds how long one iteration waits for a line from the device.
	AckReadTimeout time.Duration `yaml:"ack_read_timeout"`

	// StrictAck suppresses the opportunistic send while an acknowledgment is
	// outstanding. Default false keeps the device firmware's historic behaviour.
	StrictAck bool `yaml:"strict_ack"`

	// AckTimeout releases a strict-ack wait when the device never answers.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// RequeueOnFailure puts a message back at the head of the queue when
	// its write fails, instead of dropping it.
	RequeueOnFailure bool `yaml:"requeue_on_failure"`

	// HealthInterval is how often relay health is published to MQTT.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MetricsInterval is how often queue depth is written to InfluxDB.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	Topic     string              `yaml:"topic"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keep_alive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	Limits    APILimitsConfig  `yaml:"limits"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// WebSocketConfig contains live-feed connection settings.
type WebSocketConfig struct {
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
	MaxMessageSize int `yaml:"max_message_size"` // bytes
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APILimitsConfig bounds operator-submitted text, in characters.
type APILimitsConfig struct {
	MaxNicknameLength int `yaml:"max_nickname_length"`
	MaxMessageLength  int `yaml:"max_message_length"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig contains the submitted-message history settings.
type HistoryConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT settings for admin-only API routes.
// An empty secret leaves those routes open.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// minPollInterval is the tightest loop cadence accepted.
const minPollInterval = 10 * time.Millisecond

// minJWTSecretLength is the shortest HMAC secret accepted.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DISPLAYRELAY_SECTION_KEY
// For example: DISPLAYRELAY_MQTT_HOST, DISPLAYRELAY_SERIAL_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOptional behaves like Load but falls back to defaults plus
// environment overrides when the file does not exist. The relay is
// expected to run on a bare board with no config file at all.
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - bool: true if the file was found and read
//   - error: If the file exists but cannot be parsed, or validation fails
func LoadOptional(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	cfg, err = finish(defaultConfig())
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// finish applies environment overrides and validates.
func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "display-001",
			Name: "Display Relay",
		},
		Serial: SerialConfig{
			BaudRate:            115200,
			ReadTimeout:         time.Second,
			DescriptionPatterns: []string{"arduino", "ch340", "usb serial device"},
			PathPatterns:        []string{"usbmodem", "ttyACM"},
			VendorIDs:           []string{"2341", "1A86"},
		},
		Relay: RelayConfig{
			PollInterval:     100 * time.Millisecond,
			AckReadTimeout:   20 * time.Millisecond,
			AckTimeout:       5 * time.Second,
			RequeueOnFailure: true,
			HealthInterval:   30 * time.Second,
			MetricsInterval:  10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "displayrelay",
			},
			Topic:     "display/message",
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Limits: APILimitsConfig{
				MaxNicknameLength: 20,
				MaxMessageLength:  200,
			},
			WebSocket: WebSocketConfig{
				PingInterval:   30,
				PongTimeout:    10,
				MaxMessageSize: 4096,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/displayrelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:    true,
			MaxEntries: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Default returns the built-in configuration without reading a file or
// the environment. Intended for tests and early startup.
func Default() *Config {
	return defaultConfig()
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DISPLAYRELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("DISPLAYRELAY_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}

	// MQTT
	if v := os.Getenv("DISPLAYRELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DISPLAYRELAY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("DISPLAYRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DISPLAYRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("DISPLAYRELAY_MQTT_TOPIC"); v != "" {
		cfg.MQTT.Topic = v
	}

	// API
	if v := os.Getenv("DISPLAYRELAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Database
	if v := os.Getenv("DISPLAYRELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("DISPLAYRELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("DISPLAYRELAY_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Serial
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.ReadTimeout <= 0 {
		errs = append(errs, "serial.read_timeout must be positive")
	}
	for _, vid := range c.Serial.VendorIDs {
		if _, err := strconv.ParseUint(vid, 16, 16); err != nil {
			errs = append(errs, fmt.Sprintf("serial.vendor_ids: %q is not a 4-digit hex ID", vid))
		}
	}

	// Relay
	if c.Relay.PollInterval < minPollInterval {
		errs = append(errs, fmt.Sprintf("relay.poll_interval must be at least %v", minPollInterval))
	}
	if c.Relay.AckReadTimeout <= 0 {
		errs = append(errs, "relay.ack_read_timeout must be positive")
	} else if c.Relay.AckReadTimeout >= c.Relay.PollInterval && c.Relay.PollInterval > 0 {
		errs = append(errs, "relay.ack_read_timeout must be shorter than relay.poll_interval")
	}
	if c.Relay.StrictAck && c.Relay.AckTimeout <= 0 {
		errs = append(errs, "relay.ack_timeout must be positive when relay.strict_ack is set")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required")
	} else if strings.ContainsAny(c.MQTT.Topic, "+#") {
		errs = append(errs, "mqtt.topic must not contain wildcards")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.API.Limits.MaxNicknameLength <= 0 || c.API.Limits.MaxMessageLength <= 0 {
			errs = append(errs, "api.limits must be positive")
		}
	}

	// History
	if c.History.Enabled {
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required when history is enabled")
		}
		if c.History.MaxEntries <= 0 {
			errs = append(errs, "history.max_entries must be positive")
		}
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Security: an empty secret is allowed, a short one is not
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
