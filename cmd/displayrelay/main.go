// Display Relay - MQTT to serial display bridge
//
// The relay subscribes to one MQTT topic and writes each message, in
// arrival order, to a USB-attached text display. The display answers
// "OK" once it has shown a line, which releases the next one. An optional
// HTTP front lets operators submit messages and browse a short history.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/display-relay/migrations"

	"github.com/nerrad567/display-relay/internal/api"
	"github.com/nerrad567/display-relay/internal/history"
	"github.com/nerrad567/display-relay/internal/infrastructure/config"
	"github.com/nerrad567/display-relay/internal/infrastructure/database"
	"github.com/nerrad567/display-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/display-relay/internal/infrastructure/logging"
	"github.com/nerrad567/display-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/display-relay/internal/relay"
	"github.com/nerrad567/display-relay/internal/serialport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnvVar names the config path override.
const configEnvVar = "DISPLAYRELAY_CONFIG"

// startupCheckTimeout bounds the infrastructure check after startup.
const startupCheckTimeout = 5 * time.Second

// options are the command-line flags.
type options struct {
	configPath   string
	showVersion  bool
	issueToken   bool
	migrateDown  bool
	tokenSubject string
	tokenTTL     time.Duration
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("displayrelay %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command-line arguments.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("displayrelay", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file (env "+configEnvVar+", default "+defaultConfigPath+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.BoolVar(&opts.issueToken, "issue-admin-token", false, "print an admin JWT for the history API and exit")
	fs.BoolVar(&opts.migrateDown, "migrate-down", false, "roll back the latest history migration and exit")
	fs.StringVar(&opts.tokenSubject, "token-subject", "operator", "subject of the issued admin token")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the issued admin token (0 = no expiry)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// getConfigPath returns the configuration file path.
// Precedence: --config flag, then DISPLAYRELAY_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed command-line flags
//   - stdout: Where --issue-admin-token and --migrate-down print results
//
// Returns:
//   - error: nil on clean shutdown, or error describing a startup failure
func run(ctx context.Context, opts options, stdout io.Writer) error {
	log := logging.Default()

	configPath := getConfigPath(opts.configPath)
	cfg, found, err := config.LoadOptional(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)

	if opts.issueToken {
		token, tokenErr := api.IssueAdminToken(cfg.Security.JWT.Secret, opts.tokenSubject, opts.tokenTTL)
		if tokenErr != nil {
			return fmt.Errorf("issuing admin token: %w", tokenErr)
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	if opts.migrateDown {
		return rollbackMigration(ctx, cfg.Database, stdout)
	}

	log.Info("starting display relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	if found {
		log.Info("configuration loaded", "path", configPath)
	} else {
		log.Info("no configuration file, using defaults", "path", configPath)
	}

	// MQTT: a missing broker is not fatal, paho keeps retrying.
	mqttClient := mqtt.New(cfg.MQTT)
	mqttClient.SetLogger(log)
	if connErr := mqttClient.Connect(ctx); connErr != nil {
		log.Warn("MQTT broker unreachable, retrying in background",
			"broker", mqttClient.BrokerURL(),
			"error", connErr,
		)
	} else {
		log.Info("MQTT connected", "broker", mqttClient.BrokerURL(), "client_id", cfg.MQTT.Broker.ClientID)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	hub := api.NewHub(cfg.API.WebSocket, log)
	observers := []relay.Observer{hub}

	forwarder := newEventForwarder(mqttClient, mqtt.Topics{}, log)
	go forwarder.Run(ctx)
	observers = append(observers, forwarder)

	influxClient := connectInflux(cfg.InfluxDB, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		observers = append(observers, telemetryObserver{client: influxClient, relayID: cfg.Site.ID})
	}

	var (
		db   *database.DB
		hist history.Repository
	)
	if cfg.History.Enabled {
		db, err = openHistoryDB(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		hist = history.NewSQLiteRepository(db.DB, cfg.History.MaxEntries)
		log.Info("message history enabled", "path", cfg.Database.Path, "max_entries", cfg.History.MaxEntries)
	}

	// Serial side
	queue := relay.NewQueue()
	locator := serialport.NewLocator(serialport.LocatorConfig{
		FixedPort:           cfg.Serial.Port,
		DescriptionPatterns: cfg.Serial.DescriptionPatterns,
		PathPatterns:        cfg.Serial.PathPatterns,
		VendorIDs:           cfg.Serial.VendorIDs,
		Logger:              log,
	})
	link := serialport.NewLink(serialport.LinkConfig{
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
		Logger:      log,
	})

	subscriber := relay.NewSubscriber(relay.SubscriberConfig{
		Topic:     cfg.MQTT.Topic,
		QoS:       byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2 by config
		Client:    &mqttSubscriberAdapter{client: mqttClient},
		Queue:     queue,
		Logger:    log,
		Observers: observers,
	})

	rly, err := relay.New(relay.Options{
		Link:             link,
		Locator:          locator,
		Queue:            queue,
		PollInterval:     cfg.Relay.PollInterval,
		AckReadTimeout:   cfg.Relay.AckReadTimeout,
		StrictAck:        cfg.Relay.StrictAck,
		AckTimeout:       cfg.Relay.AckTimeout,
		RequeueOnFailure: cfg.Relay.RequeueOnFailure,
		Logger:           log,
		Observers:        observers,
		Inbound:          subscriber,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	if subErr := subscriber.Start(); subErr != nil {
		if !errors.Is(subErr, relay.ErrBrokerUnreachable) {
			return fmt.Errorf("subscribing: %w", subErr)
		}
		log.Warn("subscription deferred until the broker is reachable", "topic", cfg.MQTT.Topic)
	}
	defer func() {
		if stopErr := subscriber.Stop(); stopErr != nil {
			log.Warn("unsubscribing", "error", stopErr)
		}
	}()

	healthReporter := relay.NewHealthReporter(relay.HealthReporterConfig{
		RelayID:   cfg.Site.ID,
		Version:   version,
		Topic:     mqtt.Topics{}.Health(),
		Interval:  cfg.Relay.HealthInterval,
		Publisher: mqttClient,
		Source:    rly,
	})
	healthReporter.SetLogger(log)

	watcher := brokerWatcher{feed: hub, health: healthReporter, log: log}
	mqttClient.SetOnConnect(watcher.onConnect)
	mqttClient.SetOnDisconnect(watcher.onDisconnect)
	if pubErr := healthReporter.PublishStarting(); pubErr != nil {
		log.Debug("starting health not published", "error", pubErr)
	}
	healthReporter.Start(ctx)
	defer healthReporter.Stop()

	if influxClient != nil {
		go reportQueueDepth(ctx, influxClient, rly, cfg.Site.ID, cfg.Relay.MetricsInterval)
	}

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- rly.Run(ctx)
	}()

	checks := []componentCheck{{name: "mqtt", checker: mqttClient}}
	if db != nil {
		checks = append(checks, componentCheck{name: "database", checker: db})
	}
	if influxClient != nil {
		checks = append(checks, componentCheck{name: "influxdb", checker: influxClient})
	}
	components := make(map[string]api.HealthChecker, len(checks))
	for _, c := range checks {
		components[c.name] = c.checker
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			MQTT:       cfg.MQTT,
			Security:   cfg.Security,
			Logger:     log,
			Publisher:  mqttClient,
			History:    hist,
			Relay:      rly,
			Health:     healthReporter,
			Components: components,
			Hub:        hub,
			Version:    version,
		}
		if db != nil {
			deps.DB = db
		}
		var apiErr error
		apiServer, apiErr = api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	if apiServer != nil {
		checks = append(checks, componentCheck{name: "api", checker: apiServer})
	}
	checkCtx, cancelCheck := context.WithTimeout(ctx, startupCheckTimeout)
	if checkErr := healthCheck(checkCtx, checks...); checkErr != nil {
		log.Warn("infrastructure health check failed, running degraded", "error", checkErr)
	} else {
		log.Info("infrastructure health check passed", "components", len(checks))
	}
	cancelCheck()

	log.Info("initialisation complete, waiting for shutdown signal",
		"topic", cfg.MQTT.Topic,
		"relay", cfg.Site.ID,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if runErr := <-relayDone; runErr != nil {
		log.Error("relay stopped with error", "error", runErr)
	}

	log.Info("display relay stopped", "dropped_from_queue", queue.Clear())
	return nil
}

// componentCheck names an infrastructure health check.
type componentCheck struct {
	name    string
	checker api.HealthChecker
}

// healthCheck verifies infrastructure connections.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - checks: Components to check, in order
//
// Returns:
//   - error: every failed check, joined; nil if all healthy
func healthCheck(ctx context.Context, checks ...componentCheck) error {
	var errs []error
	for _, c := range checks {
		if err := c.checker.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// connectInflux connects when telemetry is enabled. Failures are logged
// and telemetry stays off.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) *influxdb.Client {
	if !cfg.Enabled {
		log.Info("InfluxDB disabled")
		return nil
	}

	client, err := influxdb.Connect(cfg)
	if err != nil {
		log.Warn("InfluxDB unavailable, telemetry disabled", "url", cfg.URL, "error", err)
		return nil
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client
}

// openDatabase opens the SQLite database without migrating it.
func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// openHistoryDB opens the SQLite database and applies migrations.
func openHistoryDB(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("database ready",
		"path", db.Path(),
		"migrations_applied", len(applied),
		"migrations_pending", len(pending),
	)
	return db, nil
}

// rollbackMigration reverts the most recent migration and prints what
// remains applied.
func rollbackMigration(ctx context.Context, cfg config.DatabaseConfig, out io.Writer) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.MigrateDown(ctx); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	fmt.Fprintf(out, "rolled back; %d applied, %d pending\n", len(applied), len(pending))
	for _, m := range pending {
		fmt.Fprintf(out, "pending: %s %s\n", m.Version, m.Name)
	}
	return nil
}
