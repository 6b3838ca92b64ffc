package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/display-relay/internal/history"
	"github.com/nerrad567/display-relay/internal/infrastructure/config"
	"github.com/nerrad567/display-relay/internal/infrastructure/logging"
	"github.com/nerrad567/display-relay/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Publisher sends display text to the broker. Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// RelayStatus reports the serial side of the relay. Satisfied by *relay.Relay.
type RelayStatus interface {
	Status() relay.Status
}

// HealthSnapshotter reports overall relay health. Satisfied by *relay.HealthReporter.
type HealthSnapshotter interface {
	Snapshot() relay.HealthMessage
}

// HealthChecker is an infrastructure component with an active check.
// Satisfied by *database.DB and *influxdb.Client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	MQTT     config.MQTTConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	// Publisher is optional; without it submissions fail with 500.
	Publisher Publisher

	// History is optional; without it GET returns an empty list.
	History history.Repository

	// Relay is optional; without it status reports no serial link.
	Relay RelayStatus

	// DB is optional; it feeds connection stats into /metrics.
	DB DBStatsProvider

	// Health is optional; it adds the relay health verdict to /status.
	Health HealthSnapshotter

	// Components are checked on each /status request, keyed by name.
	Components map[string]HealthChecker

	// Hub, if set, is used instead of creating one. Lets main register the
	// hub as a relay observer before the server starts.
	Hub *Hub

	Version string
}

// Server is the HTTP front of the display relay.
//
// It accepts operator messages, publishes them to the relay topic, keeps
// the submission history, and streams events over WebSocket.
type Server struct {
	cfg       config.APIConfig
	mqttCfg   config.MQTTConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	publisher Publisher
	history   history.Repository
	relay     RelayStatus
	db        DBStatsProvider
	health    HealthSnapshotter
	checks    map[string]HealthChecker
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If the logger is missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		cfg:       deps.Config,
		mqttCfg:   deps.MQTT,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		publisher: deps.Publisher,
		history:   deps.History,
		relay:     deps.Relay,
		db:        deps.DB,
		health:    deps.Health,
		checks:    deps.Components,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
	}

	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
