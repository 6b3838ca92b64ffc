package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/display-relay/internal/serialport"
)

// HealthStatus represents the operational status of the relay.
type HealthStatus string

const (
	// HealthHealthy indicates the broker and the display are both reachable.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates messages are queueing (no device or no broker).
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the relay is gone (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the relay is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the relay is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained relay health report.
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Relay is the relay identifier (site ID).
	Relay string `json:"relay"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the relay software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the relay has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Serial describes the device link.
	Serial *SerialHealth `json:"serial,omitempty"`

	// QueueLength is the number of messages waiting for the display.
	QueueLength int `json:"queue_length"`

	// Statistics contains relay counters.
	Statistics *Stats `json:"statistics,omitempty"`

	// Inbound contains subscriber counters, when known.
	Inbound *SubscriberStats `json:"inbound,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// SerialHealth describes the device link state.
type SerialHealth struct {
	State     string               `json:"state"`
	Port      string               `json:"port,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	Link      serialport.LinkStats `json:"link"`
}

// StatusSource provides the relay status for health reports.
// Satisfied by *Relay.
type StatusSource interface {
	Status() Status
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// RelayID identifies this relay in health messages.
	RelayID string

	// Version is the relay software version.
	Version string

	// Topic is where health is published.
	Topic string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Source provides relay status.
	Source StatusSource
}

// HealthReporter publishes retained relay health at regular intervals.
type HealthReporter struct {
	relayID   string
	version   string
	topic     string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	source    StatusSource

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		relayID:   cfg.RelayID,
		version:   cfg.Version,
		topic:     cfg.Topic,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		source:    cfg.Source,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
// Must be called after creation. Call Stop to shut down.
//
// Parameters:
//   - ctx: Context for cancellation (will stop reporting when cancelled)
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "relay starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Snapshot builds the current health message without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	return h.buildMessage(status, reason)
}

// reportLoop runs the periodic health reporting.
func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current relay status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	if h.source == nil {
		return HealthHealthy, ""
	}
	if st := h.source.Status(); !st.Attached {
		if st.LastError != "" {
			return HealthDegraded, "display not attached: " + st.LastError
		}
		return HealthDegraded, "display not attached"
	}

	return HealthHealthy, ""
}

// buildMessage assembles a health message from the relay status.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Relay:         h.relayID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}

	if h.source != nil {
		st := h.source.Status()
		stats := st.Stats
		msg.Serial = &SerialHealth{
			State:     st.LinkState,
			Port:      st.Port,
			LastError: st.LastError,
			Link:      st.Link,
		}
		msg.QueueLength = st.QueueLength
		msg.Statistics = &stats
		msg.Inbound = st.Inbound
	}

	return msg
}

// publishStatus publishes a health status message.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}

	return h.publisher.Publish(h.topic, payload, 1, true)
}

// logError logs an error if logger is set.
func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
