package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/display-relay/internal/relay"
)

// componentCheckTimeout bounds each component check in /status.
const componentCheckTimeout = 2 * time.Second

// statusResponse is the body of GET /status.
type statusResponse struct {
	MQTTConnected     bool   `json:"mqtt_connected"`
	MQTTBroker        string `json:"mqtt_broker"`
	MQTTTopic         string `json:"mqtt_topic"`
	MaxMessageLength  int    `json:"max_message_length"`
	MaxNicknameLength int    `json:"max_nickname_length"`
	MessageCount      int    `json:"message_count"`

	SerialConnected bool                   `json:"serial_connected"`
	SerialPort      string                 `json:"serial_port,omitempty"`
	SerialError     string                 `json:"serial_error,omitempty"`
	QueueLength     int                    `json:"queue_length"`
	Relay           *relay.Stats           `json:"relay,omitempty"`
	Inbound         *relay.SubscriberStats `json:"inbound,omitempty"`
	WSClients       int                    `json:"ws_clients"`

	Health       relay.HealthStatus `json:"health,omitempty"`
	HealthReason string             `json:"health_reason,omitempty"`
	Components   map[string]string  `json:"components,omitempty"`
}

// handleHealth returns a liveness response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus reports broker, history and serial link state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		MQTTConnected:     s.publisher != nil && s.publisher.IsConnected(),
		MQTTBroker:        s.brokerAddress(),
		MQTTTopic:         s.mqttCfg.Topic,
		MaxMessageLength:  s.maxMessageLength(),
		MaxNicknameLength: s.maxNicknameLength(),
		WSClients:         s.hub.ClientCount(),
	}

	if s.history != nil {
		count, err := s.history.Count(r.Context())
		if err != nil {
			s.logger.Warn("counting message history failed", "error", err)
		}
		resp.MessageCount = count
	}

	if s.relay != nil {
		st := s.relay.Status()
		resp.SerialConnected = st.Attached
		resp.SerialPort = st.Port
		resp.SerialError = st.LastError
		resp.QueueLength = st.QueueLength
		resp.Relay = &st.Stats
		resp.Inbound = st.Inbound
	}

	if s.health != nil {
		snap := s.health.Snapshot()
		resp.Health = snap.Status
		resp.HealthReason = snap.Reason
	}

	if len(s.checks) > 0 {
		resp.Components = s.checkComponents(r.Context())
	}

	writeJSON(w, http.StatusOK, resp)
}

// checkComponents runs every component check, reporting "ok" or the error.
func (s *Server) checkComponents(ctx context.Context) map[string]string {
	results := make(map[string]string, len(s.checks))
	for name, checker := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, componentCheckTimeout)
		err := checker.HealthCheck(checkCtx)
		cancel()

		if err != nil {
			s.logger.Warn("component health check failed", "component", name, "error", err)
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	return results
}
