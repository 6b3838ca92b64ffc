package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nerrad567/display-relay/internal/history"
)

// Fallback limits when the config leaves them unset.
const (
	defaultMaxNicknameLength = 20
	defaultMaxMessageLength  = 200
)

// Hub channels for message events.
const (
	ChannelMessageCreated = "message.created"
	ChannelHistoryCleared = "history.cleared"
)

// submitRequest is the body of POST /messages.
type submitRequest struct {
	Nickname string `json:"nickname"`
	Message  string `json:"message"`
}

// submitResponse is the body returned for an accepted message.
type submitResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Details submitDetails `json:"details"`
}

type submitDetails struct {
	DisplayText string `json:"display_text"`
	Length      int    `json:"length"`
	Topic       string `json:"topic"`
	MQTTBroker  string `json:"mqtt_broker"`
}

// handleSubmitMessage validates a nickname/message pair, publishes
// "<nickname>: <message>" to the relay topic and records it.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	nickname := strings.TrimSpace(req.Nickname)
	message := strings.TrimSpace(req.Message)

	if msg := validateLength("nickname", nickname, s.maxNicknameLength()); msg != "" {
		writeValidationError(w, msg)
		return
	}
	if msg := validateLength("message", message, s.maxMessageLength()); msg != "" {
		writeValidationError(w, msg)
		return
	}

	if s.publisher == nil {
		writeInternalError(w, "message broker is not configured")
		return
	}

	displayText := nickname + ": " + message
	topic := s.mqttCfg.Topic
	if err := s.publisher.Publish(topic, []byte(displayText), byte(s.mqttCfg.QoS), false); err != nil { //nolint:gosec // QoS validated 0-2 by config
		s.logger.Error("publishing message failed", "topic", topic, "error", err)
		writeInternalError(w, "failed to publish message")
		return
	}

	entry := &history.Entry{
		Nickname:    nickname,
		Message:     message,
		DisplayText: displayText,
		Topic:       topic,
		Source:      "api",
		CreatedAt:   time.Now().UTC(),
	}
	if s.history != nil {
		if err := s.history.Add(r.Context(), entry); err != nil {
			s.logger.Warn("recording message history failed", "error", err)
		}
	}

	s.hub.Broadcast(ChannelMessageCreated, entry)

	s.logger.Info("message submitted",
		"nickname", nickname,
		"length", utf8.RuneCountInString(displayText),
		"topic", topic,
	)

	writeJSON(w, http.StatusOK, submitResponse{
		Success: true,
		Message: "message sent to display",
		Details: submitDetails{
			DisplayText: displayText,
			Length:      utf8.RuneCountInString(displayText),
			Topic:       topic,
			MQTTBroker:  s.brokerAddress(),
		},
	})
}

// handleListMessages returns the message history, oldest first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	entries := []history.Entry{}
	if s.history != nil {
		list, err := s.history.List(r.Context())
		if err != nil {
			s.logger.Error("listing message history failed", "error", err)
			writeInternalError(w, "failed to list messages")
			return
		}
		entries = list
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleClearMessages empties the message history.
func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	removed := 0
	if s.history != nil {
		n, err := s.history.Clear(r.Context())
		if err != nil {
			s.logger.Error("clearing message history failed", "error", err)
			writeInternalError(w, "failed to clear messages")
			return
		}
		removed = n
	}

	subject := ""
	if claims := claimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}
	s.logger.Info("message history cleared", "removed", removed, "by", subject)
	s.hub.Broadcast(ChannelHistoryCleared, map[string]int{"removed": removed})

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "message history cleared",
		"removed": removed,
	})
}

// validateLength checks that value holds between 1 and limit characters.
// Returns an empty string when valid.
func validateLength(field, value string, limit int) string {
	n := utf8.RuneCountInString(value)
	switch {
	case n == 0:
		return field + " is required"
	case n > limit:
		return fmt.Sprintf("%s must be at most %d characters", field, limit)
	}
	return ""
}

func (s *Server) maxNicknameLength() int {
	if n := s.cfg.Limits.MaxNicknameLength; n > 0 {
		return n
	}
	return defaultMaxNicknameLength
}

func (s *Server) maxMessageLength() int {
	if n := s.cfg.Limits.MaxMessageLength; n > 0 {
		return n
	}
	return defaultMaxMessageLength
}

// brokerAddress returns the broker as host:port.
func (s *Server) brokerAddress() string {
	return fmt.Sprintf("%s:%d", s.mqttCfg.Broker.Host, s.mqttCfg.Broker.Port)
}
