package relay

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// MQTTClient is the subset of MQTT operations the Subscriber needs.
// This allows mocking in tests; main.go adapts the infrastructure client.
type MQTTClient interface {
	// Subscribe registers a handler for a topic. The subscription must
	// survive reconnects, and be issued on connect if registered while
	// disconnected.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// HasSubscription reports whether topic is tracked for (re)subscription.
	HasSubscription(topic string) bool
}

// SubscriberStats holds inbound counters.
type SubscriberStats struct {
	Topic      string `json:"topic"`
	Subscribed bool   `json:"subscribed"`
	Received   uint64 `json:"received"`
	Malformed  uint64 `json:"malformed"`
}

// SubscriberConfig holds configuration for the Subscriber.
type SubscriberConfig struct {
	// Topic is the single topic carrying display text.
	Topic string

	// QoS is the subscription QoS (0, 1 or 2).
	QoS byte

	// Client is the MQTT client. Required.
	Client MQTTClient

	// Queue receives decoded payloads. Required.
	Queue *Queue

	// Logger is optional.
	Logger Logger

	// Observers receive an EventQueued per message. Optional.
	Observers []Observer
}

// Subscriber decodes inbound broker payloads and enqueues them.
// It never touches the serial link.
type Subscriber struct {
	topic     string
	qos       byte
	client    MQTTClient
	queue     *Queue
	logger    Logger
	observers observers

	received   atomic.Uint64
	malformed  atomic.Uint64
	subscribed atomic.Bool
}

// NewSubscriber creates a Subscriber. Call Start to subscribe.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Subscriber{
		topic:     cfg.Topic,
		qos:       cfg.QoS,
		client:    cfg.Client,
		queue:     cfg.Queue,
		logger:    logger,
		observers: observers(cfg.Observers),
	}
}

// Start subscribes to the configured topic.
//
// Returns:
//   - error: wrapping ErrBrokerUnreachable when the broker is not connected;
//     the subscription is still issued once the client connects
func (s *Subscriber) Start() error {
	if s.client == nil || s.queue == nil {
		return fmt.Errorf("%w: subscriber needs a client and a queue", ErrInvalidOptions)
	}

	s.subscribed.Store(true)
	if err := s.client.Subscribe(s.topic, s.qos, s.handle); err != nil {
		if !s.client.IsConnected() {
			return fmt.Errorf("%w: subscription to %q pending: %w", ErrBrokerUnreachable, s.topic, err)
		}
		s.subscribed.Store(false)
		return fmt.Errorf("relay: subscribing to %q: %w", s.topic, err)
	}

	s.logger.Info("subscribed to display topic", "topic", s.topic, "qos", s.qos)
	return nil
}

// Stop unsubscribes. Best-effort: errors are returned but the Subscriber
// is considered stopped either way.
func (s *Subscriber) Stop() error {
	if !s.subscribed.Swap(false) {
		return nil
	}
	if err := s.client.Unsubscribe(s.topic); err != nil {
		return fmt.Errorf("relay: unsubscribing from %q: %w", s.topic, err)
	}
	return nil
}

// handle decodes one payload as UTF-8 and enqueues it.
func (s *Subscriber) handle(topic string, payload []byte) {
	text := string(payload)
	if !utf8.ValidString(text) {
		s.malformed.Add(1)
		text = strings.ToValidUTF8(text, "\uFFFD")
		s.logger.Warn("payload is not valid UTF-8, invalid bytes replaced",
			"topic", topic,
			"bytes", len(payload),
		)
	}

	s.queue.Enqueue(text)
	s.received.Add(1)

	queueLen := s.queue.Len()
	s.logger.Debug("message queued", "topic", topic, "length", len(text), "queue_length", queueLen)
	s.observers.emit(Event{Kind: EventQueued, Message: text, QueueLength: queueLen})
}

// Stats returns inbound counters and whether the topic subscription is
// held by the client.
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Topic:      s.topic,
		Subscribed: s.client != nil && s.subscribed.Load() && s.client.HasSubscription(s.topic),
		Received:   s.received.Load(),
		Malformed:  s.malformed.Load(),
	}
}
