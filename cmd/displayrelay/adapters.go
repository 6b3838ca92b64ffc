package main

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nerrad567/display-relay/internal/api"
	"github.com/nerrad567/display-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/display-relay/internal/infrastructure/logging"
	"github.com/nerrad567/display-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/display-relay/internal/relay"
)

// mqttSubscriberAdapter adapts the infrastructure MQTT client to the
// relay's MQTTClient interface. The difference is the handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Relay subscriber expects: func(topic, payload []byte)
type mqttSubscriberAdapter struct {
	client *mqtt.Client
}

var _ relay.MQTTClient = (*mqttSubscriberAdapter)(nil)

// Subscribe implements relay.MQTTClient.
func (a *mqttSubscriberAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements relay.MQTTClient.
func (a *mqttSubscriberAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements relay.MQTTClient.
func (a *mqttSubscriberAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// HasSubscription implements relay.MQTTClient.
func (a *mqttSubscriberAdapter) HasSubscription(topic string) bool {
	return a.client.HasSubscription(topic)
}

// eventPublisher is the MQTT side of the event forwarder.
type eventPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// eventBufferSize bounds the forwarder's backlog. Events beyond it are dropped.
const eventBufferSize = 64

// eventMessage is published on display/event/<kind>.
type eventMessage struct {
	Kind        string    `json:"kind"`
	Port        string    `json:"port,omitempty"`
	QueueLength int       `json:"queue_length"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// eventForwarder republishes link lifecycle events (attached, fault,
// dropped) on MQTT. OnEvent never blocks the relay loop; publishing happens
// on the Run goroutine.
type eventForwarder struct {
	pub     eventPublisher
	topics  mqtt.Topics
	log     *logging.Logger
	events  chan relay.Event
	dropped atomic.Uint64
}

func newEventForwarder(pub eventPublisher, topics mqtt.Topics, log *logging.Logger) *eventForwarder {
	return &eventForwarder{
		pub:    pub,
		topics: topics,
		log:    log,
		events: make(chan relay.Event, eventBufferSize),
	}
}

// OnEvent implements relay.Observer.
func (f *eventForwarder) OnEvent(ev relay.Event) {
	switch ev.Kind {
	case relay.EventAttached, relay.EventFault, relay.EventDropped:
	default:
		return
	}

	select {
	case f.events <- ev:
	default:
		f.dropped.Add(1)
	}
}

// Run publishes buffered events until ctx is cancelled.
func (f *eventForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			f.publish(ev)
		}
	}
}

func (f *eventForwarder) publish(ev relay.Event) {
	msg := eventMessage{
		Kind:        string(ev.Kind),
		Port:        ev.Port,
		QueueLength: ev.QueueLength,
		Timestamp:   ev.Time.UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := f.pub.Publish(f.topics.Event(msg.Kind), payload, 0, false); err != nil {
		f.log.Debug("relay event not published", "kind", msg.Kind, "error", err)
	}
}

// relayMetricsWriter is the telemetry sink. Satisfied by *influxdb.Client.
type relayMetricsWriter interface {
	WriteRelayEvent(relayID, kind, port string, queueLength int, at time.Time)
	WriteQueueDepth(relayID string, queueLength int, attached bool)
}

var _ relayMetricsWriter = (*influxdb.Client)(nil)

// telemetryObserver writes relay events to the time-series store.
type telemetryObserver struct {
	client  relayMetricsWriter
	relayID string
}

// OnEvent implements relay.Observer. Queued events are not recorded.
func (o telemetryObserver) OnEvent(ev relay.Event) {
	if ev.Kind == relay.EventQueued {
		return
	}
	o.client.WriteRelayEvent(o.relayID, string(ev.Kind), ev.Port, ev.QueueLength, ev.Time)
}

// reportQueueDepth samples the relay every interval until ctx is cancelled.
func reportQueueDepth(ctx context.Context, client relayMetricsWriter, source relay.StatusSource, relayID string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := source.Status()
			client.WriteQueueDepth(relayID, st.QueueLength, st.Attached)
		}
	}
}

// Live-feed kinds for broker connection changes.
const (
	brokerConnectedKind    = "broker_connected"
	brokerDisconnectedKind = "broker_disconnected"
)

// liveFeed is the WebSocket side of the broker watcher. Satisfied by *api.Hub.
type liveFeed interface {
	Broadcast(channel string, payload any)
}

// healthRepublisher is satisfied by *relay.HealthReporter.
type healthRepublisher interface {
	PublishNow() error
}

// brokerWatcher follows MQTT connection changes. After a reconnect it
// republishes health so the retained report replaces the LWT.
type brokerWatcher struct {
	feed   liveFeed
	health healthRepublisher
	log    *logging.Logger
}

// onConnect is registered with mqtt.Client.SetOnConnect.
func (w brokerWatcher) onConnect() {
	go func() {
		if err := w.health.PublishNow(); err != nil {
			w.log.Debug("health not republished after reconnect", "error", err)
		}
	}()
	w.feed.Broadcast(api.ChannelRelayEvent, api.RelayEventPayload{Kind: brokerConnectedKind})
}

// onDisconnect is registered with mqtt.Client.SetOnDisconnect.
func (w brokerWatcher) onDisconnect(err error) {
	payload := api.RelayEventPayload{Kind: brokerDisconnectedKind}
	if err != nil {
		payload.Error = err.Error()
	}
	w.feed.Broadcast(api.ChannelRelayEvent, payload)
}
