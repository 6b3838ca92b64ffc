package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/display-relay/internal/serialport"
)

// mockPublisher implements HealthPublisher for testing.
type mockPublisher struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockPublisher(connected bool) *mockPublisher {
	return &mockPublisher{connected: connected}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, publishedMessage{
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishedMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

// stubSource implements StatusSource.
type stubSource struct {
	mu     sync.Mutex
	status Status
}

func (s *stubSource) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func attachedSource() *stubSource {
	return &stubSource{status: Status{
		Running:     true,
		Attached:    true,
		LinkState:   "attached",
		Port:        "/dev/ttyACM0",
		QueueLength: 3,
		Stats:       Stats{Sent: 12, Acks: 11},
		Link:        serialport.LinkStats{LinesTx: 12, LinesRx: 11, Opens: 1},
		Inbound:     &SubscriberStats{Topic: "display/message", Subscribed: true, Received: 15, Malformed: 2},
	}}
}

func decodeHealth(t *testing.T, payload []byte) HealthMessage {
	t.Helper()
	var health HealthMessage
	if err := json.Unmarshal(payload, &health); err != nil {
		t.Fatalf("failed to unmarshal health message: %v", err)
	}
	return health
}

func TestNewHealthReporter(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{
		RelayID:  "lobby",
		Version:  "1.0.0",
		Topic:    "display/status",
		Interval: 5 * time.Second,
	})

	if hr.relayID != "lobby" {
		t.Errorf("relayID = %q, want lobby", hr.relayID)
	}
	if hr.version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", hr.version)
	}
	if hr.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", hr.interval)
	}
}

func TestHealthReporterDefaultInterval(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby"})

	if hr.interval != 30*time.Second {
		t.Errorf("default interval = %v, want 30s", hr.interval)
	}
}

func TestHealthReporterPublishNow(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{
		RelayID:   "lobby",
		Version:   "2.0.0",
		Topic:     "display/status",
		Publisher: pub,
		Source:    attachedSource(),
	})

	if err := hr.PublishNow(); err != nil {
		t.Fatalf("PublishNow failed: %v", err)
	}

	messages := pub.getMessages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	msg := messages[0]
	if msg.topic != "display/status" {
		t.Errorf("topic = %q, want display/status", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}
	if !msg.retained {
		t.Error("message should be retained")
	}

	health := decodeHealth(t, msg.payload)
	if health.Relay != "lobby" {
		t.Errorf("Relay = %q, want lobby", health.Relay)
	}
	if health.Status != HealthHealthy {
		t.Errorf("Status = %q, want %q", health.Status, HealthHealthy)
	}
	if health.Version != "2.0.0" {
		t.Errorf("Version = %q, want 2.0.0", health.Version)
	}
	if health.QueueLength != 3 {
		t.Errorf("QueueLength = %d, want 3", health.QueueLength)
	}
	if health.Serial == nil || health.Serial.Port != "/dev/ttyACM0" || health.Serial.State != "attached" {
		t.Errorf("Serial = %+v, want attached on /dev/ttyACM0", health.Serial)
	}
	if health.Statistics == nil || health.Statistics.Sent != 12 {
		t.Errorf("Statistics = %+v, want Sent=12", health.Statistics)
	}
}

func TestHealthReporterDegradedWhenDetached(t *testing.T) {
	pub := newMockPublisher(true)
	src := attachedSource()
	src.status.Attached = false
	src.status.LinkState = "unattached"

	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby", Publisher: pub, Source: src})
	if err := hr.PublishNow(); err != nil {
		t.Fatalf("PublishNow failed: %v", err)
	}

	health := decodeHealth(t, pub.getMessages()[0].payload)
	if health.Status != HealthDegraded {
		t.Errorf("Status = %q, want %q", health.Status, HealthDegraded)
	}
	if health.Reason != "display not attached" {
		t.Errorf("Reason = %q, want 'display not attached'", health.Reason)
	}
}

func TestHealthReporterDegradedReasonCarriesLinkError(t *testing.T) {
	pub := newMockPublisher(true)
	src := attachedSource()
	src.status.Attached = false
	src.status.LinkState = "faulted"
	src.status.LastError = "serialport: link fault: read: device not configured"

	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby", Publisher: pub, Source: src})
	if err := hr.PublishNow(); err != nil {
		t.Fatalf("PublishNow failed: %v", err)
	}

	health := decodeHealth(t, pub.getMessages()[0].payload)
	want := "display not attached: serialport: link fault: read: device not configured"
	if health.Reason != want {
		t.Errorf("Reason = %q, want %q", health.Reason, want)
	}
	if health.Serial == nil || health.Serial.LastError != src.status.LastError {
		t.Errorf("Serial = %+v, want last error reported", health.Serial)
	}
}

func TestHealthReporterReportsLinkAndInbound(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby", Publisher: pub, Source: attachedSource()})
	if err := hr.PublishNow(); err != nil {
		t.Fatalf("PublishNow failed: %v", err)
	}

	health := decodeHealth(t, pub.getMessages()[0].payload)
	if health.Serial == nil || health.Serial.Link.LinesTx != 12 || health.Serial.Link.Opens != 1 {
		t.Errorf("Serial = %+v, want link counters", health.Serial)
	}
	if health.Inbound == nil || health.Inbound.Received != 15 || health.Inbound.Malformed != 2 {
		t.Errorf("Inbound = %+v, want 15 received, 2 malformed", health.Inbound)
	}
}

func TestHealthReporterDegradedWhenMQTTDisconnected(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{
		RelayID:   "lobby",
		Publisher: newMockPublisher(false),
		Source:    attachedSource(),
	})

	status, reason := hr.determineStatus()
	if status != HealthDegraded {
		t.Errorf("Status = %q, want %q", status, HealthDegraded)
	}
	if reason != "MQTT disconnected" {
		t.Errorf("Reason = %q, want 'MQTT disconnected'", reason)
	}
}

func TestHealthReporterPublishStarting(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby", Publisher: pub})

	if err := hr.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting failed: %v", err)
	}

	messages := pub.getMessages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if health := decodeHealth(t, messages[0].payload); health.Status != HealthStarting {
		t.Errorf("Status = %q, want %q", health.Status, HealthStarting)
	}
}

func TestHealthReporterPublishError(t *testing.T) {
	pub := newMockPublisher(true)
	pub.publishErr = errors.New("broker gone")
	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby", Publisher: pub})

	if err := hr.PublishNow(); err == nil {
		t.Error("PublishNow should return the publisher error")
	}
}

func TestHealthReporterStartStop(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{
		RelayID:   "lifecycle",
		Interval:  50 * time.Millisecond,
		Publisher: pub,
		Source:    attachedSource(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hr.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	hr.Stop()
	hr.Stop()

	messages := pub.getMessages()
	// initial + at least one periodic + stopping
	if len(messages) < 3 {
		t.Errorf("expected at least 3 messages, got %d", len(messages))
	}

	last := decodeHealth(t, messages[len(messages)-1].payload)
	if last.Status != HealthStopping {
		t.Errorf("last Status = %q, want %q", last.Status, HealthStopping)
	}
}

func TestHealthReporterWithNoPublisher(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{RelayID: "no-publisher"})

	if err := hr.PublishNow(); err != nil {
		t.Errorf("PublishNow with nil publisher should not error: %v", err)
	}
}

func TestHealthReporterSnapshot(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{RelayID: "lobby", Publisher: pub, Source: attachedSource()})

	snap := hr.Snapshot()
	if snap.Status != HealthHealthy {
		t.Errorf("Snapshot().Status = %q, want %q", snap.Status, HealthHealthy)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Snapshot().Timestamp is zero")
	}
	if len(pub.getMessages()) != 0 {
		t.Error("Snapshot should not publish")
	}
}
