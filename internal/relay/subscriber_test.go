package relay

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

// mockMQTTClient implements MQTTClient for testing.
type mockMQTTClient struct {
	mu           sync.Mutex
	connected    bool
	subscribeErr error
	handlers     map[string]func(string, []byte)
	unsubscribed []string
}

func newMockMQTTClient(connected bool) *mockMQTTClient {
	return &mockMQTTClient{
		connected: connected,
		handlers:  make(map[string]func(string, []byte)),
	}
}

func (m *mockMQTTClient) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Tracked even when it fails, like the infrastructure client.
	m.handlers[topic] = handler
	if !m.connected {
		return errors.New("mqtt: not connected")
	}
	return m.subscribeErr
}

func (m *mockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *mockMQTTClient) HasSubscription(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SimulateMessage delivers a payload as the broker would.
func (m *mockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler := m.handlers[topic]
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func newTestSubscriber(client *mockMQTTClient) (*Subscriber, *Queue, *eventRecorder) {
	queue := NewQueue()
	events := &eventRecorder{}
	sub := NewSubscriber(SubscriberConfig{
		Topic:     "display/message",
		QoS:       1,
		Client:    client,
		Queue:     queue,
		Observers: []Observer{events},
	})
	return sub, queue, events
}

func TestSubscriber_EnqueuesPayloads(t *testing.T) {
	client := newMockMQTTClient(true)
	sub, queue, events := newTestSubscriber(client)

	if err := sub.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	client.SimulateMessage("display/message", []byte("alice: hi"))
	client.SimulateMessage("display/message", []byte("bob: yo"))

	if got := queue.Len(); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}
	for _, want := range []string{"alice: hi", "bob: yo"} {
		if got, _ := queue.Dequeue(); got != want {
			t.Errorf("Dequeue() = %q, want %q", got, want)
		}
	}
	if st := sub.Stats(); st.Received != 2 || st.Malformed != 0 || !st.Subscribed {
		t.Errorf("Stats() = %+v, want 2 received, subscribed", st)
	}

	kinds := events.kinds()
	if len(kinds) != 2 || kinds[0] != EventQueued || kinds[1] != EventQueued {
		t.Errorf("events = %v, want two %q", kinds, EventQueued)
	}
}

func TestSubscriber_PayloadPassedVerbatim(t *testing.T) {
	client := newMockMQTTClient(true)
	sub, queue, _ := newTestSubscriber(client)
	if err := sub.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	payloads := []string{"", "  padded  ", "héllo wörld", "line1\nline2"}
	for _, p := range payloads {
		client.SimulateMessage("display/message", []byte(p))
	}

	for _, want := range payloads {
		if got, _ := queue.Dequeue(); got != want {
			t.Errorf("Dequeue() = %q, want %q", got, want)
		}
	}
}

func TestSubscriber_InvalidUTF8Replaced(t *testing.T) {
	client := newMockMQTTClient(true)
	sub, queue, _ := newTestSubscriber(client)
	if err := sub.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	client.SimulateMessage("display/message", []byte{'h', 'i', 0xff, 0xfe, '!'})

	got, ok := queue.Dequeue()
	if !ok {
		t.Fatal("malformed payload was not enqueued")
	}
	if want := "hi\uFFFD!"; got != want {
		t.Errorf("Dequeue() = %q, want %q", got, want)
	}
	if st := sub.Stats(); st.Malformed != 1 || st.Received != 1 {
		t.Errorf("Stats() = %+v, want 1 received, 1 malformed", st)
	}
}

func TestSubscriber_StartWhileDisconnected(t *testing.T) {
	client := newMockMQTTClient(false)
	sub, queue, _ := newTestSubscriber(client)

	err := sub.Start()
	if !errors.Is(err, ErrBrokerUnreachable) {
		t.Fatalf("Start() error = %v, want ErrBrokerUnreachable", err)
	}
	if !strings.Contains(err.Error(), "display/message") {
		t.Errorf("error %q should name the topic", err)
	}

	if !sub.Stats().Subscribed {
		t.Error("Stats().Subscribed = false, want pending subscription tracked")
	}

	// Once the client connects, the tracked subscription delivers.
	client.mu.Lock()
	client.connected = true
	client.mu.Unlock()
	client.SimulateMessage("display/message", []byte("late"))

	if got, _ := queue.Dequeue(); got != "late" {
		t.Errorf("Dequeue() = %q, want late", got)
	}
}

func TestSubscriber_StartSubscribeError(t *testing.T) {
	client := newMockMQTTClient(true)
	client.subscribeErr = errors.New("not authorised")
	sub, _, _ := newTestSubscriber(client)

	err := sub.Start()
	if err == nil {
		t.Fatal("Start() error = nil, want error")
	}
	if errors.Is(err, ErrBrokerUnreachable) {
		t.Errorf("Start() error = %v, should not be ErrBrokerUnreachable while connected", err)
	}

	if err := sub.Stop(); err != nil {
		t.Errorf("Stop() after failed Start error = %v", err)
	}
	if len(client.unsubscribed) != 0 {
		t.Errorf("Stop() unsubscribed %v after failed Start", client.unsubscribed)
	}
}

func TestSubscriber_StartRequiresClientAndQueue(t *testing.T) {
	sub := NewSubscriber(SubscriberConfig{Topic: "display/message"})
	if err := sub.Start(); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Start() error = %v, want ErrInvalidOptions", err)
	}
}

func TestSubscriber_Stop(t *testing.T) {
	client := newMockMQTTClient(true)
	sub, queue, _ := newTestSubscriber(client)
	if err := sub.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := sub.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := sub.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != "display/message" {
		t.Errorf("unsubscribed = %v, want [display/message]", client.unsubscribed)
	}

	client.SimulateMessage("display/message", []byte("ignored"))
	if !queue.IsEmpty() {
		t.Error("message enqueued after Stop")
	}
	if sub.Stats().Subscribed {
		t.Error("Stats().Subscribed = true after Stop")
	}
}
