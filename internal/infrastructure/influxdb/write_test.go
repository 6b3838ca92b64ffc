package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/display-relay/internal/infrastructure/config"
)

// fakeWriteAPI implements api.WriteAPI in memory.
type fakeWriteAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
	errCh   chan error
}

func newFakeWriteAPI() *fakeWriteAPI {
	return &fakeWriteAPI{errCh: make(chan error)}
}

func (f *fakeWriteAPI) WriteRecord(string) {}

func (f *fakeWriteAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriteAPI) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeWriteAPI) Errors() <-chan error { return f.errCh }

func (f *fakeWriteAPI) SetWriteFailedCallback(api.WriteFailedCallback) {}

func (f *fakeWriteAPI) getPoints() []*write.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*write.Point, len(f.points))
	copy(out, f.points)
	return out
}

func tagValue(p *write.Point, key string) (string, bool) {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

func fieldValue(p *write.Point, key string) (interface{}, bool) {
	for _, field := range p.FieldList() {
		if field.Key == key {
			return field.Value, true
		}
	}
	return nil, false
}

func newFakeClient() (*Client, *fakeWriteAPI) {
	fake := newFakeWriteAPI()
	return newClient(nil, fake, config.InfluxDBConfig{Enabled: true}), fake
}

func TestWriteRelayEvent(t *testing.T) {
	c, fake := newFakeClient()
	at := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

	c.WriteRelayEvent("lobby", "sent", "/dev/ttyACM0", 4, at)

	points := fake.getPoints()
	if len(points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(points))
	}
	p := points[0]

	if p.Name() != MeasurementRelayEvents {
		t.Errorf("measurement = %q, want %q", p.Name(), MeasurementRelayEvents)
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v, want %v", p.Time(), at)
	}
	for key, want := range map[string]string{"relay": "lobby", "event": "sent", "port": "/dev/ttyACM0"} {
		if got, ok := tagValue(p, key); !ok || got != want {
			t.Errorf("tag %s = %q, want %q", key, got, want)
		}
	}
	if got, _ := fieldValue(p, "queue_length"); got != int64(4) {
		t.Errorf("queue_length = %v, want 4", got)
	}
	if got, _ := fieldValue(p, "count"); got != int64(1) {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestWriteRelayEvent_NoPortNoTime(t *testing.T) {
	c, fake := newFakeClient()

	before := time.Now()
	c.WriteRelayEvent("lobby", "fault", "", 0, time.Time{})

	p := fake.getPoints()[0]
	if _, ok := tagValue(p, "port"); ok {
		t.Error("empty port should not be tagged")
	}
	if p.Time().Before(before) {
		t.Errorf("time = %v, want now", p.Time())
	}
}

func TestWriteQueueDepth(t *testing.T) {
	c, fake := newFakeClient()

	c.WriteQueueDepth("lobby", 7, false)

	p := fake.getPoints()[0]
	if p.Name() != MeasurementRelayQueue {
		t.Errorf("measurement = %q, want %q", p.Name(), MeasurementRelayQueue)
	}
	if got, _ := fieldValue(p, "queue_length"); got != int64(7) {
		t.Errorf("queue_length = %v, want 7", got)
	}
	if got, _ := fieldValue(p, "attached"); got != false {
		t.Errorf("attached = %v, want false", got)
	}
}

func TestWritesDroppedAfterClose(t *testing.T) {
	c, fake := newFakeClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	c.WriteQueueDepth("lobby", 1, true)
	c.Flush()

	if n := len(fake.getPoints()); n != 0 {
		t.Errorf("wrote %d points after Close, want 0", n)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.flushes != 1 {
		t.Errorf("flushes = %d, want 1 (from Close only)", fake.flushes)
	}
}

func TestHealthCheck_NoServer(t *testing.T) {
	c, _ := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := c.HealthCheck(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestWriteErrorsReachCallback(t *testing.T) {
	c, fake := newFakeClient()

	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	fake.errCh <- errors.New("bucket not found")

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}
