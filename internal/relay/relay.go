package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/display-relay/internal/serialport"
)

// AckToken is the device's acknowledgment line.
const AckToken = "OK"

// Default timings.
const (
	// DefaultPollInterval is the sleep between loop iterations.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultAckReadTimeout bounds the per-tick wait for a device line.
	DefaultAckReadTimeout = 20 * time.Millisecond

	// DefaultAckTimeout releases a strict-ack wait.
	DefaultAckTimeout = 5 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeviceLink is the serial link the Relay drives.
// Satisfied by *serialport.Link.
type DeviceLink interface {
	Open(name string) error
	WriteLine(text string) error
	TryReadLine(timeout time.Duration) (string, bool, error)
	Pending() bool
	MarkFaulted(err error)
	Close() error
	State() serialport.State
	IsAttached() bool
	PortName() string
	LastError() error
	Stats() serialport.LinkStats
}

// InboundSource reports the broker side. Satisfied by *Subscriber.
type InboundSource interface {
	Stats() SubscriberStats
}

// PortLocator finds the display. Satisfied by *serialport.Locator.
type PortLocator interface {
	Locate() (string, bool)
}

// Ensure the serialport types satisfy the relay's interfaces.
var (
	_ DeviceLink  = (*serialport.Link)(nil)
	_ PortLocator = (*serialport.Locator)(nil)
)

// deliveryState tracks the one-in-flight protocol.
type deliveryState int32

const (
	readyToSend deliveryState = iota
	waitingForAck
)

// Options configures a Relay.
type Options struct {
	// Link is the device link. Required.
	Link DeviceLink

	// Locator finds the device when the link is down. Required.
	Locator PortLocator

	// Queue holds pending messages. Required.
	Queue *Queue

	// PollInterval is the sleep between iterations. Default: 100ms.
	PollInterval time.Duration

	// AckReadTimeout bounds the per-tick read. Must be shorter than
	// PollInterval. Default: 20ms.
	AckReadTimeout time.Duration

	// StrictAck suppresses the opportunistic send while an ack is
	// outstanding, until AckTimeout has elapsed since the last send.
	StrictAck bool

	// AckTimeout releases a strict-ack wait. Default: 5s.
	AckTimeout time.Duration

	// RequeueOnFailure returns a message whose write failed to the head of
	// the queue instead of dropping it.
	RequeueOnFailure bool

	// Logger is optional.
	Logger Logger

	// Observers receive relay events (telemetry, live feed). Optional.
	Observers []Observer

	// Inbound adds subscriber counters to Status. Optional.
	Inbound InboundSource
}

// Stats holds relay counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Acks         uint64 `json:"acks"`
	Faults       uint64 `json:"faults"`
	Requeued     uint64 `json:"requeued"`
	Dropped      uint64 `json:"dropped"`
	Attaches     uint64 `json:"attaches"`
	IgnoredLines uint64 `json:"ignored_lines"`
	AckTimeouts  uint64 `json:"ack_timeouts"`
}

// Status is a point-in-time view of the relay for health and API reporting.
type Status struct {
	Running     bool                 `json:"running"`
	Attached    bool                 `json:"attached"`
	LinkState   string               `json:"link_state"`
	Port        string               `json:"port,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
	QueueLength int                  `json:"queue_length"`
	AwaitingAck bool                 `json:"awaiting_ack"`
	LastSend    time.Time            `json:"last_send,omitzero"`
	Stats       Stats                `json:"stats"`
	Link        serialport.LinkStats `json:"link"`
	Inbound     *SubscriberStats     `json:"inbound,omitempty"`
}

// Relay drains the Queue into the device link under ack flow control.
//
// Thread Safety:
//   - Run must be called once; the loop goroutine owns the link.
//   - Stats and Status are safe from any goroutine.
type Relay struct {
	link      DeviceLink
	locator   PortLocator
	queue     *Queue
	inbound   InboundSource
	logger    Logger
	observers observers

	pollInterval     time.Duration
	ackReadTimeout   time.Duration
	strictAck        bool
	ackTimeout       time.Duration
	requeueOnFailure bool

	running  atomic.Bool
	delivery atomic.Int32
	lastSend atomic.Int64

	// Owned by the loop goroutine; used to log transitions once.
	deviceMissing bool
	lastOpenErr   string

	sent         atomic.Uint64
	acks         atomic.Uint64
	faults       atomic.Uint64
	requeued     atomic.Uint64
	dropped      atomic.Uint64
	attaches     atomic.Uint64
	ignoredLines atomic.Uint64
	ackTimeouts  atomic.Uint64
}

// New validates options and creates a Relay.
//
// Returns:
//   - *Relay: Ready to Run
//   - error: wrapping ErrInvalidOptions if Link, Locator or Queue is nil,
//     or AckReadTimeout is not shorter than PollInterval
func New(opts Options) (*Relay, error) {
	if opts.Link == nil || opts.Locator == nil || opts.Queue == nil {
		return nil, fmt.Errorf("%w: link, locator and queue are required", ErrInvalidOptions)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.AckReadTimeout <= 0 {
		opts.AckReadTimeout = DefaultAckReadTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.AckReadTimeout >= opts.PollInterval {
		return nil, fmt.Errorf("%w: ack read timeout %v must be shorter than poll interval %v",
			ErrInvalidOptions, opts.AckReadTimeout, opts.PollInterval)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Relay{
		link:             opts.Link,
		locator:          opts.Locator,
		queue:            opts.Queue,
		inbound:          opts.Inbound,
		logger:           logger,
		observers:        observers(opts.Observers),
		pollInterval:     opts.PollInterval,
		ackReadTimeout:   opts.AckReadTimeout,
		strictAck:        opts.StrictAck,
		ackTimeout:       opts.AckTimeout,
		requeueOnFailure: opts.RequeueOnFailure,
	}, nil
}

// Run drives the relay until ctx is cancelled, then closes the link and
// returns nil. Queued messages are not flushed.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	r.logger.Info("relay started",
		"poll_interval", r.pollInterval,
		"strict_ack", r.strictAck,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		default:
		}

		r.step()

		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-ticker.C:
		}
	}
}

// shutdown releases the link at the end of Run.
func (r *Relay) shutdown() error {
	if err := r.link.Close(); err != nil {
		r.logger.Warn("closing serial link", "error", err)
	}
	r.logger.Info("relay stopped", "queue_length", r.queue.Len())
	return nil
}

// step runs one iteration. At most one message is written.
func (r *Relay) step() {
	if !r.link.IsAttached() {
		if !r.attach() {
			return
		}
	}

	line, ok, err := r.link.TryReadLine(r.ackReadTimeout)
	if err != nil {
		r.fault(err)
		return
	}

	if ok {
		if line == AckToken {
			r.acks.Add(1)
			r.delivery.Store(int32(readyToSend))
			r.observers.emit(Event{Kind: EventAck, Port: r.link.PortName(), QueueLength: r.queue.Len()})
			r.sendNext()
			return
		}
		r.ignoredLines.Add(1)
		r.logger.Debug("ignoring device output", "line", line)
		return
	}

	// A line is still arriving; it may be the ack.
	if r.link.Pending() {
		return
	}

	if r.queue.IsEmpty() {
		return
	}

	if r.strictAck && deliveryState(r.delivery.Load()) == waitingForAck {
		if time.Since(r.lastSendTime()) < r.ackTimeout {
			return
		}
		r.ackTimeouts.Add(1)
		r.logger.Warn("no ack from device, sending next message", "ack_timeout", r.ackTimeout)
	}

	r.sendNext()
}

// attach locates the device and opens it. Reports whether the link is
// now Attached. Absence and repeated identical failures are logged once.
func (r *Relay) attach() bool {
	port, found := r.locator.Locate()
	if !found {
		if !r.deviceMissing {
			r.deviceMissing = true
			r.logger.Warn("display device not found, queueing messages",
				"queue_length", r.queue.Len())
		}
		return false
	}

	if err := r.link.Open(port); err != nil {
		if msg := err.Error(); msg != r.lastOpenErr {
			r.lastOpenErr = msg
			r.logger.Warn("opening display device failed", "port", port, "error", err)
		}
		return false
	}

	r.deviceMissing = false
	r.lastOpenErr = ""
	r.attaches.Add(1)
	r.delivery.Store(int32(readyToSend))
	r.logger.Info("display device attached", "port", port, "queue_length", r.queue.Len())
	r.observers.emit(Event{Kind: EventAttached, Port: port, QueueLength: r.queue.Len()})
	return true
}

// sendNext dequeues one message and writes it.
func (r *Relay) sendNext() {
	msg, ok := r.queue.Dequeue()
	if !ok {
		return
	}

	port := r.link.PortName()
	if err := r.link.WriteLine(msg); err != nil {
		if r.requeueOnFailure {
			r.queue.PushFront(msg)
			r.requeued.Add(1)
			r.observers.emit(Event{Kind: EventRequeued, Port: port, Message: msg, QueueLength: r.queue.Len(), Err: err})
		} else {
			r.dropped.Add(1)
			r.logger.Warn("message dropped after write failure", "port", port, "length", len(msg))
			r.observers.emit(Event{Kind: EventDropped, Port: port, Message: msg, QueueLength: r.queue.Len(), Err: err})
		}
		r.fault(err)
		return
	}

	r.sent.Add(1)
	r.delivery.Store(int32(waitingForAck))
	r.lastSend.Store(time.Now().UnixNano())
	r.logger.Debug("message sent", "port", port, "length", len(msg), "queue_length", r.queue.Len())
	r.observers.emit(Event{Kind: EventSent, Port: port, Message: msg, QueueLength: r.queue.Len()})
}

// fault marks the link faulted; reconnection happens on the next tick.
func (r *Relay) fault(err error) {
	port := r.link.PortName()
	r.link.MarkFaulted(err)
	r.faults.Add(1)
	r.delivery.Store(int32(readyToSend))
	r.logger.Warn("serial link fault, will reconnect", "port", port, "error", err)
	r.observers.emit(Event{Kind: EventFault, Port: port, QueueLength: r.queue.Len(), Err: err})
}

func (r *Relay) lastSendTime() time.Time {
	ns := r.lastSend.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Sent:         r.sent.Load(),
		Acks:         r.acks.Load(),
		Faults:       r.faults.Load(),
		Requeued:     r.requeued.Load(),
		Dropped:      r.dropped.Load(),
		Attaches:     r.attaches.Load(),
		IgnoredLines: r.ignoredLines.Load(),
		AckTimeouts:  r.ackTimeouts.Load(),
	}
}

// Status returns the current relay status.
func (r *Relay) Status() Status {
	link := r.link.Stats()
	st := Status{
		Running:     r.running.Load(),
		Attached:    link.State == serialport.StateAttached,
		LinkState:   link.State.String(),
		Port:        link.Port,
		QueueLength: r.queue.Len(),
		AwaitingAck: deliveryState(r.delivery.Load()) == waitingForAck,
		LastSend:    r.lastSendTime(),
		Stats:       r.Stats(),
		Link:        link,
	}
	if err := r.link.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if r.inbound != nil {
		in := r.inbound.Stats()
		st.Inbound = &in
	}
	return st
}

// QueueLength returns the number of pending messages.
func (r *Relay) QueueLength() int {
	return r.queue.Len()
}
