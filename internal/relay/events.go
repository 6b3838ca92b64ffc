package relay

import "time"

// EventKind identifies a relay lifecycle event.
type EventKind string

// Relay events.
const (
	// EventAttached is emitted when the Link opens a device.
	EventAttached EventKind = "attached"

	// EventSent is emitted after a message is written to the device.
	EventSent EventKind = "sent"

	// EventAck is emitted when the device answers "OK".
	EventAck EventKind = "ack"

	// EventFault is emitted when a read or write faults the Link.
	EventFault EventKind = "fault"

	// EventRequeued is emitted when a failed message returns to the queue head.
	EventRequeued EventKind = "requeued"

	// EventDropped is emitted when a failed message is discarded.
	EventDropped EventKind = "dropped"

	// EventQueued is emitted by the Subscriber for each inbound message.
	EventQueued EventKind = "queued"
)

// Event describes one relay occurrence.
type Event struct {
	Kind        EventKind
	Port        string
	Message     string
	QueueLength int
	Err         error
	Time        time.Time
}

// Observer receives relay events. OnEvent is called synchronously from the
// relay loop or the MQTT dispatch goroutine and must not block.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnEvent calls f(ev).
func (f ObserverFunc) OnEvent(ev Event) {
	f(ev)
}

// observers fans one event out to many observers.
type observers []Observer

func (o observers) emit(ev Event) {
	if len(o) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(ev)
		}
	}
}
