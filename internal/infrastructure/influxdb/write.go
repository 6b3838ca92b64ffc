package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the relay.
const (
	MeasurementRelayEvents = "relay_events"
	MeasurementRelayQueue  = "relay_queue"
)

// WriteRelayEvent records one relay lifecycle event (sent, ack, fault,
// attached, ...). The write is non-blocking; points are batched.
//
// Parameters:
//   - relayID: Site identifier of this relay
//   - kind: Event kind (e.g., "sent", "fault")
//   - port: Serial port involved, empty if none
//   - queueLength: Queue length when the event occurred
//   - at: Event time; zero means now
//
// Example:
//
//	client.WriteRelayEvent("lobby", "sent", "/dev/ttyACM0", 3, time.Time{})
func (c *Client) WriteRelayEvent(relayID, kind, port string, queueLength int, at time.Time) {
	tags := map[string]string{
		"relay": relayID,
		"event": kind,
	}
	if port != "" {
		tags["port"] = port
	}
	if at.IsZero() {
		at = time.Now()
	}

	c.WritePointWithTime(MeasurementRelayEvents, tags,
		map[string]interface{}{
			"count":        1,
			"queue_length": queueLength,
		},
		at,
	)
}

// WriteQueueDepth records the queue length and link state of the relay.
// Called periodically so depth is visible even when nothing is sent.
//
// Parameters:
//   - relayID: Site identifier of this relay
//   - queueLength: Messages waiting for the display
//   - attached: Whether the display link is attached
func (c *Client) WriteQueueDepth(relayID string, queueLength int, attached bool) {
	c.WritePoint(MeasurementRelayQueue,
		map[string]string{"relay": relayID},
		map[string]interface{}{
			"queue_length": queueLength,
			"attached":     attached,
		},
	)
}

// WritePoint writes a custom point timestamped now.
//
// Example:
//
//	client.WritePoint("relay_http",
//	    map[string]string{"relay": "lobby"},
//	    map[string]interface{}{"submissions": 12})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
// No-op when the client is not connected.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
