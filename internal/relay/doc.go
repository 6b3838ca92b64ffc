// Package relay moves text from an MQTT topic to the serial display, one
// message at a time.
//
// # Architecture
//
//	broker ──▶ Subscriber ──▶ Queue ──▶ Relay ──▶ serialport.Link ──▶ display
//	                                      ▲                              │
//	                                      └──────────── "OK" ◀───────────┘
//
// The Subscriber runs on paho's dispatch goroutines and only ever touches
// the Queue. The Relay runs on its own goroutine and is the sole owner of
// the Link. The Queue is the only state shared between the two.
//
// # Flow Control
//
// Each tick the Relay reads at most one line from the device. An "OK"
// releases the next message. When nothing arrived and the queue is not
// empty the Relay sends anyway, which keeps a display that lost an ack
// from stalling forever; set StrictAck to wait for the ack (bounded by
// AckTimeout) instead. At most one message is written per tick.
//
// # Degraded Mode
//
// With no device attached the Relay keeps looking for one every tick.
// Incoming messages keep queueing; nothing is dropped. A write failure
// faults the link and, by default, puts the message back at the head of
// the queue.
package relay
