// Package api is the HTTP front of the display relay.
//
// Operators submit a nickname and a message; the server validates both,
// publishes "<nickname>: <message>" to the relay topic and keeps a bounded
// history. The relay itself consumes the topic, so the API never writes to
// the serial device directly.
//
// Routes (all under /api/v1):
//
//	GET    /health     liveness
//	GET    /status     broker, history, serial link and component health
//	GET    /metrics    runtime, relay and database statistics
//	GET    /messages   history, oldest first
//	POST   /messages   submit a message
//	DELETE /messages   clear history (admin JWT when a secret is set)
//	GET    /ws         live feed of message and relay events
//
// The server runs without a broker; submissions then fail with 500 while
// reads and the WebSocket feed keep working.
package api
