// Package mqtt provides MQTT client connectivity for the display relay.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and connect-retry
//   - Message publishing with QoS guarantees
//   - Topic subscriptions that survive reconnects
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Producers publish plain text to the relay topic. The relay subscribes,
// queues each payload, and forwards it to the serial display one at a time.
//
//	Producer → MQTT Broker → Relay → Serial display
//
// # Broker Loss
//
// New builds a client without dialling. Connect waits a bounded time for
// the first connection; if the broker is unreachable the client keeps
// retrying in the background and Subscribe still records the subscription,
// which is issued as soon as a connection is established.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	client.SetLogger(log)
//	if err := client.Connect(ctx); err != nil {
//	    log.Warn("broker unreachable, retrying in background", "error", err)
//	}
//	defer client.Close()
//
//	err := client.Subscribe(cfg.MQTT.Topic, 1,
//	    func(topic string, payload []byte) error {
//	        queue.Enqueue(string(payload))
//	        return nil
//	    })
package mqtt
