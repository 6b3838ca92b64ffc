// Package influxdb writes relay telemetry to InfluxDB v2.
//
// Two measurements are written:
//   - relay_events: one point per relay event (sent, ack, fault, attached,
//     requeued, dropped), tagged by relay, event and port
//   - relay_queue: periodic queue depth and link state
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteQueueDepth("lobby", relay.QueueLength(), status.Attached)
//
// Writes are non-blocking and batched by batch_size and flush_interval.
// Async write failures go to the SetOnError callback wrapped in
// ErrWriteFailed. All methods are safe for concurrent use; writes on a
// closed or nil client are dropped.
package influxdb
