package mqtt

import "fmt"

// TopicPrefix is the base for all relay topics.
const TopicPrefix = "display"

// Topics provides builders for the relay's MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	healthTopic := topics.Health()
//	// Returns: "display/health"
//
// The inbound message topic is configurable (mqtt.topic); Message returns
// the default used when nothing is configured.
type Topics struct{}

// =============================================================================
// Relay Topics
// =============================================================================

// Message returns the default topic carrying text for the display.
//
// Example: display/message
func (Topics) Message() string {
	return fmt.Sprintf("%s/message", TopicPrefix)
}

// Health returns the topic for the relay's periodic health report.
//
// Example: display/health
func (Topics) Health() string {
	return fmt.Sprintf("%s/health", TopicPrefix)
}

// Status returns the online/offline status topic (also the LWT topic).
//
// Example: display/status
func (Topics) Status() string {
	return fmt.Sprintf("%s/status", TopicPrefix)
}

// Event returns the topic for relay lifecycle events.
//
// Example: display/event/device_attached
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}
