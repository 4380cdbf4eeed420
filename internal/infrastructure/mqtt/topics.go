package mqtt

import "fmt"

// Topic prefixes for the AVR bridge MQTT namespace.
//
// Control-level topics (command, ack, state, read, response, health) are
// built by the bridge package next to the message types they carry. This
// file only covers the client's own liveness topic and broad patterns.
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "avrbridge"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "avrbridge/system"
)

// Topics provides builders for bridge-level MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// SystemStatus returns the client liveness topic.
//
// Example: avrbridge/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: avrbridge/#
func (Topics) AllTopics() string {
	return "avrbridge/#"
}
