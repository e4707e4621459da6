package mqtt

import "fmt"

// Topic prefixes for the relay's MQTT surface.
//
// All topics live under the flat scheme: relay/{category}/...
const (
	// TopicPrefix is the base for all relay topics.
	TopicPrefix = "relay"

	// TopicPrefixSystem is the base for daemon lifecycle topics.
	TopicPrefixSystem = "relay/system"

	// TopicPrefixEvents is the base for the lifecycle event feed.
	TopicPrefixEvents = "relay/events"

	// TopicPrefixCommands is the base for inbound command dispatch.
	TopicPrefixCommands = "relay/commands"
)

// Topics provides builders for relay MQTT topics. Using these helpers
// keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.SystemStatus()
//	// Returns: "relay/system/status"
type Topics struct{}

// SystemStatus returns the daemon status topic carrying the retained
// online/offline payload and the LWT.
//
// Example: relay/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// Event returns the topic for one lifecycle event feed entry.
//
// Example: relay/events/connection/opened
func (Topics) Event(category, name string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixEvents, category, name)
}

// Command returns the inbound dispatch topic for one device.
//
// Example: relay/commands/room-1/thermostat-1
func (Topics) Command(endpointPublicID, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixCommands, endpointPublicID, deviceID)
}

// AllCommands returns a pattern matching every inbound command topic.
//
// Pattern: relay/commands/+/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/+/+", TopicPrefixCommands)
}

// AllEvents returns a pattern matching the entire event feed.
//
// Pattern: relay/events/#
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/#", TopicPrefixEvents)
}

// AllTopics returns a pattern matching all relay topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: relay/#
func (Topics) AllTopics() string {
	return "relay/#"
}
