package mqtt

import "fmt"

// DefaultTopicPrefix is used when the configuration leaves the prefix
// empty.
const DefaultTopicPrefix = "fennec"

// Command names accepted under the cmd subtree.
const (
	// CommandCheckUpdates asks the daemon to refresh the firmware
	// catalog.
	CommandCheckUpdates = "check-updates"

	// CommandFinalize acknowledges a finished or failed operation,
	// returning the daemon to standby.
	CommandFinalize = "finalize"
)

// Topics builds the daemon's MQTT topic names under one prefix.
// Using these helpers keeps topic naming consistent between the bridge
// and external subscribers.
//
//	topics := mqtt.Topics{Prefix: cfg.TopicPrefix}
//	topics.State() // "fennec/state"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// State returns the retained daemon state snapshot topic.
//
// Example: fennec/state
func (t Topics) State() string {
	return t.prefix() + "/state"
}

// Device returns the retained current-device topic. An empty JSON
// object is published when no unit is attached.
//
// Example: fennec/device
func (t Topics) Device() string {
	return t.prefix() + "/device"
}

// Updates returns the retained firmware catalog state topic.
//
// Example: fennec/updates
func (t Topics) Updates() string {
	return t.prefix() + "/updates"
}

// BridgeStatus returns the online/offline status topic. The LWT is
// registered here so the broker reports an unexpected death.
//
// Example: fennec/bridge/status
func (t Topics) BridgeStatus() string {
	return t.prefix() + "/bridge/status"
}

// Command returns the topic for one remote command.
//
// Example: fennec/cmd/check-updates
func (t Topics) Command(name string) string {
	return fmt.Sprintf("%s/cmd/%s", t.prefix(), name)
}

// Event returns the topic for one-shot operation events.
//
// Example: fennec/event/operation-finished
func (t Topics) Event(name string) string {
	return fmt.Sprintf("%s/event/%s", t.prefix(), name)
}

// AllCommands returns a pattern matching every remote command.
//
// Pattern: fennec/cmd/+
func (t Topics) AllCommands() string {
	return t.prefix() + "/cmd/+"
}

// All returns a pattern matching every daemon topic.
// Use with caution, this receives all traffic under the prefix.
//
// Pattern: fennec/#
func (t Topics) All() string {
	return t.prefix() + "/#"
}
