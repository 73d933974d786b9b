package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "homegate"

// Topics builds topic names under one prefix.
//
//	t := mqtt.NewTopics("homegate")
//	t.Event("command_completed") // homegate/event/command_completed
//	t.Command("Z3")              // homegate/command/Z3
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix. Surrounding slashes are trimmed
// and an empty prefix falls back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) join(parts ...string) string {
	return t.Prefix + "/" + strings.Join(parts, "/")
}

// Status returns the retained gateway status topic.
//
// Example: homegate/status
func (t Topics) Status() string { return t.join("status") }

// Event returns the topic for gateway events.
//
// Example: homegate/event/actionner_registered
func (t Topics) Event(eventType string) string { return t.join("event", eventType) }

// AllEvents returns a pattern matching every gateway event.
//
// Pattern: homegate/event/+
func (t Topics) AllEvents() string { return t.join("event", "+") }

// Command returns the topic a device endpoint listens on for commands.
//
// Example: homegate/command/Z3
func (t Topics) Command(target string) string { return t.join("command", target) }

// Reply returns the topic replies for one requesting client are sent to.
//
// Example: homegate/reply/homegate-7f3c
func (t Topics) Reply(clientID string) string { return t.join("reply", clientID) }
