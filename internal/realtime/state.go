package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection lifecycle topics. They are synthesised locally and never sent
// to or requested from the server.
const (
	EventOpen   = "connection:open"
	EventClose  = "connection:close"
	EventError  = "connection:error"
	EventFailed = "connection:failed"
)

// IsLifecycle reports whether topic is one of the connection lifecycle topics.
func IsLifecycle(topic string) bool {
	return strings.HasPrefix(topic, "connection:")
}

// Message is what subscribers receive. Domain messages carry the decoded
// Event; lifecycle messages carry Attempt and, for close/error, Err.
type Message struct {
	Topic     string
	Event     events.Event
	Data      json.RawMessage
	Timestamp time.Time

	Attempt     int
	Intentional bool
	Err         error
}

// Handler receives messages for one topic.
type Handler func(Message)
