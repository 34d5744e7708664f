package collector

import "fmt"

// EventType enumerates the notifications a Client delivers.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventSubAck
	EventUnsubAck
	EventPubAck
	EventPublish
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventSubAck:
		return "SUBACK"
	case EventUnsubAck:
		return "UNSUBACK"
	case EventPubAck:
		return "PUBACK"
	case EventPublish:
		return "PUBLISH"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// Event is one notification from the collector connection. Topic and Payload
// are set for EventPublish; Err carries the reason of EventDisconnected.
type Event struct {
	Type    EventType
	Topic   string
	Payload []byte
	Err     error
}

// Sink receives client events. Clients call it from their own goroutines.
type Sink func(Event)
