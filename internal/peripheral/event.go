package peripheral

import "fmt"

// ConnHandle identifies a live connection inside a stack.
type ConnHandle uint16

// Peer describes the central on the other end of a connection.
type Peer struct {
	Handle  ConnHandle
	Address string
	Bonded  bool
}

func (p Peer) String() string {
	return fmt.Sprintf("%s#%d", p.Address, p.Handle)
}

// EventType enumerates what the stack reports.
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventAuthComplete
	EventSubscribe
	EventUnsubscribe
	EventWrite
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventAuthComplete:
		return "auth_complete"
	case EventSubscribe:
		return "subscribe"
	case EventUnsubscribe:
		return "unsubscribe"
	case EventWrite:
		return "write"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single asynchronous notification from the stack. Which fields
// are meaningful depends on Type.
type Event struct {
	Type EventType
	Peer Peer

	// Characteristic is set for EventSubscribe, EventUnsubscribe and EventWrite.
	Characteristic UUID16

	// Data is the written value for EventWrite; owned by the receiver.
	Data []byte

	// Reason is the HCI disconnect reason for EventDisconnect, 0 if unknown.
	Reason int

	// AuthErr is the pairing outcome for EventAuthComplete; nil means success.
	AuthErr error
}

// Handler receives stack events. Stacks may call it from any goroutine,
// including their own internal ones; handlers must not block for long.
type Handler func(Event)
