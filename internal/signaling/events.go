package signaling

import (
	"github.com/CadiZhang/space-shooter/internal/protocol"
)

// State is the control-plane connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

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
	}
	return "unknown"
}

// EventType names something a subscriber can listen for. Relay messages
// use their wire type; the rest are raised by the channel itself.
type EventType string

const (
	EventConnectionEstablished = EventType(protocol.TypeConnectionEstablished)
	EventRoomCreated           = EventType(protocol.TypeRoomCreated)
	EventRoomJoined            = EventType(protocol.TypeRoomJoined)
	EventPlayerJoined          = EventType(protocol.TypePlayerJoined)
	EventPlayerDisconnected    = EventType(protocol.TypePlayerDisconnected)
	EventError                 = EventType(protocol.TypeError)
	EventOffer                 = EventType(protocol.TypeOffer)
	EventAnswer                = EventType(protocol.TypeAnswer)
	EventICECandidate          = EventType(protocol.TypeICECandidate)

	EventReconnecting         EventType = "reconnecting"
	EventReconnected          EventType = "reconnected"
	EventMaxReconnectAttempts EventType = "max-reconnect-attempts"
	EventDisconnected         EventType = "disconnected"
)

// eventTypes is the closed set accepted by Subscribe.
var eventTypes = []EventType{
	EventConnectionEstablished,
	EventRoomCreated,
	EventRoomJoined,
	EventPlayerJoined,
	EventPlayerDisconnected,
	EventError,
	EventOffer,
	EventAnswer,
	EventICECandidate,
	EventReconnecting,
	EventReconnected,
	EventMaxReconnectAttempts,
	EventDisconnected,
}

// Event is delivered to subscribers.
type Event struct {
	Type EventType

	// Message is the relay message for wire events, nil otherwise.
	Message *protocol.Message

	// Attempt and MaxAttempts are set on reconnecting and
	// max-reconnect-attempts.
	Attempt     int
	MaxAttempts int

	// Err is set on max-reconnect-attempts.
	Err error

	// RoomCode is the code re-joined on reconnected, if any.
	RoomCode string
}

// Handler receives events. Handlers run one at a time on the channel's
// dispatch goroutine, in arrival order.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}
