// Package game defines the gameplay envelope carried over the peer data
// channel once negotiation has finished.
package game

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Type names a gameplay message.
type Type string

const (
	TypePositionUpdate Type = "POSITION_UPDATE"
	TypePlayerAction   Type = "PLAYER_ACTION"
	TypeHeartbeat      Type = "HEARTBEAT"
	TypeHeartbeatAck   Type = "HEARTBEAT_ACK"
)

// Control reports whether t is a liveness message handled by the session
// itself rather than by the game.
func (t Type) Control() bool {
	return t == TypeHeartbeat || t == TypeHeartbeatAck
}

// Position is a ship's location and heading.
type Position struct {
	X        float64 `msgpack:"x"`
	Y        float64 `msgpack:"y"`
	Rotation float64 `msgpack:"rotation,omitempty"`
}

// Message represents all data channel messages
type Message struct {
	Type      Type   `msgpack:"type"`
	PlayerID  string `msgpack:"playerId"`
	Timestamp int64  `msgpack:"timestamp"` // unix millis at the sender
	Sequence  uint64 `msgpack:"sequence"`

	Position *Position         `msgpack:"position,omitempty"`
	Action   string            `msgpack:"action,omitempty"`
	Data     msgpack.RawMessage `msgpack:"data,omitempty"`
}

// Time returns the sender's timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// DecodeData decodes the free-form data payload into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s has no data", m.Type)
	}
	return msgpack.Unmarshal(m.Data, v)
}

// WithData returns a copy of m carrying payload as its data field.
func (m Message) WithData(payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	m.Data = b
	return m, nil
}

// Encode serializes msg for the data channel.
func Encode(msg *Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("encode message: empty type")
	}
	return msgpack.Marshal(msg)
}

// Decode parses a data channel frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &msg, nil
}

// Sequencer stamps outgoing messages with a per-sender sequence number.
// Numbers are monotonic for one sender only; there is no global order.
type Sequencer struct {
	playerID string
	next     atomic.Uint64
	now      func() time.Time
}

// NewSequencer returns a sequencer for playerID. now may be nil.
func NewSequencer(playerID string, now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{playerID: playerID, now: now}
}

// Stamp fills in the sender, timestamp and next sequence number.
func (s *Sequencer) Stamp(msg *Message) {
	msg.PlayerID = s.playerID
	msg.Timestamp = s.now().UnixMilli()
	msg.Sequence = s.next.Add(1)
}

// Last returns the most recently issued sequence number.
func (s *Sequencer) Last() uint64 {
	return s.next.Load()
}
