// Package protocol defines the JSON envelope exchanged between game clients
// and the signaling relay.
//
// The relay only routes by room membership; offer, answer and candidate
// payloads stay as raw JSON and are never parsed on the server side.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a signaling message.
type Type string

// Client to relay.
const (
	TypeCreateRoom   Type = "create-room"
	TypeJoinRoom     Type = "join-room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// Relay to client. Offer, answer and ice-candidate are also forwarded
// outbound, tagged with the sender's player ID.
const (
	TypeConnectionEstablished Type = "connection-established"
	TypeRoomCreated           Type = "room-created"
	TypeRoomJoined            Type = "room-joined"
	TypePlayerJoined          Type = "player-joined"
	TypePlayerDisconnected    Type = "player-disconnected"
	TypeError                 Type = "error"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is the signaling envelope. Only the fields relevant to Type are set.
type Message struct {
	Type      Type            `json:"type"`
	RoomCode  string          `json:"roomCode,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	PlayerID  string          `json:"playerId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Inbound reports whether t is a message a client may send to the relay.
func (t Type) Inbound() bool {
	switch t {
	case TypeCreateRoom, TypeJoinRoom, TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Outbound reports whether t is a message the relay may send to a client.
func (t Type) Outbound() bool {
	switch t {
	case TypeConnectionEstablished, TypeRoomCreated, TypeRoomJoined,
		TypePlayerJoined, TypePlayerDisconnected, TypeError,
		TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Negotiation reports whether t carries an opaque WebRTC payload that the
// relay forwards to the other occupant of the room.
func (t Type) Negotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// DecodeInbound parses a frame received by the relay. The returned error
// wraps ErrMalformed or ErrUnknownType.
func DecodeInbound(data []byte) (*Message, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if !msg.Type.Inbound() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// DecodeOutbound parses a frame received by a client.
func DecodeOutbound(data []byte) (*Message, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if !msg.Type.Outbound() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

func decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

// Error texts sent in error replies.
const (
	ErrTextRoomFull      = "Room is full"
	ErrTextMalformed     = "Invalid message format"
	ErrTextRateLimited   = "rate limit exceeded"
	errTextRoomNotFound  = "Room with code %s not found"
	errTextUnknownType   = "Unknown message type: %s"
	errTextAlreadyInRoom = "Already in room %s"
)

// RoomNotFoundText is the error reply for an unknown room code.
func RoomNotFoundText(code string) string {
	return fmt.Sprintf(errTextRoomNotFound, code)
}

// UnknownTypeText is the error reply for a message type the relay does not handle.
func UnknownTypeText(t Type) string {
	return fmt.Sprintf(errTextUnknownType, t)
}

// AlreadyInRoomText is the error reply when a player asks for a second room.
func AlreadyInRoomText(code string) string {
	return fmt.Sprintf(errTextAlreadyInRoom, code)
}

// ErrorMessage builds an error reply.
func ErrorMessage(text string) *Message {
	return &Message{Type: TypeError, Error: text}
}
