// Package room holds the relay's in-memory room state.
package room

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Registry owns the set of rooms and the player-to-room mapping.
//
// A Registry is not safe for concurrent use. The relay hub owns it and calls
// it from its single event loop goroutine.
type Registry struct {
	clock    clock.Clock
	generate CodeGenerator

	rooms   map[string]*Room // by room ID
	codes   map[string]string
	players map[string]string // player ID -> room ID
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for room timestamps and expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithCodeGenerator replaces the random room-code generator.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(r *Registry) { r.generate = g }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:    clock.New(),
		generate: GenerateCode,
		rooms:    make(map[string]*Room),
		codes:    make(map[string]string),
		players:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom allocates a room with a fresh ID and code in the waiting state.
func (r *Registry) CreateRoom() *Room {
	room := &Room{
		ID:        uuid.NewString(),
		Code:      r.newCode(),
		Status:    StatusWaiting,
		CreatedAt: r.clock.Now(),
	}
	r.rooms[room.ID] = room
	r.codes[room.Code] = room.ID
	return room
}

// newCode keeps generating until the code is not held by an active room.
func (r *Registry) newCode() string {
	for {
		code := r.generate()
		if _, taken := r.codes[code]; !taken {
			return code
		}
	}
}

// AddPlayer seats p in the room. The first occupant ever seated becomes host;
// a later joiner never inherits the seat from a departed host. It fails
// with ErrRoomNotFound, ErrRoomFull or ErrDuplicate.
func (r *Registry) AddPlayer(roomID string, p *Player) error {
	room, ok := r.rooms[roomID]
	if !ok {
		return newError("add player", roomID, ErrRoomNotFound)
	}
	if _, ok := room.Player(p.ID); ok {
		return newError("add player", roomID, ErrDuplicate)
	}
	if room.Full() {
		return newError("add player", roomID, ErrRoomFull)
	}

	p.IsHost = !room.hosted
	room.hosted = true
	room.Players = append(room.Players, p)
	r.players[p.ID] = room.ID

	if room.Full() {
		room.Status = StatusFull
	}
	return nil
}

// RemovePlayer removes the player from its room. An emptied room is deleted
// and (nil, false) is returned. Otherwise the surviving room is returned.
func (r *Registry) RemovePlayer(playerID string) (*Room, bool) {
	roomID, ok := r.players[playerID]
	if !ok {
		return nil, false
	}
	delete(r.players, playerID)

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	wasFull := room.Full()
	room.removePlayer(playerID)

	if len(room.Players) == 0 {
		r.deleteRoom(room)
		return nil, false
	}
	if wasFull {
		room.Status = StatusDisconnected
	} else {
		room.Status = StatusWaiting
	}
	return room, true
}

// OtherPlayer returns the occupant of roomID that is not excludingID.
func (r *Registry) OtherPlayer(roomID, excludingID string) (*Player, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	for _, p := range room.Players {
		if p.ID != excludingID {
			return p, true
		}
	}
	return nil, false
}

// RoomByID looks a room up by its opaque ID.
func (r *Registry) RoomByID(id string) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

// RoomByCode looks a room up by its shareable code.
func (r *Registry) RoomByCode(code string) (*Room, bool) {
	id, ok := r.codes[code]
	if !ok {
		return nil, false
	}
	return r.RoomByID(id)
}

// RoomOf returns the room the player currently occupies.
func (r *Registry) RoomOf(playerID string) (*Room, bool) {
	id, ok := r.players[playerID]
	if !ok {
		return nil, false
	}
	return r.RoomByID(id)
}

// SweepExpired deletes every room older than maxAge regardless of occupancy
// and returns the deleted rooms.
func (r *Registry) SweepExpired(maxAge time.Duration) []*Room {
	now := r.clock.Now()
	var expired []*Room
	for _, room := range r.rooms {
		if now.Sub(room.CreatedAt) > maxAge {
			expired = append(expired, room)
		}
	}
	for _, room := range expired {
		for _, p := range room.Players {
			delete(r.players, p.ID)
		}
		r.deleteRoom(room)
	}
	return expired
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}

func (r *Registry) deleteRoom(room *Room) {
	delete(r.rooms, room.ID)
	if r.codes[room.Code] == room.ID {
		delete(r.codes, room.Code)
	}
}
