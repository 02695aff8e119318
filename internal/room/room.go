package room

import "time"

// MaxPlayers is the room capacity: one host and one guest.
const MaxPlayers = 2

// Status is the pairing state of a room.
type Status string

const (
	// StatusWaiting means the room has its host and accepts a guest.
	StatusWaiting Status = "waiting"

	// StatusFull means both seats are taken.
	StatusFull Status = "full"

	// StatusDisconnected means a paired room lost one occupant. It accepts a
	// new guest exactly like a waiting room.
	StatusDisconnected Status = "disconnected"
)

// Player is a signaling-side occupant of a room.
type Player struct {
	// ID is the opaque player identifier announced in connection-established.
	ID string

	// Conn is the relay's connection handle for this player.
	Conn any

	// IsHost is true for the room's first occupant. It never changes.
	IsHost bool
}

// Room pairs at most two players behind a shareable code.
type Room struct {
	// ID is the opaque token used between paired clients.
	ID string

	// Code is the 6-character code shown to users.
	Code string

	Players   []*Player
	Status    Status
	CreatedAt time.Time

	hosted bool
}

// Player returns the occupant with the given ID.
func (r *Room) Player(id string) (*Player, bool) {
	for _, p := range r.Players {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Host returns the room's host if it is still present.
func (r *Room) Host() (*Player, bool) {
	for _, p := range r.Players {
		if p.IsHost {
			return p, true
		}
	}
	return nil, false
}

// Full reports whether both seats are taken.
func (r *Room) Full() bool {
	return len(r.Players) >= MaxPlayers
}

func (r *Room) removePlayer(id string) bool {
	for i, p := range r.Players {
		if p.ID == id {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			return true
		}
	}
	return false
}
