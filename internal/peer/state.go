package peer

import "slices"

// Role is fixed for a session's lifetime.
type Role int

const (
	// RoleOfferer was in the room first. It opens the data channel, sends
	// the offer and is the only side that restarts.
	RoleOfferer Role = iota
	// RoleAnswerer joined second and only reacts.
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// State of a peer session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateRestarting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateRestarting:
		return "restarting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Any state may move to StateClosed; it is not listed.
var transitions = map[Role]map[State][]State{
	RoleOfferer: {
		StateIdle:         {StateNegotiating},
		StateNegotiating:  {StateConnected, StateDisconnected},
		StateConnected:    {StateDisconnected},
		StateDisconnected: {StateRestarting},
		StateRestarting:   {StateNegotiating},
	},
	// An answerer never restarts; a new offer gets a new session.
	RoleAnswerer: {
		StateIdle:        {StateNegotiating},
		StateNegotiating: {StateConnected, StateDisconnected},
		StateConnected:   {StateDisconnected},
	},
}

// CanTransition reports whether role allows from → to.
func CanTransition(role Role, from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	return slices.Contains(transitions[role][from], to)
}
