package room

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrDuplicate    = errors.New("player already in room")
)

// Error is a room failure surfaced to the requesting client only.
type Error struct {
	Op   string
	Room string
	Err  error
}

func (e *Error) Error() string {
	if e.Room != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Room, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, room string, err error) *Error {
	return &Error{Op: op, Room: room, Err: err}
}
