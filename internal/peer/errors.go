package peer

import (
	"errors"
	"fmt"
)

var (
	ErrWrongRole         = errors.New("operation not valid for this role")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClosed            = errors.New("session closed")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
	ErrChannelClosed     = errors.New("data channel closed")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrUnexpectedSignal  = errors.New("unexpected signal")
)

// Error is a failed session operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func wrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
