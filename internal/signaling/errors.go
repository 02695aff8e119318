package signaling

import "errors"

var (
	ErrConnectTimeout          = errors.New("timed out waiting for connection-established")
	ErrClosedBeforeEstablished = errors.New("connection closed before it was established")
	ErrNotConnected            = errors.New("signaling channel not connected")
	ErrAlreadyConnected        = errors.New("signaling channel already connected")
	ErrClosed                  = errors.New("signaling channel closed")
	ErrReconnectExhausted      = errors.New("reconnect attempts exhausted")
	ErrUnknownEvent            = errors.New("unknown event type")
	ErrInvalidRoomCode         = errors.New("invalid room code")
)
