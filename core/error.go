package core

import (
	"errors"
	"fmt"

	"github.com/putto11262002/chatsync/pkg/socket"
)

var (
	// ErrInvalidPayload matches every *InvalidPayloadError.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNotConnected is returned by acknowledged operations issued while the transport is down.
	ErrNotConnected = socket.ErrNotConnected
	// ErrReconnectExhausted is recorded once the reconnect policy gives up.
	ErrReconnectExhausted = socket.ErrReconnectExhausted
	// ErrNoActiveSession is returned by operations that need an active room.
	ErrNoActiveSession = errors.New("no active session")
)

// RemoteError is an error value returned by the remote in an ack.
type RemoteError = socket.RemoteError

// InvalidPayloadError is returned when a payload is missing required fields.
// It carries the offending payload so the caller can log it.
type InvalidPayloadError struct {
	Op      string
	Payload any
	// Reason is a human readable description of the failed fields.
	Reason string
	Err    error
}

func NewInvalidPayloadError(op string, payload any, err error) *InvalidPayloadError {
	return &InvalidPayloadError{Op: op, Payload: payload, Reason: FormatValidationErrors(err), Err: err}
}

func (e *InvalidPayloadError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: invalid payload: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: invalid payload: %s", e.Op, e.Reason)
}

func (e *InvalidPayloadError) Unwrap() error {
	return e.Err
}

func (e *InvalidPayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}
