package socket

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by acknowledged emits issued while the socket is down.
	ErrNotConnected = errors.New("socket not connected")
	// ErrReconnectExhausted is returned once the reconnect policy gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrWriteStreamFull is returned when the outbound buffer cannot take another packet.
	ErrWriteStreamFull = errors.New("write stream full")
	errClosed          = errors.New("socket closed")
)

// RemoteError carries the error value the remote placed in an ack payload.
type RemoteError struct {
	Event string
	Value json.RawMessage
}

func (e *RemoteError) Error() string {
	var msg string
	if err := json.Unmarshal(e.Value, &msg); err == nil {
		return fmt.Sprintf("%s: remote error: %s", e.Event, msg)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Event, string(e.Value))
}

type ackResponse struct {
	Error json.RawMessage `json:"error,omitempty"`
}

// ackError extracts the remote error from an ack payload, if any.
func ackError(event string, payload json.RawMessage) error {
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}
	var res ackResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil
	}
	if len(res.Error) == 0 || !truthy(res.Error) {
		return nil
	}
	return &RemoteError{Event: event, Value: res.Error}
}

// truthy reports whether raw holds a value other than null, false, "" or 0.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	default:
		return true
	}
}
