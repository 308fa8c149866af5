package core

import (
	"encoding/json"
	"reflect"
	"time"
)

// Events exchanged with the remote.
const (
	EventJoin             = "join"
	EventLeave            = "salir"
	EventSyncSession      = "sync-session"
	EventOpenChatWeb      = "openchatweb"
	EventChat             = "chat"
	EventUpdateMessage    = "update-message"
	EventDestroyMessage   = "destroy-message"
	EventHistoryMessages  = "history-messages"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventReadMessage      = "read_message"
	EventMessageConfirmed = "message-confirmed"
	EventOnline           = "online"
	EventOffline          = "offline"
	EventUsersConnected   = "users-connected"
)

// TypingPayload is sent and received for typing and stop-typing.
type TypingPayload struct {
	SessionID int64  `json:"sessionId" validate:"required"`
	Username  string `json:"username" validate:"required"`
}

// HistoryRequest asks the remote for a page of older messages, newest first.
type HistoryRequest struct {
	SessionID int64 `json:"sessionId" validate:"required"`
	Offset    int   `json:"offset" validate:"gte=0"`
	Limit     int   `json:"limit" validate:"gte=1"`
}

// EditRequest replaces the content of a confirmed message.
type EditRequest struct {
	MessageID int64  `json:"messageId" validate:"required"`
	NewText   string `json:"newText" validate:"required"`
}

// DestroyRequest deletes a confirmed message. The remote echoes it back to both participants.
type DestroyRequest struct {
	MessageID       int64  `json:"messageId" validate:"required"`
	SessionID       int64  `json:"sessionId" validate:"required"`
	WithLastMessage bool   `json:"withLastMessage"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
}

// ReadRequest tells the remote that username has read every message of the session.
type ReadRequest struct {
	SessionID int64  `json:"sessionId" validate:"required"`
	Username  string `json:"username" validate:"required"`
}

// ReadReceipt is the remote's notification that the messages of a session were read.
type ReadReceipt struct {
	SessionID int64      `json:"session_id" validate:"required"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// MessageConfirmation carries the id the remote assigned to the oldest pending message.
type MessageConfirmation struct {
	ID int64 `json:"id" validate:"required"`
}

// PresencePayload announces that a user came online or went offline.
type PresencePayload struct {
	Username string `json:"username" validate:"required"`
}

// DecodePayload decodes raw into T and validates it when T is a struct.
// Failures are returned as *InvalidPayloadError.
func DecodePayload[T any](op string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &InvalidPayloadError{Op: op, Payload: raw, Reason: err.Error(), Err: err}
	}
	if reflect.Indirect(reflect.ValueOf(v)).Kind() != reflect.Struct {
		return v, nil
	}
	if err := validate.Struct(v); err != nil {
		return v, NewInvalidPayloadError(op, raw, err)
	}
	return v, nil
}
