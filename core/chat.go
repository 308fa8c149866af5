package core

import (
	"encoding/json"
	"time"
)

// RoomStatusOpen marks a room that the remote confirmed as open.
const RoomStatusOpen = "open"

// TempIDPrefix prefixes the client id of an optimistic message.
const TempIDPrefix = "temp-"

// Room is a two-party chat session.
type Room struct {
	ID      int64  `json:"id"`
	User1ID string `json:"user1_id"`
	User2ID string `json:"user2_id"`
	Status  string `json:"status,omitempty"`
	// Trip is opaque context attached to the session by the caller.
	Trip json.RawMessage `json:"trip,omitempty"`
}

// Message is a chat message as seen by the client.
// A message with a zero ID has not been confirmed by the remote yet.
type Message struct {
	ID int64 `json:"id,omitempty"`
	// ClientID is the temporary id assigned to an optimistic message.
	// The remote may echo it back with the confirmed message.
	ClientID  string     `json:"client_id,omitempty"`
	SessionID int64      `json:"session_id" validate:"required"`
	Content   string     `json:"content"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	Type      string     `json:"type,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	// Sending is true while the message is an unconfirmed local write.
	Sending bool `json:"-"`
}

// Unread reports whether the message has not been read yet.
func (m *Message) Unread() bool {
	return m.ReadAt == nil
}

// RoomSummary is a room as returned by a room listing: enough to seed
// the last message and unread count of a session that has not been opened.
type RoomSummary struct {
	ID          int64    `json:"id"`
	LastMessage *Message `json:"last_message,omitempty"`
	Unread      int      `json:"count"`
}

// User is the identity the client connects as.
type User struct {
	Username string
	// Token is sent to the remote as the auth cookie.
	Token string
}
