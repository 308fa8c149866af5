package core

import (
	"encoding/json"
)

// JoinPayload is emitted when a room becomes active.
type JoinPayload struct {
	ID      int64  `json:"id" validate:"required"`
	User1ID string `json:"user1_id" validate:"required"`
	User2ID string `json:"user2_id" validate:"required"`
	Open    string `json:"open"`
}

// OpenedPayload tells the remote that the web view of a session was opened.
type OpenedPayload struct {
	SessionID int64  `json:"session_id" validate:"required"`
	Username  string `json:"username"`
}

// SyncRequest asks the remote to create or resolve the session between user and driver.
type SyncRequest struct {
	ID     int64           `json:"id,omitempty"`
	User   string          `json:"user" validate:"required"`
	Driver string          `json:"driver" validate:"required"`
	Trip   json.RawMessage `json:"trip,omitempty"`
}

// SyncResponse is the ack payload of a sync request.
type SyncResponse struct {
	ID      int64  `json:"id" validate:"required"`
	User1ID string `json:"user1_id" validate:"required"`
	User2ID string `json:"user2_id" validate:"required"`
}

// RoomToJoinEvent builds the join payload of room.
func RoomToJoinEvent(room Room) (JoinPayload, error) {
	p := JoinPayload{
		ID:      room.ID,
		User1ID: room.User1ID,
		User2ID: room.User2ID,
		Open:    RoomStatusOpen,
	}
	if err := validate.Struct(p); err != nil {
		return JoinPayload{}, NewInvalidPayloadError(EventJoin, room, err)
	}
	return p, nil
}

// RoomToOpenedEvent builds the payload announcing that room was opened by its first participant.
func RoomToOpenedEvent(room Room) (OpenedPayload, error) {
	p := OpenedPayload{SessionID: room.ID, Username: room.User1ID}
	if err := validate.Struct(p); err != nil {
		return OpenedPayload{}, NewInvalidPayloadError(EventOpenChatWeb, room, err)
	}
	return p, nil
}

// RoomToSyncRequest builds the sync request of room. The room id is optional.
func RoomToSyncRequest(room Room) (SyncRequest, error) {
	p := SyncRequest{
		ID:     room.ID,
		User:   room.User1ID,
		Driver: room.User2ID,
		Trip:   room.Trip,
	}
	if err := validate.Struct(p); err != nil {
		return SyncRequest{}, NewInvalidPayloadError(EventSyncSession, room, err)
	}
	return p, nil
}

// SyncResponseToRoom normalizes the ack of a sync request into an open room.
func SyncResponseToRoom(raw json.RawMessage) (Room, error) {
	res, err := DecodePayload[SyncResponse](EventSyncSession, raw)
	if err != nil {
		return Room{}, err
	}
	return Room{
		ID:      res.ID,
		User1ID: res.User1ID,
		User2ID: res.User2ID,
		Status:  RoomStatusOpen,
	}, nil
}
