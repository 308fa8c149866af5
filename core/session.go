package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
)

// AckEmitter sends events to the remote, optionally waiting for an acknowledgement.
type AckEmitter interface {
	Emitter
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// SessionStore tracks the active room and drives the join, leave and sync exchanges.
// Invalid rooms are logged and leave the store unchanged.
//
// SessionStore is not safe for concurrent use, except for SyncSession.
type SessionStore struct {
	emitter AckEmitter
	logger  *slog.Logger
	room    *Room

	onEnter []func(sessionID int64)
	onLeave []func(sessionID int64)
}

func NewSessionStore(emitter AckEmitter, logger *slog.Logger) *SessionStore {
	return &SessionStore{emitter: emitter, logger: logger}
}

// OnEnter registers f to run after a room becomes active.
func (s *SessionStore) OnEnter(f func(sessionID int64)) {
	s.onEnter = append(s.onEnter, f)
}

// OnLeave registers f to run when the active room is left.
func (s *SessionStore) OnLeave(f func(sessionID int64)) {
	s.onLeave = append(s.onLeave, f)
}

func (s *SessionStore) CurrentRoom() (Room, bool) {
	if s.room == nil {
		return Room{}, false
	}
	return *s.room, true
}

func (s *SessionStore) CurrentSessionID() (int64, bool) {
	if s.room == nil {
		return 0, false
	}
	return s.room.ID, true
}

// SetCurrentRoom makes room the active room and joins it on the remote.
func (s *SessionStore) SetCurrentRoom(room Room) error {
	p, err := RoomToJoinEvent(room)
	if err != nil {
		s.logger.Warn(err.Error())
		return err
	}
	r := room
	s.room = &r
	s.emitter.Emit(EventJoin, p)
	for _, f := range s.onEnter {
		f(room.ID)
	}
	return nil
}

// LeaveCurrentRoom leaves the active room on the remote and clears it locally.
func (s *SessionStore) LeaveCurrentRoom() {
	if s.room == nil {
		return
	}
	id := s.room.ID
	s.emitter.Emit(EventLeave, strconv.FormatInt(id, 10))
	for _, f := range s.onLeave {
		f(id)
	}
	s.room = nil
}

// Reset forgets the active room without leaving it on the remote.
func (s *SessionStore) Reset() {
	s.room = nil
}

// Rejoin joins the active room again. The remote forgets room membership when
// the connection drops.
func (s *SessionStore) Rejoin() {
	if s.room == nil {
		return
	}
	p, err := RoomToJoinEvent(*s.room)
	if err != nil {
		s.logger.Warn(err.Error())
		return
	}
	s.emitter.Emit(EventJoin, p)
}

// SyncSession asks the remote to resolve the session of room and passes the
// normalized room to callback. It blocks until the remote answers or ctx is done.
// Failures are logged and callback is not called. It touches no store state and
// may run on any goroutine.
func (s *SessionStore) SyncSession(ctx context.Context, room Room, callback func(Room)) {
	req, err := RoomToSyncRequest(room)
	if err != nil {
		s.logger.Warn(err.Error())
		return
	}
	raw, err := s.emitter.EmitWithAck(ctx, EventSyncSession, req)
	if err != nil {
		s.logger.Error(fmt.Sprintf("sync session: %v", err))
		return
	}
	synced, err := SyncResponseToRoom(raw)
	if err != nil {
		s.logger.Warn(err.Error())
		return
	}
	callback(synced)
}

// OpenedChatWeb tells the remote that the chat view of room was opened.
func (s *SessionStore) OpenedChatWeb(room Room) error {
	p, err := RoomToOpenedEvent(room)
	if err != nil {
		s.logger.Warn(err.Error())
		return err
	}
	s.emitter.Emit(EventOpenChatWeb, p)
	return nil
}
