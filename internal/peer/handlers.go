package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/putto11262002/chatsync/core"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotParticipant  = errors.New("not a participant")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotAuthor       = errors.New("not the author")
)

func (s *Server) On(event string, h handler) {
	if _, ok := s.handlers[event]; ok {
		panic(fmt.Sprintf("handler(%s): already exists", event))
	}
	s.handlers[event] = h
}

func (s *Server) registerHandlers() {
	s.handlers = make(map[string]handler)
	s.On(core.EventJoin, s.JoinHandler)
	s.On(core.EventLeave, s.LeaveHandler)
	s.On(core.EventSyncSession, s.SyncSessionHandler)
	s.On(core.EventOpenChatWeb, s.OpenChatWebHandler)
	s.On(core.EventChat, s.ChatHandler)
	s.On(core.EventUpdateMessage, s.UpdateMessageHandler)
	s.On(core.EventDestroyMessage, s.DestroyMessageHandler)
	s.On(core.EventTyping, s.typingHandler(core.EventTyping))
	s.On(core.EventStopTyping, s.typingHandler(core.EventStopTyping))
	s.On(core.EventReadMessage, s.ReadMessageHandler)
	s.On(core.EventHistoryMessages, s.HistoryHandler)
}

// roomOf returns the room when username takes part in it.
func (s *Server) roomOf(id int64, username string) (*room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoomNotFound, id)
	}
	if !r.has(username) {
		return nil, ErrNotParticipant
	}
	return r, nil
}

func (s *Server) JoinHandler(c *conn, payload json.RawMessage) (any, error) {
	p, err := core.DecodePayload[core.JoinPayload](core.EventJoin, payload)
	if err != nil {
		return nil, err
	}
	r, ok := s.rooms[p.ID]
	if !ok {
		r = &room{Room: core.Room{ID: p.ID, User1ID: p.User1ID, User2ID: p.User2ID, Status: core.RoomStatusOpen}}
		s.rooms[p.ID] = r
		if p.ID >= s.nextRoomID {
			s.nextRoomID = p.ID + 1
		}
	}
	if !r.has(c.username) {
		return nil, ErrNotParticipant
	}
	c.rooms[p.ID] = struct{}{}
	return nil, nil
}

func (s *Server) LeaveHandler(c *conn, payload json.RawMessage) (any, error) {
	var raw string
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("Unmarshal: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q", raw)
	}
	delete(c.rooms, id)
	return nil, nil
}

func (s *Server) SyncSessionHandler(c *conn, payload json.RawMessage) (any, error) {
	req, err := core.DecodePayload[core.SyncRequest](core.EventSyncSession, payload)
	if err != nil {
		return nil, err
	}
	if req.User == req.Driver {
		return nil, errors.New("a session needs two participants")
	}
	if req.ID != 0 {
		if r, ok := s.rooms[req.ID]; ok && r.has(req.User) && r.has(req.Driver) {
			return core.SyncResponse{ID: r.ID, User1ID: r.User1ID, User2ID: r.User2ID}, nil
		}
	}
	r := s.findOrCreateRoom(req.User, req.Driver, req.Trip)
	return core.SyncResponse{ID: r.ID, User1ID: r.User1ID, User2ID: r.User2ID}, nil
}

func (s *Server) OpenChatWebHandler(c *conn, payload json.RawMessage) (any, error) {
	p, err := core.DecodePayload[core.OpenedPayload](core.EventOpenChatWeb, payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.roomOf(p.SessionID, c.username); err != nil {
		return nil, err
	}
	c.logger.Debug(fmt.Sprintf("chat view of session %d opened by %s", p.SessionID, p.Username))
	return nil, nil
}

// ChatHandler stores a message and delivers it to both participants.
// The sender's client id is echoed back so the sender can match its optimistic copy.
func (s *Server) ChatHandler(c *conn, payload json.RawMessage) (any, error) {
	msg, err := core.DecodePayload[core.Message](core.EventChat, payload)
	if err != nil {
		return nil, err
	}
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return nil, errors.New("content is a required field")
	}
	r, err := s.roomOf(msg.SessionID, c.username)
	if err != nil {
		return nil, err
	}

	msg.ID = s.nextMessageID
	s.nextMessageID++
	msg.From = c.username
	msg.To = r.other(c.username)
	msg.CreatedAt = s.now().UTC()
	msg.ReadAt = nil
	r.messages = append(r.messages, msg)

	if !s.confirm {
		s.emitTo(core.EventChat, msg, r.User1ID, r.User2ID)
		return core.MessageConfirmation{ID: msg.ID}, nil
	}
	s.sendTo(c, core.EventMessageConfirmed, core.MessageConfirmation{ID: msg.ID})
	echo := msg
	echo.ClientID = ""
	for _, u := range []string{msg.From, msg.To} {
		for _, o := range slices.Clone(s.users[u]) {
			if o != c {
				s.sendTo(o, core.EventChat, echo)
			}
		}
	}
	return core.MessageConfirmation{ID: msg.ID}, nil
}

// findMessage locates a message by id across every room of username.
func (s *Server) findMessage(id int64, username string) (*room, int, error) {
	for _, r := range s.rooms {
		if !r.has(username) {
			continue
		}
		if i := slices.IndexFunc(r.messages, func(m core.Message) bool { return m.ID == id }); i >= 0 {
			return r, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: %d", ErrMessageNotFound, id)
}

func (s *Server) UpdateMessageHandler(c *conn, payload json.RawMessage) (any, error) {
	req, err := core.DecodePayload[core.EditRequest](core.EventUpdateMessage, payload)
	if err != nil {
		return nil, err
	}
	r, i, err := s.findMessage(req.MessageID, c.username)
	if err != nil {
		return nil, err
	}
	if r.messages[i].From != c.username {
		return nil, ErrNotAuthor
	}
	r.messages[i].Content = strings.TrimSpace(req.NewText)
	updated := r.messages[i]
	s.emitTo(core.EventUpdateMessage, updated, r.User1ID, r.User2ID)
	return nil, nil
}

func (s *Server) DestroyMessageHandler(c *conn, payload json.RawMessage) (any, error) {
	req, err := core.DecodePayload[core.DestroyRequest](core.EventDestroyMessage, payload)
	if err != nil {
		return nil, err
	}
	r, err := s.roomOf(req.SessionID, c.username)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(r.messages, func(m core.Message) bool { return m.ID == req.MessageID })
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrMessageNotFound, req.MessageID)
	}
	if r.messages[i].From != c.username {
		return nil, ErrNotAuthor
	}
	r.messages = slices.Delete(r.messages, i, i+1)
	s.emitTo(core.EventDestroyMessage, core.DestroyRequest{
		MessageID: req.MessageID,
		SessionID: req.SessionID,
	}, r.User1ID, r.User2ID)
	return nil, nil
}

// typingHandler forwards a typing indicator to the other participant.
func (s *Server) typingHandler(event string) handler {
	return func(c *conn, payload json.RawMessage) (any, error) {
		p, err := core.DecodePayload[core.TypingPayload](event, payload)
		if err != nil {
			return nil, err
		}
		r, err := s.roomOf(p.SessionID, c.username)
		if err != nil {
			return nil, err
		}
		p.Username = c.username
		s.emitTo(event, p, r.other(c.username))
		return nil, nil
	}
}

// ReadMessageHandler marks the messages addressed to the reader as read and
// notifies both participants.
func (s *Server) ReadMessageHandler(c *conn, payload json.RawMessage) (any, error) {
	req, err := core.DecodePayload[core.ReadRequest](core.EventReadMessage, payload)
	if err != nil {
		return nil, err
	}
	r, err := s.roomOf(req.SessionID, c.username)
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()
	for i := range r.messages {
		if r.messages[i].To == c.username && r.messages[i].Unread() {
			readAt := at
			r.messages[i].ReadAt = &readAt
		}
	}
	s.emitTo(core.EventReadMessage, core.ReadReceipt{SessionID: r.ID, ReadAt: &at}, r.User1ID, r.User2ID)
	return nil, nil
}

// HistoryHandler answers the requesting connection with a page of messages, newest first.
func (s *Server) HistoryHandler(c *conn, payload json.RawMessage) (any, error) {
	req, err := core.DecodePayload[core.HistoryRequest](core.EventHistoryMessages, payload)
	if err != nil {
		return nil, err
	}
	r, err := s.roomOf(req.SessionID, c.username)
	if err != nil {
		return nil, err
	}
	page := make([]core.Message, 0, req.Limit)
	for i := len(r.messages) - 1 - req.Offset; i >= 0 && len(page) < req.Limit; i-- {
		page = append(page, r.messages[i])
	}
	s.sendTo(c, core.EventHistoryMessages, page)
	return nil, nil
}
