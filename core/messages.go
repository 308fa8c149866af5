package core

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrContentTooLong is wrapped by the error returned when a message exceeds the content limit.
var ErrContentTooLong = errors.New("content too long")

// Emitter sends fire-and-forget events to the remote.
type Emitter interface {
	Emit(event string, payload any)
}

// ActiveSession exposes the id of the room the user is looking at.
type ActiveSession interface {
	CurrentSessionID() (int64, bool)
}

type messageInput struct {
	SessionID int64  `json:"session_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// MessageEngine reconciles optimistic local writes with the messages confirmed by the remote.
// It keeps an ordered message list per session, the last message of each session and
// the unread count of each session.
//
// MessageEngine is not safe for concurrent use. Every call must come from the same goroutine.
type MessageEngine struct {
	emitter  Emitter
	sessions ActiveSession
	logger   *slog.Logger

	now          func() time.Time
	newClientID  func() string
	historyLimit int
	maxContent   int

	lists   map[int64][]*Message
	last    map[int64]*Message
	unread  map[int64]int
	loading bool

	onScroll  func(sessionID int64)
	onMessage func(Message)
}

type EngineOption func(*MessageEngine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *MessageEngine) {
		e.now = now
	}
}

// WithHistoryLimit sets the page size used by LoadMessages when none is given.
func WithHistoryLimit(n int) EngineOption {
	return func(e *MessageEngine) {
		e.historyLimit = n
	}
}

// WithMaxContent limits the number of characters of an outgoing message. Zero disables the limit.
func WithMaxContent(n int) EngineOption {
	return func(e *MessageEngine) {
		e.maxContent = n
	}
}

func NewMessageEngine(emitter Emitter, sessions ActiveSession, logger *slog.Logger, opts ...EngineOption) *MessageEngine {
	e := &MessageEngine{
		emitter:      emitter,
		sessions:     sessions,
		logger:       logger,
		now:          time.Now,
		newClientID:  uuid.NewString,
		historyLimit: 50,
		lists:        make(map[int64][]*Message),
		last:         make(map[int64]*Message),
		unread:       make(map[int64]int),
		onScroll:     func(int64) {},
		onMessage:    func(Message) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnScroll registers the side effect run after a message is appended.
func (e *MessageEngine) OnScroll(f func(sessionID int64)) {
	e.onScroll = f
}

// OnMessage registers a callback run for every message received from the remote.
func (e *MessageEngine) OnMessage(f func(Message)) {
	e.onMessage = f
}

func (e *MessageEngine) active() (int64, bool) {
	if e.sessions == nil {
		return 0, false
	}
	return e.sessions.CurrentSessionID()
}

// Send appends an optimistic copy of msg to its session and emits it.
// The session defaults to the active one.
func (e *MessageEngine) Send(msg Message) (Message, error) {
	if msg.SessionID == 0 {
		id, ok := e.active()
		if !ok {
			ipe := &InvalidPayloadError{Op: EventChat, Payload: msg, Err: ErrNoActiveSession}
			e.logger.Warn(ipe.Error())
			return Message{}, ipe
		}
		msg.SessionID = id
	}
	in := messageInput{SessionID: msg.SessionID, Content: strings.TrimSpace(msg.Content)}
	if err := validate.Struct(in); err != nil {
		ipe := NewInvalidPayloadError(EventChat, msg, err)
		e.logger.Warn(ipe.Error())
		return Message{}, ipe
	}
	// the remote stores trimmed content; the echo must match the optimistic entry
	msg.Content = in.Content
	if e.maxContent > 0 && utf8.RuneCountInString(msg.Content) > e.maxContent {
		ipe := &InvalidPayloadError{
			Op:      EventChat,
			Payload: msg,
			Reason:  fmt.Sprintf("content must be at most %d characters", e.maxContent),
			Err:     ErrContentTooLong,
		}
		e.logger.Warn(ipe.Error())
		return Message{}, ipe
	}

	local := msg
	local.ID = 0
	local.ClientID = TempIDPrefix + e.newClientID()
	local.ReadAt = nil
	local.CreatedAt = e.now()
	local.Sending = true

	m := local
	e.lists[m.SessionID] = append(e.lists[m.SessionID], &m)
	e.last[m.SessionID] = &m

	e.emitter.Emit(EventChat, local)
	e.onScroll(local.SessionID)
	return local, nil
}

// Receive merges a message confirmed by the remote.
// A message whose id is already known replaces the existing entry. Otherwise it
// replaces the pending optimistic entry it confirms, if any, and is appended.
func (e *MessageEngine) Receive(msg Message) {
	if err := validate.Struct(msg); err != nil {
		e.logger.Warn(NewInvalidPayloadError(EventChat, msg, err).Error())
		return
	}
	msg.Sending = false
	sid := msg.SessionID
	list := e.lists[sid]

	if msg.ID != 0 {
		if i := indexByID(list, msg.ID); i >= 0 {
			e.logger.Debug("redelivered message", slog.Int64("id", msg.ID))
			list[i] = &msg
			e.syncTail(sid)
			return
		}
	}

	if i := pendingIndex(list, msg); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	list = append(list, &msg)
	e.lists[sid] = list
	e.last[sid] = &msg

	if active, ok := e.active(); !ok || active != sid {
		e.unread[sid]++
	}

	e.onMessage(msg)
	e.onScroll(sid)
}

// pendingIndex finds the optimistic entry confirmed by msg. An echoed client id must
// match exactly; without one the first pending entry with the same content is used.
func pendingIndex(list []*Message, msg Message) int {
	if msg.ClientID != "" {
		return slices.IndexFunc(list, func(m *Message) bool {
			return m.Sending && m.ClientID == msg.ClientID
		})
	}
	return slices.IndexFunc(list, func(m *Message) bool {
		return m.Sending && m.Content == msg.Content
	})
}

func indexByID(list []*Message, id int64) int {
	return slices.IndexFunc(list, func(m *Message) bool {
		return m.ID == id
	})
}

// UpdateMessageID assigns id to the oldest pending message of the active session.
func (e *MessageEngine) UpdateMessageID(id int64) {
	sid, ok := e.active()
	if !ok {
		e.logger.Debug("message confirmation without active session", slog.Int64("id", id))
		return
	}
	list := e.lists[sid]
	i := slices.IndexFunc(list, func(m *Message) bool {
		return m.Sending && m.ID == 0
	})
	if i < 0 {
		e.logger.Debug("message confirmation without pending message", slog.Int64("id", id))
		return
	}
	list[i].ID = id
	list[i].Sending = false
}

// Update replaces the message with the same id.
func (e *MessageEngine) Update(msg Message) {
	if msg.ID == 0 {
		e.logger.Warn("update without message id")
		return
	}
	msg.Sending = false

	sid, i := e.find(msg.ID, msg.SessionID)
	if i >= 0 {
		if msg.SessionID == 0 {
			msg.SessionID = sid
		}
		e.lists[sid][i] = &msg
		e.syncTail(sid)
		return
	}

	for s, last := range e.last {
		if last.ID == msg.ID {
			m := msg
			if m.SessionID == 0 {
				m.SessionID = s
			}
			e.last[s] = &m
		}
	}
}

// Delete removes the message with the given id. sessionID is a hint and may be zero.
func (e *MessageEngine) Delete(id, sessionID int64) {
	sid, i := e.find(id, sessionID)
	if i < 0 {
		for s, last := range e.last {
			if last.ID == id {
				delete(e.last, s)
			}
		}
		return
	}

	list := slices.Delete(e.lists[sid], i, i+1)
	if len(list) == 0 {
		delete(e.lists, sid)
		delete(e.last, sid)
		return
	}
	e.lists[sid] = list
	e.last[sid] = list[len(list)-1]
}

// MarkRead stamps every unread message of the active session with the receipt's read time.
// Receipts for other sessions are ignored.
func (e *MessageEngine) MarkRead(r ReadReceipt) {
	sid, ok := e.active()
	if !ok || sid != r.SessionID {
		return
	}
	at := e.now()
	if r.ReadAt != nil {
		at = *r.ReadAt
	}
	for _, m := range e.lists[sid] {
		if m.Unread() {
			readAt := at
			m.ReadAt = &readAt
		}
	}
}

// LoadHistory prepends a page of older messages received newest first.
// Messages without a session belong to the active session. Pages are not deduplicated.
func (e *MessageEngine) LoadHistory(older []Message) {
	e.loading = false
	active, hasActive := e.active()

	pages := make(map[int64][]*Message)
	var order []int64
	for i := len(older) - 1; i >= 0; i-- {
		m := older[i]
		if m.SessionID == 0 {
			if !hasActive {
				e.logger.Warn("history message without session", slog.Int64("id", m.ID))
				continue
			}
			m.SessionID = active
		}
		m.Sending = false
		if _, ok := pages[m.SessionID]; !ok {
			order = append(order, m.SessionID)
		}
		pages[m.SessionID] = append(pages[m.SessionID], &m)
	}

	for _, sid := range order {
		page := pages[sid]
		current := e.lists[sid]
		e.lists[sid] = append(page, current...)
		if len(current) == 0 {
			e.last[sid] = page[len(page)-1]
		}
	}
}

// LoadMessages asks the remote for a page of older messages. A non-positive limit uses the default.
func (e *MessageEngine) LoadMessages(sessionID int64, offset, limit int) error {
	if limit <= 0 {
		limit = e.historyLimit
	}
	req := HistoryRequest{SessionID: sessionID, Offset: offset, Limit: limit}
	if err := validate.Struct(req); err != nil {
		ipe := NewInvalidPayloadError(EventHistoryMessages, req, err)
		e.logger.Warn(ipe.Error())
		return ipe
	}
	e.loading = true
	e.emitter.Emit(EventHistoryMessages, req)
	return nil
}

// MarkAsRead tells the remote that username read the session and clears its unread count.
func (e *MessageEngine) MarkAsRead(sessionID int64, username string) error {
	req := ReadRequest{SessionID: sessionID, Username: username}
	if err := validate.Struct(req); err != nil {
		ipe := NewInvalidPayloadError(EventReadMessage, req, err)
		e.logger.Warn(ipe.Error())
		return ipe
	}
	e.emitter.Emit(EventReadMessage, req)
	delete(e.unread, sessionID)
	return nil
}

// EditMessage asks the remote to replace the content of a message.
// The local copy changes when the remote echoes the update.
func (e *MessageEngine) EditMessage(id int64, text string) error {
	req := EditRequest{MessageID: id, NewText: strings.TrimSpace(text)}
	if err := validate.Struct(req); err != nil {
		ipe := NewInvalidPayloadError(EventUpdateMessage, req, err)
		e.logger.Warn(ipe.Error())
		return ipe
	}
	e.emitter.Emit(EventUpdateMessage, req)
	return nil
}

// DestroyMessage asks the remote to delete a message.
// The local copy is removed when the remote echoes the deletion.
func (e *MessageEngine) DestroyMessage(req DestroyRequest) error {
	if err := validate.Struct(req); err != nil {
		ipe := NewInvalidPayloadError(EventDestroyMessage, req, err)
		e.logger.Warn(ipe.Error())
		return ipe
	}
	e.emitter.Emit(EventDestroyMessage, req)
	return nil
}

// SendTyping tells the other participant of the session that username is typing.
func (e *MessageEngine) SendTyping(sessionID int64, username string) error {
	return e.emitTyping(EventTyping, sessionID, username)
}

// StopTyping tells the other participant of the session that username stopped typing.
func (e *MessageEngine) StopTyping(sessionID int64, username string) error {
	return e.emitTyping(EventStopTyping, sessionID, username)
}

func (e *MessageEngine) emitTyping(event string, sessionID int64, username string) error {
	p := TypingPayload{SessionID: sessionID, Username: username}
	if err := validate.Struct(p); err != nil {
		ipe := NewInvalidPayloadError(event, p, err)
		e.logger.Warn(ipe.Error())
		return ipe
	}
	e.emitter.Emit(event, p)
	return nil
}

func (e *MessageEngine) IncrementUnread(sessionID int64) {
	e.unread[sessionID]++
}

func (e *MessageEngine) ClearUnread(sessionID int64) {
	delete(e.unread, sessionID)
}

// IndexLastMessages seeds the last message of sessions that have no loaded messages.
func (e *MessageEngine) IndexLastMessages(rooms []RoomSummary) {
	for _, r := range rooms {
		if r.LastMessage == nil || len(e.lists[r.ID]) > 0 {
			continue
		}
		m := *r.LastMessage
		m.Sending = false
		if m.SessionID == 0 {
			m.SessionID = r.ID
		}
		e.last[r.ID] = &m
	}
}

// IndexUnread replaces the unread counts of the given rooms.
func (e *MessageEngine) IndexUnread(rooms []RoomSummary) {
	for _, r := range rooms {
		if r.Unread > 0 {
			e.unread[r.ID] = r.Unread
		} else {
			delete(e.unread, r.ID)
		}
	}
}

// EnterSession starts a fresh message list for the session and clears its unread count.
// The list is refilled from history.
func (e *MessageEngine) EnterSession(sessionID int64) {
	delete(e.lists, sessionID)
	delete(e.unread, sessionID)
}

// ClearSession drops the message list of the session. Its last message is kept.
func (e *MessageEngine) ClearSession(sessionID int64) {
	delete(e.lists, sessionID)
	e.loading = false
}

// Reset drops every message, index entry and unread count.
func (e *MessageEngine) Reset() {
	e.lists = make(map[int64][]*Message)
	e.last = make(map[int64]*Message)
	e.unread = make(map[int64]int)
	e.loading = false
}

// Messages returns a copy of the message list of the session.
func (e *MessageEngine) Messages(sessionID int64) []Message {
	list := e.lists[sessionID]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

// VisibleMessages returns the message list of the active session.
func (e *MessageEngine) VisibleMessages() []Message {
	sid, ok := e.active()
	if !ok {
		return []Message{}
	}
	return e.Messages(sid)
}

func (e *MessageEngine) LastMessage(sessionID int64) (Message, bool) {
	m, ok := e.last[sessionID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

func (e *MessageEngine) Unread(sessionID int64) int {
	return e.unread[sessionID]
}

func (e *MessageEngine) HasUnread(sessionID int64) bool {
	return e.unread[sessionID] > 0
}

func (e *MessageEngine) TotalUnread() int {
	total := 0
	for _, n := range e.unread {
		total += n
	}
	return total
}

// Loading reports whether a history request is outstanding.
func (e *MessageEngine) Loading() bool {
	return e.loading
}

// find looks up a message by id, starting with the hinted session.
func (e *MessageEngine) find(id, hint int64) (int64, int) {
	if hint != 0 {
		if i := indexByID(e.lists[hint], id); i >= 0 {
			return hint, i
		}
	}
	for sid, list := range e.lists {
		if sid == hint {
			continue
		}
		if i := indexByID(list, id); i >= 0 {
			return sid, i
		}
	}
	return 0, -1
}

func (e *MessageEngine) syncTail(sessionID int64) {
	list := e.lists[sessionID]
	if len(list) == 0 {
		delete(e.last, sessionID)
		return
	}
	e.last[sessionID] = list[len(list)-1]
}
