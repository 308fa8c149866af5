// Package peer is an in-memory remote that speaks the chat wire protocol.
// It backs the development server and the end-to-end tests.
package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/socket"
)

type ServerState int

const (
	StateClosed ServerState = iota
	StateRunning
)

// handler answers a packet. The returned value is sent back when the packet asked for an ack.
type handler func(c *conn, payload json.RawMessage) (any, error)

type inPacket struct {
	*socket.Packet
	sender *conn
}

type room struct {
	core.Room
	messages []core.Message
}

func (r *room) has(username string) bool {
	return r.User1ID == username || r.User2ID == username
}

func (r *room) other(username string) string {
	if r.User1ID == username {
		return r.User2ID
	}
	return r.User1ID
}

// Server holds rooms, messages and connections in memory. A single goroutine owns
// all of it; connections hand packets to it over channels.
type Server struct {
	secret   []byte
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
	// confirm answers the sender of a chat message with message-confirmed instead of an echo.
	confirm bool

	conns    map[string]*conn
	users    map[string][]*conn
	rooms    map[int64]*room
	handlers map[string]handler

	nextRoomID    int64
	nextMessageID int64

	connectChan    chan *conn
	disconnectChan chan *conn
	in             chan *inPacket
	ops            chan func()
	exit           chan struct{}
	closeOnce      sync.Once

	state ServerState
	mu    sync.RWMutex
	wg    sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithConfirmations makes the server confirm a sender's message with message-confirmed
// carrying the assigned id, rather than echoing the message back.
func WithConfirmations() Option {
	return func(s *Server) {
		s.confirm = true
	}
}

// WithUpgrader replaces the websocket upgrader.
func WithUpgrader(upgrader *websocket.Upgrader) Option {
	return func(s *Server) {
		s.upgrader = *upgrader
	}
}

// New creates a server that accepts tokens signed with secret.
func New(secret []byte, opts ...Option) *Server {
	s := &Server{
		secret: secret,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
		now:            time.Now,
		conns:          make(map[string]*conn),
		users:          make(map[string][]*conn),
		rooms:          make(map[int64]*room),
		nextRoomID:     1,
		nextMessageID:  1,
		connectChan:    make(chan *conn),
		disconnectChan: make(chan *conn),
		in:             make(chan *inPacket),
		ops:            make(chan func()),
		exit:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerHandlers()
	return s
}

func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer func() {
			s.wg.Done()
			s.logger.Info("peer stopped")
		}()
		s.start()
	}()
	s.logger.Info("peer started")
}

func (s *Server) start() {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	defer func() {
		for _, c := range s.conns {
			close(c.send)
		}
		s.conns = make(map[string]*conn)
		s.users = make(map[string][]*conn)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	}()
	for {
		select {
		case <-s.exit:
			return
		case c := <-s.connectChan:
			s.handleConnect(c)
		case c := <-s.disconnectChan:
			s.handleDisconnect(c)
		case p := <-s.in:
			s.dispatch(p)
		case f := <-s.ops:
			f()
		}
	}
}

// Close stops the server loop, closes every connection and waits for the
// connection goroutines until timeout.
func (s *Server) Close(timeout time.Duration) {
	s.closeOnce.Do(func() {
		close(s.exit)
	})
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-timer.C:
		s.logger.Info("peer closed with timeout")
	case <-done:
		s.logger.Info("peer closed gracefully")
	}
}

func (s *Server) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ServeWS upgrades the request of an authenticated user. The connection id is
// returned in the X-Socket-Id response header.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	username := UsernameFromRequest(r)
	id := uuid.NewString()
	header := http.Header{}
	header.Set(socket.IDHeader, id)
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("upgrade: %v", err))
		return
	}
	c := &conn{
		ws:       ws,
		id:       id,
		username: username,
		send:     make(chan *socket.Packet, sendBufferSize),
		server:   s,
		logger:   s.logger.With(slog.String("conn.id", id), slog.String("username", username)),
		rooms:    make(map[int64]struct{}),
	}
	select {
	case s.connectChan <- c:
	case <-s.exit:
		ws.Close()
	}
}

// do runs f on the server loop and waits for it.
func (s *Server) do(f func()) bool {
	done := make(chan struct{})
	select {
	case s.ops <- func() {
		defer close(done)
		f()
	}:
	case <-s.exit:
		return false
	}
	select {
	case <-done:
		return true
	case <-s.exit:
		return false
	}
}

func (s *Server) pass(p *inPacket) bool {
	select {
	case s.in <- p:
		return true
	case <-s.exit:
		return false
	}
}

func (s *Server) disconnect(c *conn) {
	select {
	case s.disconnectChan <- c:
	case <-s.exit:
	}
}

func (s *Server) startConn(c *conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.readLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
}

func (s *Server) handleConnect(c *conn) {
	s.startConn(c)
	first := len(s.users[c.username]) == 0
	s.conns[c.id] = c
	s.users[c.username] = append(s.users[c.username], c)
	s.logger.Info("new connection", slog.String("id", c.id), slog.String("username", c.username))

	online := make([]core.PresencePayload, 0, len(s.users))
	for _, u := range s.onlineUsers() {
		if u != c.username {
			online = append(online, core.PresencePayload{Username: u})
		}
	}
	s.sendTo(c, core.EventUsersConnected, online)
	if first {
		s.emitExcept(c.username, core.EventOnline, core.PresencePayload{Username: c.username})
	}
}

func (s *Server) handleDisconnect(c *conn) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	conns := slices.DeleteFunc(s.users[c.username], func(o *conn) bool { return o == c })
	if len(conns) == 0 {
		delete(s.users, c.username)
	} else {
		s.users[c.username] = conns
	}
	close(c.send)
	s.logger.Info("connection closed", slog.String("id", c.id), slog.String("username", c.username))

	if len(conns) == 0 {
		s.emitExcept(c.username, core.EventOffline, core.PresencePayload{Username: c.username})
	}
}

func (s *Server) dispatch(p *inPacket) {
	c := p.sender
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	h, ok := s.handlers[p.Type]
	if !ok {
		s.logger.Error(fmt.Sprintf("handler for %s not found", p.Type))
		s.ack(c, p.AckID, nil, fmt.Errorf("unknown event %q", p.Type))
		return
	}
	res, err := func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return h(c, p.Payload)
	}()
	if err != nil {
		s.logger.Warn(fmt.Sprintf("handler(%s): %v", p.Type, err), slog.String("username", c.username))
	}
	s.ack(c, p.AckID, res, err)
}

// ack answers a packet that asked for an acknowledgement. Errors are sent as {"error": message}.
func (s *Server) ack(c *conn, ackID int64, res any, err error) {
	if ackID == 0 {
		return
	}
	if err != nil {
		res = map[string]string{"error": err.Error()}
	}
	packet, perr := socket.NewPacket(socket.AckType, res)
	if perr != nil {
		s.logger.Error(fmt.Sprintf("NewPacket: %v", perr))
		return
	}
	packet.AckID = ackID
	s.sendOrDisconnect(c, packet)
}

// sendOrDisconnect queues a packet for c. A connection whose buffer is full is dropped.
func (s *Server) sendOrDisconnect(c *conn, p *socket.Packet) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	select {
	case c.send <- p:
	default:
		s.handleDisconnect(c)
	}
}

func (s *Server) sendTo(c *conn, event string, payload any) {
	packet, err := socket.NewPacket(event, payload)
	if err != nil {
		s.logger.Error(fmt.Sprintf("NewPacket: %v", err))
		return
	}
	s.sendOrDisconnect(c, packet)
}

// emitTo sends the event to every connection of the given users.
func (s *Server) emitTo(event string, payload any, usernames ...string) {
	packet, err := socket.NewPacket(event, payload)
	if err != nil {
		s.logger.Error(fmt.Sprintf("NewPacket: %v", err))
		return
	}
	for _, u := range usernames {
		for _, c := range slices.Clone(s.users[u]) {
			s.sendOrDisconnect(c, packet)
		}
	}
}

// emitExcept sends the event to every connected user but one.
func (s *Server) emitExcept(username, event string, payload any) {
	var usernames []string
	for _, u := range s.onlineUsers() {
		if u != username {
			usernames = append(usernames, u)
		}
	}
	s.emitTo(event, payload, usernames...)
}

func (s *Server) onlineUsers() []string {
	users := make([]string, 0, len(s.users))
	for u := range s.users {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

// Online returns the sorted usernames with at least one connection.
func (s *Server) Online() []string {
	var users []string
	s.do(func() {
		users = s.onlineUsers()
	})
	return users
}

// Messages returns the stored messages of a session, oldest first.
func (s *Server) Messages(sessionID int64) []core.Message {
	var msgs []core.Message
	s.do(func() {
		if r, ok := s.rooms[sessionID]; ok {
			msgs = slices.Clone(r.messages)
		}
	})
	return msgs
}

// Joined reports whether any connection of username has joined the session.
func (s *Server) Joined(username string, sessionID int64) bool {
	var joined bool
	s.do(func() {
		for _, c := range s.users[username] {
			if _, ok := c.rooms[sessionID]; ok {
				joined = true
			}
		}
	})
	return joined
}

// Rooms lists the rooms of username with their last message and the number
// of messages addressed to username that are still unread.
func (s *Server) Rooms(username string) []core.RoomSummary {
	var out []core.RoomSummary
	s.do(func() {
		ids := make([]int64, 0, len(s.rooms))
		for id, r := range s.rooms {
			if r.has(username) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			r := s.rooms[id]
			summary := core.RoomSummary{ID: id}
			if n := len(r.messages); n > 0 {
				last := r.messages[n-1]
				summary.LastMessage = &last
			}
			for _, m := range r.messages {
				if m.To == username && m.Unread() {
					summary.Unread++
				}
			}
			out = append(out, summary)
		}
	})
	return out
}

// CreateRoom creates the room between two users, or returns the existing one.
func (s *Server) CreateRoom(user1, user2 string) core.Room {
	var out core.Room
	s.do(func() {
		out = s.findOrCreateRoom(user1, user2, nil).Room
	})
	return out
}

func (s *Server) findOrCreateRoom(user1, user2 string, trip json.RawMessage) *room {
	for _, r := range s.rooms {
		if r.has(user1) && r.has(user2) && user1 != user2 {
			return r
		}
	}
	r := &room{Room: core.Room{
		ID:      s.nextRoomID,
		User1ID: user1,
		User2ID: user2,
		Status:  core.RoomStatusOpen,
		Trip:    trip,
	}}
	s.rooms[r.ID] = r
	s.nextRoomID++
	return r
}

// Kick drops every connection of username without a close handshake, as a network failure would.
func (s *Server) Kick(username string) {
	s.do(func() {
		for _, c := range s.users[username] {
			c.ws.Close()
		}
	})
}
