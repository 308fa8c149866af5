package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/putto11262002/chatsync/pkg/socket"
)

// AuthCookieName is the cookie carrying the user's token on the upgrade request.
const AuthCookieName = "auth_token"

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Transport is the duplex channel driven by the ConnManager. *socket.Socket implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	ID() string
	Emit(event string, payload any)
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
	On(event string, h socket.Handler) socket.Subscription
	Off(sub socket.Subscription)
}

// TransportFactory builds the transport for a user.
type TransportFactory func(user User) Transport

// HandlerID identifies a handler registered on the ConnManager.
type HandlerID uint64

type registration struct {
	event string
	h     socket.Handler
	sub   socket.Subscription
}

// ConnManager is the single entry point for connecting and disconnecting. It builds
// the transport for the connecting user, tracks the connection state from the
// transport's lifecycle events and keeps the event handlers of the application
// registered across transports.
//
// ConnManager is safe for concurrent use.
type ConnManager struct {
	mu           sync.RWMutex
	newTransport TransportFactory
	transport    Transport
	state        ConnState
	user         *User
	lastErr      error
	logger       *slog.Logger

	handlers      map[HandlerID]*registration
	nextHandlerID HandlerID
	onStateChange []func(ConnState)
}

type ManagerOption func(*ConnManager)

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f TransportFactory) ManagerOption {
	return func(m *ConnManager) {
		m.newTransport = f
	}
}

// NewConnManager creates a manager whose transports dial url with policy.
func NewConnManager(url string, policy *socket.ReconnectPolicy, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		logger:   logger,
		state:    Disconnected,
		handlers: make(map[HandlerID]*registration),
	}
	m.newTransport = func(u User) Transport {
		return socket.New(socket.Options{
			URL:    url,
			Header: AuthHeader(u.Token),
			Policy: policy,
			Logger: logger.With(slog.String("component", "socket")),
		})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthHeader returns the upgrade request header carrying token as the auth cookie.
func AuthHeader(token string) http.Header {
	header := http.Header{}
	if token != "" {
		header.Add("Cookie", (&http.Cookie{Name: AuthCookieName, Value: token}).String())
	}
	return header
}

// Connect opens a transport for user. It is a no-op while a transport is open,
// connecting or reconnecting.
func (m *ConnManager) Connect(ctx context.Context, user User) error {
	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return nil
	}
	t := m.newTransport(user)
	m.transport = t
	u := user
	m.user = &u
	m.lastErr = nil
	m.mu.Unlock()

	m.setState(Connecting)
	m.watch(t)
	m.install(t)

	if err := t.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.transport == t {
			m.transport = nil
			m.lastErr = err
		}
		m.mu.Unlock()
		t.Disconnect()
		m.setState(Disconnected)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the transport. Handlers registered with On are kept for the next Connect.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	m.setState(Disconnected)
}

// watch follows the lifecycle events of t while it is the current transport.
func (m *ConnManager) watch(t Transport) {
	t.On(socket.EventConnected, func(raw json.RawMessage) {
		if !m.isCurrent(t) {
			return
		}
		m.logger.Info("connected", slog.String("id", decodeString(raw)))
		m.setState(Connected)
	})
	t.On(socket.EventDisconnected, func(raw json.RawMessage) {
		m.logger.Info("disconnected", slog.String("reason", decodeString(raw)))
		if !m.isCurrent(t) {
			return
		}
		m.setState(Disconnected)
	})
	t.On(socket.EventReconnecting, func(raw json.RawMessage) {
		if !m.isCurrent(t) {
			return
		}
		m.logger.Info("reconnecting", slog.String("attempt", string(raw)))
		m.setState(Reconnecting)
	})
	t.On(socket.EventReconnected, func(raw json.RawMessage) {
		m.logger.Info("reconnected", slog.String("attempt", string(raw)))
	})
	t.On(socket.EventError, func(raw json.RawMessage) {
		msg := decodeString(raw)
		m.logger.Warn("transport error", slog.String("error", msg))
		if !strings.HasPrefix(msg, ErrReconnectExhausted.Error()) {
			return
		}
		m.mu.Lock()
		if m.transport != t {
			m.mu.Unlock()
			return
		}
		m.transport = nil
		m.lastErr = ErrReconnectExhausted
		m.mu.Unlock()
		m.setState(Disconnected)
	})
}

// install registers every application handler on t.
func (m *ConnManager) install(t Transport) {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.handlers))
	for _, r := range m.handlers {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	for _, r := range regs {
		sub := t.On(r.event, r.h)
		m.mu.Lock()
		r.sub = sub
		m.mu.Unlock()
	}
}

// On registers h for event on the current transport and every future one.
func (m *ConnManager) On(event string, h socket.Handler) HandlerID {
	m.mu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	r := &registration{event: event, h: h}
	m.handlers[id] = r
	t := m.transport
	m.mu.Unlock()

	if t != nil {
		sub := t.On(event, h)
		m.mu.Lock()
		r.sub = sub
		m.mu.Unlock()
	}
	return id
}

func (m *ConnManager) Off(id HandlerID) {
	m.mu.Lock()
	r, ok := m.handlers[id]
	delete(m.handlers, id)
	t := m.transport
	m.mu.Unlock()

	if ok && t != nil {
		t.Off(r.sub)
	}
}

// OnStateChange registers f to run after every state transition.
func (m *ConnManager) OnStateChange(f func(ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, f)
}

// Emit sends a fire-and-forget event. It is dropped with a warning when there is no transport.
func (m *ConnManager) Emit(event string, payload any) {
	t := m.current()
	if t == nil {
		m.logger.Warn(fmt.Sprintf("emit %s: %v", event, ErrNotConnected))
		return
	}
	t.Emit(event, payload)
}

func (m *ConnManager) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	t := m.current()
	if t == nil {
		return nil, ErrNotConnected
	}
	return t.EmitWithAck(ctx, event, payload)
}

func (m *ConnManager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ID returns the transport-assigned connection id, or "" when not connected.
func (m *ConnManager) ID() string {
	t := m.current()
	if t == nil {
		return ""
	}
	return t.ID()
}

// User returns the identity of the last Connect.
func (m *ConnManager) User() (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return User{}, false
	}
	return *m.user, true
}

// LastError returns the error that ended the last connection, if any.
func (m *ConnManager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *ConnManager) current() Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

func (m *ConnManager) isCurrent(t Transport) bool {
	return m.current() == t
}

func (m *ConnManager) setState(s ConnState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	hooks := append([]func(ConnState){}, m.onStateChange...)
	m.mu.Unlock()

	m.logger.Debug("connection state", slog.String("from", prev.String()), slog.String("to", s.String()))
	for _, f := range hooks {
		f(s)
	}
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}
