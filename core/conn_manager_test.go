package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/putto11262002/chatsync/pkg/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTransport is an in-memory Transport. Lifecycle events are fired by the test.
type MockTransport struct {
	mu         sync.Mutex
	handlers   map[string]map[uint64]socket.Handler
	nextID     uint64
	connected  bool
	id         string
	connectErr error
	emitted    []emitted
	ackRes     json.RawMessage
	closed     bool
}

func NewMockTransport(id string) *MockTransport {
	return &MockTransport{id: id, handlers: make(map[string]map[uint64]socket.Handler)}
}

func (t *MockTransport) Connect(context.Context) error {
	if t.connectErr != nil {
		t.fire(socket.EventError, t.connectErr.Error())
		return t.connectErr
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.fire(socket.EventConnected, t.id)
	return nil
}

func (t *MockTransport) Disconnect() {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.closed = true
	t.mu.Unlock()
	if was {
		t.fire(socket.EventDisconnected, socket.ReasonClientDisconnect)
	}
	t.mu.Lock()
	t.handlers = make(map[string]map[uint64]socket.Handler)
	t.mu.Unlock()
}

func (t *MockTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MockTransport) ID() string {
	if !t.Connected() {
		return ""
	}
	return t.id
}

func (t *MockTransport) Emit(event string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted = append(t.emitted, emitted{event: event, payload: payload})
}

func (t *MockTransport) EmitWithAck(_ context.Context, event string, payload any) (json.RawMessage, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}
	t.Emit(event, payload)
	return t.ackRes, nil
}

func (t *MockTransport) On(event string, h socket.Handler) socket.Subscription {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[uint64]socket.Handler)
	}
	t.handlers[event][id] = h
	connected := t.connected
	t.mu.Unlock()
	if event == socket.EventConnected && connected {
		h(mustJSON(t.id))
	}
	return socket.Subscription{Event: event}
}

// Off is a no-op; the tests that need it use handler counts instead.
func (t *MockTransport) Off(socket.Subscription) {}

func (t *MockTransport) fire(event string, payload any) {
	t.mu.Lock()
	hs := make([]socket.Handler, 0, len(t.handlers[event]))
	for _, h := range t.handlers[event] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(mustJSON(payload))
	}
}

// drop simulates the connection dropping and the socket re-dialing.
func (t *MockTransport) drop() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.fire(socket.EventDisconnected, socket.ReasonTransportError)
}

func (t *MockTransport) reconnect(attempt int) {
	t.fire(socket.EventReconnecting, attempt)
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.fire(socket.EventConnected, t.id)
	t.fire(socket.EventReconnected, attempt)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

type managerFixture struct {
	m          *ConnManager
	transports []*MockTransport
	states     []ConnState
	mu         sync.Mutex
}

func newManagerFixture(t *testing.T) *managerFixture {
	f := &managerFixture{}
	f.m = NewConnManager("ws://unused", nil, testLogger(), WithTransportFactory(func(u User) Transport {
		tr := NewMockTransport(fmt.Sprintf("conn-%d", len(f.transports)+1))
		f.transports = append(f.transports, tr)
		return tr
	}))
	f.m.OnStateChange(func(s ConnState) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.states = append(f.states, s)
	})
	return f
}

func (f *managerFixture) current() *MockTransport {
	return f.transports[len(f.transports)-1]
}

func TestConnManagerConnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	assert.Equal(t, Disconnected, f.m.State())
	assert.Equal(t, "", f.m.ID())

	require.NoError(t, f.m.Connect(ctx, User{Username: "alice", Token: "tok"}))
	assert.Equal(t, Connected, f.m.State())
	assert.Equal(t, "conn-1", f.m.ID())
	assert.Equal(t, []ConnState{Connecting, Connected}, f.states)

	user, ok := f.m.User()
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)

	// connecting again is a no-op
	require.NoError(t, f.m.Connect(ctx, User{Username: "bob"}))
	assert.Len(t, f.transports, 1)
	user, _ = f.m.User()
	assert.Equal(t, "alice", user.Username)
}

func TestConnManagerReconnect(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.m.Connect(context.Background(), User{Username: "alice"}))

	tr := f.current()
	tr.drop()
	assert.Equal(t, Disconnected, f.m.State())

	// a drop does not open a second transport
	require.NoError(t, f.m.Connect(context.Background(), User{Username: "alice"}))
	assert.Len(t, f.transports, 1)

	tr.reconnect(2)
	assert.Equal(t, Connected, f.m.State())
	assert.Equal(t, []ConnState{Connecting, Connected, Disconnected, Reconnecting, Connected}, f.states)
}

func TestConnManagerReconnectExhausted(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.m.Connect(context.Background(), User{Username: "alice"}))

	tr := f.current()
	tr.drop()
	tr.fire(socket.EventReconnecting, 1)
	tr.fire(socket.EventError, fmt.Errorf("%w: dial refused", ErrReconnectExhausted).Error())

	assert.Equal(t, Disconnected, f.m.State())
	assert.ErrorIs(t, f.m.LastError(), ErrReconnectExhausted)

	_, err := f.m.EmitWithAck(context.Background(), EventSyncSession, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// a new connect starts over with a fresh transport
	require.NoError(t, f.m.Connect(context.Background(), User{Username: "alice"}))
	assert.Len(t, f.transports, 2)
	assert.NoError(t, f.m.LastError())
}

func TestConnManagerConnectFailure(t *testing.T) {
	f := &managerFixture{}
	f.m = NewConnManager("ws://unused", nil, testLogger(), WithTransportFactory(func(u User) Transport {
		tr := NewMockTransport("x")
		tr.connectErr = ErrReconnectExhausted
		f.transports = append(f.transports, tr)
		return tr
	}))

	err := f.m.Connect(context.Background(), User{Username: "alice"})
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, Disconnected, f.m.State())
	assert.ErrorIs(t, f.m.LastError(), ErrReconnectExhausted)
	assert.True(t, f.current().closed)
}

func TestConnManagerHandlersSurviveTransports(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	var chats []string
	var mu sync.Mutex
	f.m.On(EventChat, func(raw json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		chats = append(chats, decodeString(raw))
	})
	connected := 0
	f.m.On(socket.EventConnected, func(json.RawMessage) { connected++ })

	require.NoError(t, f.m.Connect(ctx, User{Username: "alice"}))
	f.current().fire(EventChat, "one")
	assert.Equal(t, 1, connected)

	f.m.Disconnect()
	assert.Equal(t, Disconnected, f.m.State())
	assert.True(t, f.transports[0].closed)

	require.NoError(t, f.m.Connect(ctx, User{Username: "alice"}))
	f.current().fire(EventChat, "two")
	assert.Equal(t, []string{"one", "two"}, chats)
	assert.Equal(t, 2, connected)

	t.Run("late connected subscriber", func(t *testing.T) {
		called := false
		f.m.On(socket.EventConnected, func(json.RawMessage) { called = true })
		assert.True(t, called)
	})

	t.Run("off", func(t *testing.T) {
		id := f.m.On(EventTyping, func(json.RawMessage) {})
		f.m.Off(id)
		f.m.mu.RLock()
		_, ok := f.m.handlers[id]
		f.m.mu.RUnlock()
		assert.False(t, ok)
	})
}

func TestConnManagerEmit(t *testing.T) {
	f := newManagerFixture(t)

	// dropped without a transport
	f.m.Emit(EventChat, "x")
	_, err := f.m.EmitWithAck(context.Background(), EventSyncSession, nil)
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, f.m.Connect(context.Background(), User{Username: "alice"}))
	f.current().ackRes = json.RawMessage(`{"id":1}`)

	f.m.Emit(EventChat, "y")
	res, err := f.m.EmitWithAck(context.Background(), EventSyncSession, "z")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(res))
	assert.Equal(t, []emitted{{event: EventChat, payload: "y"}, {event: EventSyncSession, payload: "z"}}, f.current().emitted)
}

func TestAuthHeader(t *testing.T) {
	h := AuthHeader("secret-token")
	req := &http.Request{Header: h}
	cookie, err := req.Cookie(AuthCookieName)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cookie.Value)

	assert.Empty(t, AuthHeader(""))
}
