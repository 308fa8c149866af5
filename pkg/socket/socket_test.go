package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTimeout = time.Second * 5

type testConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *testConn) write(p *Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return EncodePacket(c.conn.NextWriter, p)
}

// testServer answers "echo" packets with the same payload and acks "ok" and "fail" packets.
type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	conns    []*testConn
	received chan *Packet
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{received: make(chan *Packet, 100)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := http.Header{}
		h.Set(IDHeader, uuid.NewString())
		conn, err := upgrader.Upgrade(w, r, h)
		if err != nil {
			return
		}
		c := &testConn{conn: conn}
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.mu.Unlock()
		go ts.serve(c)
	}))
	t.Cleanup(func() {
		ts.dropAll()
		ts.Close()
	})
	return ts
}

func (ts *testServer) serve(c *testConn) {
	defer c.conn.Close()
	for {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			return
		}
		p, err := DecodePacket(mt, r)
		if err != nil {
			continue
		}
		select {
		case ts.received <- p:
		default:
		}
		switch p.Type {
		case "echo":
			c.write(&Packet{Type: "echo", Payload: p.Payload})
		case "ok":
			c.write(&Packet{Type: AckType, AckID: p.AckID, Payload: json.RawMessage(`{"ok":true}`)})
		case "fail":
			c.write(&Packet{Type: AckType, AckID: p.AckID, Payload: json.RawMessage(`{"error":"boom"}`)})
		}
	}
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.conn.Close()
	}
	ts.conns = nil
}

func (ts *testServer) wsURL() string {
	return strings.Replace(ts.URL, "http://", "ws://", 1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func fastPolicy(attempts int) *ReconnectPolicy {
	return &ReconnectPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     50 * time.Millisecond,
	}
}

func newTestSocket(url string, policy *ReconnectPolicy) *Socket {
	return New(Options{URL: url, Policy: policy, Logger: testLogger()})
}

// recorder collects the payloads received for each event.
type recorder struct {
	mu     sync.Mutex
	events map[string][]json.RawMessage
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]json.RawMessage)}
}

func (r *recorder) handler(event string) Handler {
	return func(payload json.RawMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events[event] = append(r.events[event], payload)
	}
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

func TestSocketConnect(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSocket(ts.wsURL(), nil)
	defer s.Disconnect()

	rec := newRecorder()
	s.On(EventConnected, rec.handler(EventConnected))

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, rec.count(EventConnected))

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		id := s.ID()
		require.NoError(t, s.Connect(context.Background()))
		assert.Equal(t, id, s.ID())
		assert.Equal(t, 1, rec.count(EventConnected))
	})

	t.Run("late connected subscriber is invoked immediately", func(t *testing.T) {
		var got string
		s.On(EventConnected, func(payload json.RawMessage) {
			require.NoError(t, json.Unmarshal(payload, &got))
		})
		assert.Equal(t, s.ID(), got)
	})
}

func TestSocketEmit(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSocket(ts.wsURL(), nil)
	defer s.Disconnect()

	echoed := make(chan json.RawMessage, 1)
	s.On("echo", func(payload json.RawMessage) {
		echoed <- payload
	})
	require.NoError(t, s.Connect(context.Background()))

	s.Emit("echo", map[string]int{"n": 42})

	select {
	case payload := <-echoed:
		assert.JSONEq(t, `{"n":42}`, string(payload))
	case <-time.After(baseTimeout):
		require.Fail(t, "timeout waiting for echo")
	}
}

func TestSocketEmitWithAck(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSocket(ts.wsURL(), nil)
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	t.Run("not connected", func(t *testing.T) {
		_, err := s.EmitWithAck(ctx, "ok", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	require.NoError(t, s.Connect(ctx))

	t.Run("ack payload is returned", func(t *testing.T) {
		res, err := s.EmitWithAck(ctx, "ok", map[string]string{"x": "y"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(res))
	})

	t.Run("ack error is a remote error", func(t *testing.T) {
		_, err := s.EmitWithAck(ctx, "fail", nil)
		var remoteErr *RemoteError
		require.True(t, errors.As(err, &remoteErr))
		assert.Equal(t, "fail", remoteErr.Event)
		assert.JSONEq(t, `"boom"`, string(remoteErr.Value))
	})

	t.Run("unanswered ack is bounded by the context", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := s.EmitWithAck(short, "ignored", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, s.acks.Len())
	})
}

func TestSocketReconnect(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSocket(ts.wsURL(), fastPolicy(5))
	defer s.Disconnect()

	rec := newRecorder()
	for _, e := range []string{EventConnected, EventDisconnected, EventReconnecting, EventReconnected} {
		s.On(e, rec.handler(e))
	}
	require.NoError(t, s.Connect(context.Background()))
	first := s.ID()

	ts.dropAll()

	require.Eventually(t, func() bool {
		return rec.count(EventReconnected) == 1
	}, baseTimeout, baseTimeout/100, "timeout waiting for reconnect")

	assert.True(t, s.Connected())
	assert.NotEqual(t, first, s.ID())
	assert.Equal(t, 2, rec.count(EventConnected))
	assert.Equal(t, 1, rec.count(EventDisconnected))
	assert.GreaterOrEqual(t, rec.count(EventReconnecting), 1)

	rec.mu.Lock()
	var reason string
	require.NoError(t, json.Unmarshal(rec.events[EventDisconnected][0], &reason))
	rec.mu.Unlock()
	assert.NotEqual(t, ReasonClientDisconnect, reason)
}

func TestSocketReconnectExhausted(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSocket(ts.wsURL(), fastPolicy(2))
	defer s.Disconnect()

	errs := make(chan string, 10)
	s.On(EventError, func(payload json.RawMessage) {
		var msg string
		json.Unmarshal(payload, &msg)
		errs <- msg
	})
	require.NoError(t, s.Connect(context.Background()))

	ts.dropAll()
	ts.Close()

	deadline := time.After(baseTimeout)
	for {
		select {
		case msg := <-errs:
			if strings.Contains(msg, ErrReconnectExhausted.Error()) {
				assert.False(t, s.Connected())
				_, err := s.EmitWithAck(context.Background(), "ok", nil)
				assert.ErrorIs(t, err, ErrNotConnected)
				return
			}
		case <-deadline:
			require.Fail(t, "timeout waiting for exhaustion")
		}
	}
}

func TestSocketDisconnect(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSocket(ts.wsURL(), fastPolicy(5))

	reasons := make(chan string, 1)
	s.On(EventDisconnected, func(payload json.RawMessage) {
		var reason string
		json.Unmarshal(payload, &reason)
		reasons <- reason
	})
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	assert.False(t, s.Connected())
	assert.Empty(t, s.ID())
	assert.Equal(t, ReasonClientDisconnect, <-reasons)

	s.lmu.RLock()
	assert.Empty(t, s.listeners, "listeners should be cleared")
	s.lmu.RUnlock()

	ok := waitOrTimeout(baseTimeout, s.Wait)
	require.True(t, ok, "timeout waiting for socket goroutines to exit")

	// a second disconnect is harmless
	s.Disconnect()
}

func TestSocketOff(t *testing.T) {
	s := newTestSocket("ws://unused", nil)
	rec := newRecorder()
	sub := s.On("chat", rec.handler("chat"))
	s.On("chat", rec.handler("chat"))

	s.dispatch("chat", json.RawMessage(`{}`))
	assert.Equal(t, 2, rec.count("chat"))

	s.Off(sub)
	s.dispatch("chat", json.RawMessage(`{}`))
	assert.Equal(t, 3, rec.count("chat"))
}

func TestSocketHandlerPanicIsRecovered(t *testing.T) {
	s := newTestSocket("ws://unused", nil)
	called := false
	s.On("chat", func(json.RawMessage) { panic("boom") })
	s.On("chat", func(json.RawMessage) { called = true })

	assert.NotPanics(t, func() {
		s.dispatch("chat", json.RawMessage(`{}`))
	})
	assert.True(t, called)
}

func waitOrTimeout(timeout time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
