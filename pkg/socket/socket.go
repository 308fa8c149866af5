package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Local lifecycle events. The remote never sends packets with these types.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventReconnected  = "reconnected"
	EventError        = "error"
)

const (
	// IDHeader is the upgrade response header carrying the id the remote assigned to the connection.
	IDHeader = "X-Socket-Id"

	ReasonClientDisconnect = "client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Handler receives the raw payload of an event.
type Handler func(payload json.RawMessage)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	Event string
	id    uint64
}

type listener struct {
	id uint64
	h  Handler
}

type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:3001/ws.
	URL string
	// Header is sent with the upgrade request. Credentials go here.
	Header http.Header
	Policy *ReconnectPolicy
	Dialer *websocket.Dialer
	Logger *slog.Logger
	// WriteStreamSize is the number of outbound packets buffered per connection.
	WriteStreamSize int
}

// Socket is a reconnecting websocket client with named events and acknowledgements.
// All methods are safe for concurrent use. Handlers run on the socket's read goroutine
// and must not block.
type Socket struct {
	url             string
	header          http.Header
	policy          *ReconnectPolicy
	dialer          *websocket.Dialer
	logger          *slog.Logger
	writeStreamSize int

	mu sync.RWMutex
	// running is true between Connect and Disconnect, including while reconnecting.
	running   bool
	connected bool
	conn      *websocket.Conn
	out       chan *Packet
	id        string
	done      chan struct{}

	lmu       sync.RWMutex
	listeners map[string][]listener
	nextSubID uint64

	acks   *syncMap[int64, chan json.RawMessage]
	ackSeq atomic.Int64

	wg sync.WaitGroup
}

func New(opts Options) *Socket {
	s := &Socket{
		url:             opts.URL,
		header:          opts.Header,
		policy:          opts.Policy,
		dialer:          opts.Dialer,
		logger:          opts.Logger,
		writeStreamSize: opts.WriteStreamSize,
		listeners:       make(map[string][]listener),
		acks:            newSyncMap[int64, chan json.RawMessage](),
	}
	if s.policy == nil {
		s.policy = DefaultReconnectPolicy()
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if s.writeStreamSize <= 0 {
		s.writeStreamSize = 100
	}
	return s
}

// Connect opens the channel. It is a no-op if the socket is already connected or connecting.
// It blocks until the first connection is established, the reconnect policy is exhausted,
// or ctx is done. After that the socket re-dials on its own whenever the connection drops.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	conn, id, _, err := s.dial(ctx, done, false)
	if err != nil {
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		if errors.Is(err, ErrReconnectExhausted) {
			s.dispatch(EventError, err.Error())
		}
		return err
	}

	stop, ok := s.attach(conn, id)
	if !ok {
		return errClosed
	}
	s.dispatch(EventConnected, id)

	s.wg.Add(1)
	go s.supervise(conn, stop, done)
	return nil
}

// Disconnect closes the channel, stops reconnecting and removes every registered handler.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.clearListeners()
		return
	}
	s.running = false
	close(s.done)
	conn := s.conn
	wasConnected := s.connected
	s.conn = nil
	s.connected = false
	s.id = ""
	s.out = nil
	s.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	if wasConnected {
		s.dispatch(EventDisconnected, ReasonClientDisconnect)
	}
	s.clearListeners()
}

// Wait blocks until every goroutine started by the socket has exited.
func (s *Socket) Wait() {
	s.wg.Wait()
}

func (s *Socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ID returns the id the remote assigned to the current connection, or "" when down.
func (s *Socket) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Emit sends a packet without waiting for a reply. It is dropped with a warning
// when the socket is down or the write stream is full.
func (s *Socket) Emit(event string, payload any) {
	p, err := NewPacket(event, payload)
	if err != nil {
		s.logger.Error(fmt.Sprintf("NewPacket %s: %v", event, err))
		return
	}
	if err := s.send(p); err != nil {
		s.logger.Warn(fmt.Sprintf("emit %s: %v", event, err))
	}
}

// EmitWithAck sends a packet and waits for the remote to acknowledge it.
// The wait is bounded only by ctx. An ack whose payload carries an error field
// is returned as a *RemoteError.
func (s *Socket) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	p, err := NewPacket(event, payload)
	if err != nil {
		return nil, err
	}
	p.AckID = s.ackSeq.Add(1)

	res := make(chan json.RawMessage, 1)
	s.acks.Store(p.AckID, res)
	if err := s.send(p); err != nil {
		s.acks.Delete(p.AckID)
		return nil, err
	}

	select {
	case payload := <-res:
		if err := ackError(event, payload); err != nil {
			return nil, err
		}
		return payload, nil
	case <-ctx.Done():
		s.acks.Delete(p.AckID)
		return nil, ctx.Err()
	}
}

// On registers h for event. Registering for EventConnected while connected
// invokes h immediately with the current connection id.
func (s *Socket) On(event string, h Handler) Subscription {
	s.lmu.Lock()
	s.nextSubID++
	sub := Subscription{Event: event, id: s.nextSubID}
	s.listeners[event] = append(s.listeners[event], listener{id: sub.id, h: h})
	s.lmu.Unlock()

	if event == EventConnected {
		s.mu.RLock()
		connected, id := s.connected, s.id
		s.mu.RUnlock()
		if connected {
			s.call(event, h, mustMarshal(id))
		}
	}
	return sub
}

func (s *Socket) Off(sub Subscription) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	ls, ok := s.listeners[sub.Event]
	if !ok {
		return
	}
	// copy so in-flight dispatches keep their snapshot
	ls = slices.DeleteFunc(slices.Clone(ls), func(l listener) bool {
		return l.id == sub.id
	})
	if len(ls) == 0 {
		delete(s.listeners, sub.Event)
		return
	}
	s.listeners[sub.Event] = ls
}

func (s *Socket) clearListeners() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = make(map[string][]listener)
}

func (s *Socket) dispatch(event string, payload any) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	default:
		raw = mustMarshal(v)
	}

	s.lmu.RLock()
	ls := s.listeners[event]
	s.lmu.RUnlock()

	for _, l := range ls {
		s.call(event, l.h, raw)
	}
}

func (s *Socket) call(event string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(fmt.Sprintf("handler for %s panicked: %v", event, r))
		}
	}()
	h(payload)
}

func (s *Socket) send(p *Packet) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	select {
	case s.out <- p:
		return nil
	default:
		return ErrWriteStreamFull
	}
}

// dial opens a connection, retrying according to the reconnect policy.
// When reconnecting the first dial is already a retry and is delayed accordingly.
func (s *Socket) dial(ctx context.Context, done <-chan struct{}, reconnecting bool) (*websocket.Conn, string, int, error) {
	start := 0
	if reconnecting {
		start = 1
	}

	var lastErr error
	for attempt := start; ; attempt++ {
		if attempt > 0 {
			if !s.policy.ShouldRetry(attempt) {
				if lastErr == nil {
					return nil, "", attempt - 1, ErrReconnectExhausted
				}
				return nil, "", attempt - 1, fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)
			}
			if reconnecting {
				s.dispatch(EventReconnecting, attempt)
			}
			timer := time.NewTimer(s.policy.NextDelay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, "", attempt, ctx.Err()
			case <-done:
				timer.Stop()
				return nil, "", attempt, errClosed
			}
		}

		conn, res, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err == nil {
			return conn, socketID(res), attempt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", attempt, err
		}
		lastErr = err
		s.logger.Warn(fmt.Sprintf("dial %s: %v", s.url, err), slog.Int("attempt", attempt))
		s.dispatch(EventError, err.Error())
	}
}

// attach makes conn the current connection and starts its write loop.
// It fails if Disconnect was called while dialing.
func (s *Socket) attach(conn *websocket.Conn, id string) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		conn.Close()
		return nil, false
	}
	s.conn = conn
	s.id = id
	s.connected = true
	s.out = make(chan *Packet, s.writeStreamSize)

	stop := make(chan struct{})
	out := s.out
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(conn, out, stop)
	}()
	return stop, true
}

// supervise reads from conn until it drops, then re-dials until the policy gives up
// or Disconnect is called.
func (s *Socket) supervise(conn *websocket.Conn, stop chan struct{}, done chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		reason := s.readLoop(conn)
		close(stop)

		s.mu.Lock()
		closing := !s.running || s.done != done
		if s.conn == conn {
			s.conn = nil
			s.connected = false
			s.id = ""
			s.out = nil
		}
		s.mu.Unlock()
		if closing {
			return
		}
		s.logger.Info("connection lost", slog.String("reason", reason))
		s.dispatch(EventDisconnected, reason)

		next, id, attempt, err := s.dial(ctx, done, true)
		if err != nil {
			if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) {
				return
			}
			s.mu.Lock()
			if s.done == done {
				s.running = false
			}
			s.mu.Unlock()
			s.logger.Error(fmt.Sprintf("reconnect: %v", err))
			s.dispatch(EventError, err.Error())
			return
		}

		var ok bool
		stop, ok = s.attach(next, id)
		if !ok {
			return
		}
		conn = next
		s.logger.Info("reconnected", slog.Int("attempt", attempt), slog.String("id", id))
		s.dispatch(EventConnected, id)
		s.dispatch(EventReconnected, attempt)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) string {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return ReasonTransportClose
			}
			if websocket.IsUnexpectedCloseError(err) {
				s.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return ReasonTransportClose
			}
			s.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return ReasonTransportError
		}

		packet, err := DecodePacket(mt, r)
		if err != nil {
			s.logger.Error(fmt.Sprintf("DecodePacket: %v", err))
			continue
		}
		s.handlePacket(packet)
	}
}

func (s *Socket) handlePacket(p *Packet) {
	switch p.Type {
	case AckType:
		res, ok := s.acks.LoadAndDelete(p.AckID)
		if !ok {
			s.logger.Debug("ack without pending request", slog.Int64("ack_id", p.AckID))
			return
		}
		res <- p.Payload
	case EventConnected, EventDisconnected, EventReconnecting, EventReconnected, EventError:
		s.logger.Warn("remote sent reserved event", slog.String("type", p.Type))
	default:
		s.dispatch(p.Type, p.Payload)
	}
}

func (s *Socket) writeLoop(conn *websocket.Conn, out <-chan *Packet, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case packet := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := EncodePacket(conn.NextWriter, packet); err != nil {
				s.logger.Error(fmt.Sprintf("EncodePacket: %v", err))
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error(fmt.Sprintf("WritePing: %v", err))
				conn.Close()
				return
			}
		}
	}
}

func socketID(res *http.Response) string {
	if res != nil {
		if id := res.Header.Get(IDHeader); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("json.Marshal: %v", err))
	}
	return b
}
