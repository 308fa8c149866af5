package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/core"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("app closed")

// App wires the chat components together. A single goroutine owns the session,
// message, typing, draft and roster state; public methods hand work to it and wait.
// Transport events are queued to the same goroutine in delivery order.
//
// Hooks registered with WithScrollHandler and WithMessageHandler must not call
// App methods synchronously from the message hook; the scroll hook runs on its
// own goroutine and may.
type App struct {
	config *Config
	logger *slog.Logger
	db     *core.SQLiteDB

	conn     *core.ConnManager
	sessions *core.SessionStore
	messages *core.MessageEngine
	typing   *core.TypingTracker
	drafts   *core.DraftCache
	roster   *core.Roster

	managerOpts []core.ManagerOption
	onScroll    func(sessionID int64)
	onMessage   func(core.Message)

	ops         chan func()
	exit        chan struct{}
	closeOnce   sync.Once
	typingTimer *time.Timer

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

type Option func(*App)

func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f core.TransportFactory) Option {
	return func(a *App) {
		a.managerOpts = append(a.managerOpts, core.WithTransportFactory(f))
	}
}

// WithScrollHandler registers f to run, after the configured scroll delay,
// whenever a message is appended to a session.
func WithScrollHandler(f func(sessionID int64)) Option {
	return func(a *App) {
		a.onScroll = f
	}
}

// WithMessageHandler registers f to run on the event loop for every message received from the remote.
func WithMessageHandler(f func(core.Message)) Option {
	return func(a *App) {
		a.onMessage = f
	}
}

// New builds the app and starts its event loop. A nil config is loaded from
// chatsync.yaml and the environment. The caller must call Close.
func New(config *Config, opts ...Option) (*App, error) {
	if config == nil {
		var err error
		config, err = LoadConfig("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", strings.TrimSpace(FormatValidationErrors(err)))
	}

	a := &App{
		config: config,
		ops:    make(chan func(), 256),
		exit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = NewLogger(os.Stdout, config.LogLevel)
	}

	a.conn = core.NewConnManager(config.Server.URL, config.ReconnectPolicy(),
		a.logger.With(slog.String("component", "conn")), a.managerOpts...)
	a.sessions = core.NewSessionStore(a.conn, a.logger.With(slog.String("component", "session")))
	a.messages = core.NewMessageEngine(a.conn, a.sessions, a.logger.With(slog.String("component", "messages")),
		core.WithHistoryLimit(config.Chat.HistoryLimit),
		core.WithMaxContent(config.Chat.MaxCharacters),
	)
	a.typing = core.NewTypingTracker(config.Typing.Timeout)
	a.roster = core.NewRoster()

	var store core.DraftStore
	if config.Drafts.File != "" {
		db, err := core.NewSQLiteDB(config.Drafts.File, &core.SQLiteDBOption{
			Mode:        "rwc",
			JournalMode: "WAL",
		})
		if err != nil {
			return nil, fmt.Errorf("open drafts database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate drafts database: %w", err)
		}
		a.db = db
		a.AddCleanupFunc(func(ctx context.Context) {
			a.db.Close()
		})
		store = core.NewSQLiteDraftStore(db.DB)
	}
	a.drafts = core.NewDraftCache(store, a.logger.With(slog.String("component", "drafts")))
	restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.drafts.Restore(restoreCtx); err != nil {
		a.logger.Error(err.Error())
	}

	a.sessions.OnEnter(a.messages.EnterSession)
	a.sessions.OnLeave(func(sessionID int64) {
		a.typing.ClearSession(sessionID)
		a.messages.ClearSession(sessionID)
		a.rescheduleTyping()
	})
	a.messages.OnScroll(a.scheduleScroll)
	a.messages.OnMessage(func(m core.Message) {
		if a.onMessage != nil {
			a.onMessage(m)
		}
	})
	a.registerHandlers()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop()
	}()
	return a, nil
}

func (a *App) loop() {
	for {
		select {
		case <-a.exit:
			return
		case f := <-a.ops:
			f()
		}
	}
}

// do runs f on the event loop and waits for it. It must not be called from the loop.
func (a *App) do(f func()) error {
	done := make(chan struct{})
	select {
	case a.ops <- func() {
		defer close(done)
		f()
	}:
	case <-a.exit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-a.exit:
		return ErrClosed
	}
}

// post queues f on the event loop without waiting.
func (a *App) post(f func()) {
	select {
	case a.ops <- f:
	case <-a.exit:
	}
}

func query[T any](a *App, f func() T) T {
	var v T
	a.do(func() {
		v = f()
	})
	return v
}

// Run connects with the configured identity and blocks until ctx is done, then closes the app.
func (a *App) Run(ctx context.Context) error {
	user := core.User{Username: a.config.Auth.Username, Token: a.config.Auth.Token}
	if err := a.Connect(ctx, user); err != nil {
		return err
	}
	a.logger.Info(fmt.Sprintf("connected to %s as %s", a.config.Server.URL, user.Username))
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Close(closeCtx)
}

// Close disconnects, stops the event loop and runs the cleanup functions.
// It waits for them until ctx is done.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.conn.Disconnect()
		close(a.exit)
		a.wg.Wait()
		if a.typingTimer != nil {
			a.typingTimer.Stop()
		}

		var wg sync.WaitGroup
		for _, f := range a.cleanupFuncs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f(ctx)
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info("app closed gracefully")
		case <-ctx.Done():
			a.logger.Info("app close timed out")
			err = ctx.Err()
		}
	})
	return err
}

func (a *App) AddCleanupFunc(f func(context.Context)) {
	a.cleanupFuncs = append(a.cleanupFuncs, f)
}

// Connect opens the connection for user. It blocks until the first connection is up,
// the reconnect policy gives up or ctx is done.
func (a *App) Connect(ctx context.Context, user core.User) error {
	select {
	case <-a.exit:
		return ErrClosed
	default:
	}
	return a.conn.Connect(ctx, user)
}

// Disconnect closes the connection. The chat state is kept.
func (a *App) Disconnect() {
	a.conn.Disconnect()
}

func (a *App) State() core.ConnState {
	return a.conn.State()
}

// ConnID returns the id the transport was assigned, or "" when not connected.
func (a *App) ConnID() string {
	return a.conn.ID()
}

// LastError returns the error that ended the last connection, if any.
func (a *App) LastError() error {
	return a.conn.LastError()
}

// OnStateChange registers f to run after every connection state transition.
func (a *App) OnStateChange(f func(core.ConnState)) {
	a.conn.OnStateChange(f)
}

// SetCurrentRoom makes room the active room. A different active room is left first.
// An invalid room is rejected before anything changes.
func (a *App) SetCurrentRoom(room core.Room) error {
	if _, err := core.RoomToJoinEvent(room); err != nil {
		return err
	}
	var err error
	if doErr := a.do(func() {
		if id, ok := a.sessions.CurrentSessionID(); ok && id != room.ID {
			a.sessions.LeaveCurrentRoom()
		}
		err = a.sessions.SetCurrentRoom(room)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (a *App) LeaveCurrentRoom() {
	a.do(a.sessions.LeaveCurrentRoom)
}

// SyncSession resolves the session of room with the remote and passes the normalized
// room to callback. It blocks the caller, not the event loop; callback runs on the
// caller's goroutine and may call App methods.
func (a *App) SyncSession(ctx context.Context, room core.Room, callback func(core.Room)) {
	a.sessions.SyncSession(ctx, room, callback)
}

// SyncAndEnter resolves the session of room and makes it the active room.
func (a *App) SyncAndEnter(ctx context.Context, room core.Room) (core.Room, error) {
	var synced *core.Room
	a.SyncSession(ctx, room, func(r core.Room) {
		synced = &r
	})
	if synced == nil {
		return core.Room{}, fmt.Errorf("sync session: no session for %s and %s", room.User1ID, room.User2ID)
	}
	if err := a.SetCurrentRoom(*synced); err != nil {
		return core.Room{}, err
	}
	return *synced, nil
}

func (a *App) OpenedChatWeb(room core.Room) error {
	var err error
	if doErr := a.do(func() {
		err = a.sessions.OpenedChatWeb(room)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SendMessage sends msg optimistically. The session defaults to the active room,
// From to the connected user and To to the other participant of the active room.
// The draft of the session is cleared.
func (a *App) SendMessage(msg core.Message) (core.Message, error) {
	user, _ := a.conn.User()
	var (
		sent core.Message
		err  error
	)
	if doErr := a.do(func() {
		room, active := a.sessions.CurrentRoom()
		if msg.From == "" {
			msg.From = user.Username
		}
		if active && (msg.SessionID == 0 || msg.SessionID == room.ID) && msg.To == "" {
			msg.To = room.User2ID
			if room.User2ID == msg.From {
				msg.To = room.User1ID
			}
		}
		sent, err = a.messages.Send(msg)
		if err == nil {
			a.drafts.Clear(sent.SessionID)
		}
	}); doErr != nil {
		return core.Message{}, doErr
	}
	return sent, err
}

func (a *App) EditMessage(id int64, text string) error {
	var err error
	if doErr := a.do(func() {
		err = a.messages.EditMessage(id, text)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (a *App) DestroyMessage(req core.DestroyRequest) error {
	var err error
	if doErr := a.do(func() {
		err = a.messages.DestroyMessage(req)
	}); doErr != nil {
		return doErr
	}
	return err
}

// LoadMessages requests a page of older messages of the session. A non-positive limit
// uses the configured history limit.
func (a *App) LoadMessages(sessionID int64, offset, limit int) error {
	var err error
	if doErr := a.do(func() {
		err = a.messages.LoadMessages(sessionID, offset, limit)
	}); doErr != nil {
		return doErr
	}
	return err
}

// MarkAsRead tells the remote the connected user read the session.
func (a *App) MarkAsRead(sessionID int64) error {
	user, ok := a.conn.User()
	if !ok {
		return core.ErrNotConnected
	}
	var err error
	if doErr := a.do(func() {
		err = a.messages.MarkAsRead(sessionID, user.Username)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SendTyping tells the other participant of the session that the user is typing.
func (a *App) SendTyping(sessionID int64) error {
	return a.emitTyping(sessionID, a.messages.SendTyping)
}

// StopTyping tells the other participant of the session that the user stopped typing.
func (a *App) StopTyping(sessionID int64) error {
	return a.emitTyping(sessionID, a.messages.StopTyping)
}

func (a *App) emitTyping(sessionID int64, emit func(int64, string) error) error {
	user, ok := a.conn.User()
	if !ok {
		return core.ErrNotConnected
	}
	var err error
	if doErr := a.do(func() {
		err = emit(sessionID, user.Username)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (a *App) SaveDraft(sessionID int64, text string) {
	a.do(func() {
		a.drafts.Save(sessionID, text)
	})
}

func (a *App) Draft(sessionID int64) string {
	return query(a, func() string {
		return a.drafts.Get(sessionID)
	})
}

func (a *App) ClearDraft(sessionID int64) {
	a.do(func() {
		a.drafts.Clear(sessionID)
	})
}

// IndexRooms seeds the last message and unread count of each room from a room listing.
func (a *App) IndexRooms(rooms []core.RoomSummary) {
	a.do(func() {
		a.messages.IndexLastMessages(rooms)
		a.messages.IndexUnread(rooms)
	})
}

// SetConnectedUsers replaces the set of online users.
func (a *App) SetConnectedUsers(usernames []string) {
	a.do(func() {
		a.roster.Set(usernames)
	})
}

// ClearChatData forgets every message, unread count, typing indicator, draft
// and the active room. Nothing is sent to the remote.
func (a *App) ClearChatData() {
	a.do(func() {
		a.messages.Reset()
		a.typing.Reset()
		a.sessions.Reset()
		a.drafts.ClearAll()
		a.roster.Set(nil)
		a.rescheduleTyping()
	})
}

func (a *App) CurrentRoom() (core.Room, bool) {
	var (
		room core.Room
		ok   bool
	)
	a.do(func() {
		room, ok = a.sessions.CurrentRoom()
	})
	return room, ok
}

// Messages returns the message list of the active room.
func (a *App) Messages() []core.Message {
	return query(a, a.messages.VisibleMessages)
}

func (a *App) SessionMessages(sessionID int64) []core.Message {
	return query(a, func() []core.Message {
		return a.messages.Messages(sessionID)
	})
}

func (a *App) LastMessage(sessionID int64) (core.Message, bool) {
	var (
		m  core.Message
		ok bool
	)
	a.do(func() {
		m, ok = a.messages.LastMessage(sessionID)
	})
	return m, ok
}

func (a *App) Unread(sessionID int64) int {
	return query(a, func() int {
		return a.messages.Unread(sessionID)
	})
}

func (a *App) TotalUnread() int {
	return query(a, a.messages.TotalUnread)
}

// Loading reports whether a history request is outstanding.
func (a *App) Loading() bool {
	return query(a, a.messages.Loading)
}

func (a *App) IsTyping(sessionID int64, username string) bool {
	return query(a, func() bool {
		return a.typing.IsTyping(sessionID, username)
	})
}

// Typing lists the users typing in the session.
func (a *App) Typing(sessionID int64) []string {
	return query(a, func() []string {
		return a.typing.Typing(sessionID)
	})
}

func (a *App) IsOnline(username string) bool {
	return query(a, func() bool {
		return a.roster.IsOnline(username)
	})
}

func (a *App) Online() []string {
	return query(a, a.roster.Online)
}

func (a *App) scheduleScroll(sessionID int64) {
	if a.onScroll == nil {
		return
	}
	time.AfterFunc(a.config.Chat.ScrollDelay, func() {
		select {
		case <-a.exit:
		default:
			a.onScroll(sessionID)
		}
	})
}

// rescheduleTyping arms the typing timer for the earliest deadline. Runs on the loop.
func (a *App) rescheduleTyping() {
	if a.typingTimer != nil {
		a.typingTimer.Stop()
		a.typingTimer = nil
	}
	next, ok := a.typing.NextDeadline()
	if !ok {
		return
	}
	a.typingTimer = time.AfterFunc(time.Until(next), func() {
		a.post(a.expireTyping)
	})
}

func (a *App) expireTyping() {
	for _, k := range a.typing.Expire(time.Now()) {
		a.logger.Debug("typing expired", slog.Int64("session", k.SessionID), slog.String("username", k.Username))
	}
	a.rescheduleTyping()
}
