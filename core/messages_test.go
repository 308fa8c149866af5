package core

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	event   string
	payload any
}

// mockEmitter records every emitted event.
type mockEmitter struct {
	events []emitted
}

func (m *mockEmitter) Emit(event string, payload any) {
	m.events = append(m.events, emitted{event: event, payload: payload})
}

func (m *mockEmitter) last() emitted {
	if len(m.events) == 0 {
		return emitted{}
	}
	return m.events[len(m.events)-1]
}

type activeSession struct {
	id int64
}

func (a *activeSession) CurrentSessionID() (int64, bool) {
	return a.id, a.id != 0
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type engineFixture struct {
	engine  *MessageEngine
	emitter *mockEmitter
	active  *activeSession
	scrolls []int64
}

func newEngineFixture(t *testing.T, active int64, opts ...EngineOption) *engineFixture {
	f := &engineFixture{emitter: &mockEmitter{}, active: &activeSession{id: active}}
	n := 0
	opts = append([]EngineOption{WithClock(func() time.Time { return testNow })}, opts...)
	f.engine = NewMessageEngine(f.emitter, f.active, testLogger(), opts...)
	f.engine.newClientID = func() string {
		n++
		return fmt.Sprintf("%d", n)
	}
	f.engine.OnScroll(func(sid int64) {
		f.scrolls = append(f.scrolls, sid)
	})
	return f
}

func (f *engineFixture) assertTailInvariant(t *testing.T) {
	t.Helper()
	for sid, list := range f.engine.lists {
		require.NotEmpty(t, list, "session %d: tracked list must not be empty", sid)
		last, ok := f.engine.LastMessage(sid)
		require.True(t, ok, "session %d: missing last message", sid)
		assert.Equal(t, *list[len(list)-1], last, "session %d: last message is not the tail", sid)
	}
}

func TestSendAndReceiveEcho(t *testing.T) {
	f := newEngineFixture(t, 7)

	local, err := f.engine.Send(Message{Content: "hi", From: "alice", To: "bob"})
	require.NoError(t, err)
	assert.True(t, local.Sending)
	assert.Equal(t, "temp-1", local.ClientID)
	assert.Equal(t, int64(7), local.SessionID)
	assert.Equal(t, testNow, local.CreatedAt)

	require.Equal(t, EventChat, f.emitter.last().event)
	assert.Equal(t, local, f.emitter.last().payload)

	f.engine.Receive(Message{ID: 100, SessionID: 7, Content: "hi", From: "alice"})

	msgs := f.engine.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(100), msgs[0].ID)
	assert.False(t, msgs[0].Sending)

	last, ok := f.engine.LastMessage(7)
	require.True(t, ok)
	assert.Equal(t, int64(100), last.ID)
	assert.Equal(t, 0, f.engine.Unread(7))
	f.assertTailInvariant(t)
}

func TestSendValidation(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		f := newEngineFixture(t, 0)
		_, err := f.engine.Send(Message{Content: "hi"})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.ErrorIs(t, err, ErrNoActiveSession)
		assert.Empty(t, f.emitter.events)
	})

	t.Run("blank content", func(t *testing.T) {
		f := newEngineFixture(t, 7)
		_, err := f.engine.Send(Message{Content: "   "})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Empty(t, f.engine.Messages(7))
	})

	t.Run("content too long", func(t *testing.T) {
		f := newEngineFixture(t, 7, WithMaxContent(3))
		_, err := f.engine.Send(Message{Content: "four"})
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.ErrorIs(t, err, ErrContentTooLong)
	})
}

func TestSendTrimsContent(t *testing.T) {
	f := newEngineFixture(t, 42)

	local, err := f.engine.Send(Message{Content: " hi "})
	require.NoError(t, err)
	assert.Equal(t, "hi", local.Content)
	assert.Equal(t, "hi", f.emitter.last().payload.(Message).Content)

	// an echo without client id confirms the entry by its trimmed content
	f.engine.Receive(Message{ID: 7, SessionID: 42, Content: "hi"})

	msgs := f.engine.Messages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].ID)
	assert.False(t, msgs[0].Sending)
	f.assertTailInvariant(t)

	t.Run("limit counts trimmed content", func(t *testing.T) {
		f := newEngineFixture(t, 42, WithMaxContent(2))
		_, err := f.engine.Send(Message{Content: "  hi  "})
		require.NoError(t, err)
	})
}

func TestReceiveMatchesPendingByClientID(t *testing.T) {
	f := newEngineFixture(t, 7)

	first, err := f.engine.Send(Message{Content: "ok"})
	require.NoError(t, err)
	second, err := f.engine.Send(Message{Content: "ok"})
	require.NoError(t, err)

	// the peer's own "ok" carries its own client id and must not confirm ours
	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "ok", ClientID: "temp-peer"})
	f.engine.Receive(Message{ID: 2, SessionID: 7, Content: "ok", ClientID: second.ClientID})

	msgs := f.engine.Messages(7)
	require.Len(t, msgs, 3)
	assert.Equal(t, first.ClientID, msgs[0].ClientID)
	assert.True(t, msgs[0].Sending)
	assert.Equal(t, int64(1), msgs[1].ID)
	assert.Equal(t, int64(2), msgs[2].ID)
	f.assertTailInvariant(t)
}

func TestReceiveRedelivery(t *testing.T) {
	f := newEngineFixture(t, 3)

	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a"})
	f.engine.Receive(Message{ID: 2, SessionID: 7, Content: "b"})
	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a"})

	assert.Len(t, f.engine.Messages(7), 2)
	assert.Equal(t, 2, f.engine.Unread(7))
	f.assertTailInvariant(t)
}

func TestReceiveOtherSession(t *testing.T) {
	f := newEngineFixture(t, 7)
	_, err := f.engine.Send(Message{Content: "hello"})
	require.NoError(t, err)
	before := f.engine.VisibleMessages()

	f.engine.Receive(Message{ID: 5, SessionID: 9, Content: "psst"})

	assert.Equal(t, 1, f.engine.Unread(9))
	assert.Equal(t, 1, f.engine.TotalUnread())
	assert.True(t, f.engine.HasUnread(9))
	last, ok := f.engine.LastMessage(9)
	require.True(t, ok)
	assert.Equal(t, int64(5), last.ID)
	assert.Equal(t, before, f.engine.VisibleMessages())
	f.assertTailInvariant(t)
}

func TestReceiveWithoutSessionIsDropped(t *testing.T) {
	f := newEngineFixture(t, 7)
	f.engine.Receive(Message{ID: 5, Content: "orphan"})
	assert.Empty(t, f.engine.lists)
	assert.Equal(t, 0, f.engine.TotalUnread())
}

func TestUnreadCountsDistinctMessages(t *testing.T) {
	f := newEngineFixture(t, 1)
	for i := 1; i <= 5; i++ {
		f.engine.Receive(Message{ID: int64(i), SessionID: 2, Content: "x"})
	}
	assert.Equal(t, 5, f.engine.Unread(2))
	assert.Equal(t, 0, f.engine.Unread(1))
}

func TestUpdateMessageID(t *testing.T) {
	f := newEngineFixture(t, 7)
	_, err := f.engine.Send(Message{Content: "one"})
	require.NoError(t, err)
	_, err = f.engine.Send(Message{Content: "two"})
	require.NoError(t, err)

	f.engine.UpdateMessageID(10)
	f.engine.UpdateMessageID(11)
	f.engine.UpdateMessageID(12)

	msgs := f.engine.Messages(7)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(10), msgs[0].ID)
	assert.False(t, msgs[0].Sending)
	assert.Equal(t, int64(11), msgs[1].ID)
	f.assertTailInvariant(t)

	// the echo of a confirmed message replaces it
	f.engine.Receive(Message{ID: 11, SessionID: 7, Content: "two"})
	assert.Len(t, f.engine.Messages(7), 2)
}

func TestUpdate(t *testing.T) {
	f := newEngineFixture(t, 7)
	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a"})
	f.engine.Receive(Message{ID: 2, SessionID: 7, Content: "b"})

	f.engine.Update(Message{ID: 2, SessionID: 7, Content: "b2"})
	last, _ := f.engine.LastMessage(7)
	assert.Equal(t, "b2", last.Content)

	f.engine.Update(Message{ID: 1, Content: "a2"})
	msgs := f.engine.Messages(7)
	assert.Equal(t, "a2", msgs[0].Content)
	assert.Equal(t, int64(7), msgs[0].SessionID)
	f.assertTailInvariant(t)

	t.Run("untracked session", func(t *testing.T) {
		f.engine.IndexLastMessages([]RoomSummary{{ID: 9, LastMessage: &Message{ID: 30, SessionID: 9, Content: "old"}}})
		f.engine.Update(Message{ID: 30, SessionID: 9, Content: "new"})
		last, ok := f.engine.LastMessage(9)
		require.True(t, ok)
		assert.Equal(t, "new", last.Content)
	})
}

func TestDelete(t *testing.T) {
	t.Run("deleting the tail exposes the previous message", func(t *testing.T) {
		f := newEngineFixture(t, 7)
		f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a"})
		f.engine.Receive(Message{ID: 2, SessionID: 7, Content: "b"})

		f.engine.Delete(2, 7)
		last, ok := f.engine.LastMessage(7)
		require.True(t, ok)
		assert.Equal(t, int64(1), last.ID)
		f.assertTailInvariant(t)
	})

	t.Run("deleting the only message clears the last message", func(t *testing.T) {
		f := newEngineFixture(t, 7)
		f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a"})

		f.engine.Delete(1, 0)
		_, ok := f.engine.LastMessage(7)
		assert.False(t, ok)
		assert.Empty(t, f.engine.Messages(7))
	})

	t.Run("deleting a seeded last message", func(t *testing.T) {
		f := newEngineFixture(t, 7)
		f.engine.IndexLastMessages([]RoomSummary{{ID: 9, LastMessage: &Message{ID: 30, Content: "old"}}})
		f.engine.Delete(30, 9)
		_, ok := f.engine.LastMessage(9)
		assert.False(t, ok)
	})

	t.Run("unknown id is ignored", func(t *testing.T) {
		f := newEngineFixture(t, 7)
		f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a"})
		f.engine.Delete(99, 7)
		assert.Len(t, f.engine.Messages(7), 1)
	})
}

func TestMarkRead(t *testing.T) {
	f := newEngineFixture(t, 7)
	earlier := testNow.Add(-time.Hour)
	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "a", ReadAt: &earlier})
	f.engine.Receive(Message{ID: 2, SessionID: 7, Content: "b"})
	f.engine.Receive(Message{ID: 3, SessionID: 8, Content: "c"})

	f.engine.MarkRead(ReadReceipt{SessionID: 8})
	assert.Nil(t, f.engine.Messages(8)[0].ReadAt, "receipts for other sessions are ignored")

	f.engine.MarkRead(ReadReceipt{SessionID: 7})
	msgs := f.engine.Messages(7)
	require.NotNil(t, msgs[0].ReadAt)
	assert.Equal(t, earlier, *msgs[0].ReadAt)
	require.NotNil(t, msgs[1].ReadAt)
	assert.Equal(t, testNow, *msgs[1].ReadAt)

	last, _ := f.engine.LastMessage(7)
	assert.NotNil(t, last.ReadAt)
}

func TestLoadHistory(t *testing.T) {
	f := newEngineFixture(t, 7)
	require.NoError(t, f.engine.LoadMessages(7, 0, 0))
	assert.True(t, f.engine.Loading())
	assert.Equal(t, emitted{event: EventHistoryMessages, payload: HistoryRequest{SessionID: 7, Limit: 50}}, f.emitter.last())

	f.engine.Receive(Message{ID: 10, SessionID: 7, Content: "live"})

	// pages arrive newest first
	f.engine.LoadHistory([]Message{
		{ID: 3, SessionID: 7, Content: "c"},
		{ID: 2, SessionID: 7, Content: "b"},
		{ID: 1, Content: "a"},
	})
	assert.False(t, f.engine.Loading())

	var ids []int64
	for _, m := range f.engine.Messages(7) {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 10}, ids)
	last, _ := f.engine.LastMessage(7)
	assert.Equal(t, int64(10), last.ID)
	f.assertTailInvariant(t)

	t.Run("into an empty list", func(t *testing.T) {
		f := newEngineFixture(t, 7)
		f.engine.LoadHistory([]Message{{ID: 2, SessionID: 7}, {ID: 1, SessionID: 7}})
		last, ok := f.engine.LastMessage(7)
		require.True(t, ok)
		assert.Equal(t, int64(2), last.ID)
	})
}

func TestLoadMessagesValidation(t *testing.T) {
	f := newEngineFixture(t, 7)
	err := f.engine.LoadMessages(0, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.False(t, f.engine.Loading())
	assert.Empty(t, f.emitter.events)
}

func TestMarkAsRead(t *testing.T) {
	f := newEngineFixture(t, 1)
	f.engine.Receive(Message{ID: 1, SessionID: 2, Content: "x"})
	require.Equal(t, 1, f.engine.Unread(2))

	require.NoError(t, f.engine.MarkAsRead(2, "alice"))
	assert.Equal(t, 0, f.engine.Unread(2))
	assert.Equal(t, emitted{event: EventReadMessage, payload: ReadRequest{SessionID: 2, Username: "alice"}}, f.emitter.last())

	assert.ErrorIs(t, f.engine.MarkAsRead(2, ""), ErrInvalidPayload)
}

func TestTypingRequests(t *testing.T) {
	f := newEngineFixture(t, 7)

	require.NoError(t, f.engine.SendTyping(7, "alice"))
	assert.Equal(t, emitted{event: EventTyping, payload: TypingPayload{SessionID: 7, Username: "alice"}}, f.emitter.last())
	require.NoError(t, f.engine.StopTyping(7, "alice"))
	assert.Equal(t, emitted{event: EventStopTyping, payload: TypingPayload{SessionID: 7, Username: "alice"}}, f.emitter.last())

	err := f.engine.SendTyping(0, "alice")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "sessionId is a required field")
	assert.Len(t, f.emitter.events, 2)
}

func TestEditAndDestroyRequests(t *testing.T) {
	f := newEngineFixture(t, 7)

	require.NoError(t, f.engine.EditMessage(3, " new text "))
	assert.Equal(t, emitted{event: EventUpdateMessage, payload: EditRequest{MessageID: 3, NewText: "new text"}}, f.emitter.last())
	assert.ErrorIs(t, f.engine.EditMessage(0, "x"), ErrInvalidPayload)

	req := DestroyRequest{MessageID: 3, SessionID: 7, From: "alice", To: "bob"}
	require.NoError(t, f.engine.DestroyMessage(req))
	assert.Equal(t, emitted{event: EventDestroyMessage, payload: req}, f.emitter.last())
	assert.ErrorIs(t, f.engine.DestroyMessage(DestroyRequest{MessageID: 3}), ErrInvalidPayload)
}

func TestIndexes(t *testing.T) {
	f := newEngineFixture(t, 7)
	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "loaded"})

	f.engine.IndexLastMessages([]RoomSummary{
		{ID: 7, LastMessage: &Message{ID: 99, Content: "stale"}},
		{ID: 8, LastMessage: &Message{ID: 50, Content: "seeded"}},
		{ID: 9},
	})
	last, _ := f.engine.LastMessage(7)
	assert.Equal(t, int64(1), last.ID, "loaded sessions keep their tail")
	last, ok := f.engine.LastMessage(8)
	require.True(t, ok)
	assert.Equal(t, int64(8), last.SessionID)
	_, ok = f.engine.LastMessage(9)
	assert.False(t, ok)

	f.engine.IndexUnread([]RoomSummary{{ID: 8, Unread: 3}, {ID: 9, Unread: 0}})
	assert.Equal(t, 3, f.engine.Unread(8))
	assert.False(t, f.engine.HasUnread(9))

	f.engine.IncrementUnread(8)
	assert.Equal(t, 4, f.engine.Unread(8))
	f.engine.ClearUnread(8)
	assert.Equal(t, 0, f.engine.TotalUnread())
}

func TestEnterAndClearSession(t *testing.T) {
	f := newEngineFixture(t, 1)
	f.engine.Receive(Message{ID: 1, SessionID: 2, Content: "x"})

	f.engine.EnterSession(2)
	assert.Empty(t, f.engine.Messages(2))
	assert.Equal(t, 0, f.engine.Unread(2))
	_, ok := f.engine.LastMessage(2)
	assert.True(t, ok, "last message survives entering the session")

	f.engine.Receive(Message{ID: 2, SessionID: 2, Content: "y"})
	f.engine.ClearSession(2)
	assert.Empty(t, f.engine.Messages(2))

	f.engine.Reset()
	_, ok = f.engine.LastMessage(2)
	assert.False(t, ok)
	assert.Equal(t, 0, f.engine.TotalUnread())
}

func TestScrollAndMessageHooks(t *testing.T) {
	f := newEngineFixture(t, 7)
	var received []Message
	f.engine.OnMessage(func(m Message) {
		received = append(received, m)
	})

	_, err := f.engine.Send(Message{Content: "hi"})
	require.NoError(t, err)
	f.engine.Receive(Message{ID: 1, SessionID: 7, Content: "hi"})

	assert.Equal(t, []int64{7, 7}, f.scrolls)
	require.Len(t, received, 1)
	assert.Equal(t, int64(1), received[0].ID)
}
