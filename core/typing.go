package core

import (
	"container/heap"
	"slices"
	"time"
)

// DefaultTypingTimeout is how long a typing indicator lives without a refresh.
const DefaultTypingTimeout = 3 * time.Second

// TypingKey identifies a user typing in a session.
type TypingKey struct {
	SessionID int64
	Username  string
}

type typingEntry struct {
	key      TypingKey
	deadline time.Time
	index    int
}

// typingQueue is a min-heap of entries ordered by deadline.
type typingQueue []*typingEntry

func (q typingQueue) Len() int { return len(q) }

func (q typingQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q typingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *typingQueue) Push(x any) {
	e := x.(*typingEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *typingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// TypingTracker keeps the typing indicators of remote users. Every indicator expires
// after the timeout unless refreshed. Expiry is driven by the owner: it arms a single
// timer for NextDeadline and calls Expire when it fires.
//
// TypingTracker is not safe for concurrent use.
type TypingTracker struct {
	timeout time.Duration
	now     func() time.Time
	entries map[TypingKey]*typingEntry
	queue   typingQueue
}

func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		timeout: timeout,
		now:     time.Now,
		entries: make(map[TypingKey]*typingEntry),
	}
}

// Set marks username as typing in the session and pushes its deadline back.
func (t *TypingTracker) Set(sessionID int64, username string) {
	key := TypingKey{SessionID: sessionID, Username: username}
	deadline := t.now().Add(t.timeout)
	if e, ok := t.entries[key]; ok {
		e.deadline = deadline
		heap.Fix(&t.queue, e.index)
		return
	}
	e := &typingEntry{key: key, deadline: deadline}
	t.entries[key] = e
	heap.Push(&t.queue, e)
}

// Clear removes the indicator of username in the session.
func (t *TypingTracker) Clear(sessionID int64, username string) {
	t.remove(TypingKey{SessionID: sessionID, Username: username})
}

func (t *TypingTracker) remove(key TypingKey) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	heap.Remove(&t.queue, e.index)
	delete(t.entries, key)
	return true
}

// IsTyping reports whether username is typing in the session. An indicator past its
// deadline is reported absent even if Expire has not run yet.
func (t *TypingTracker) IsTyping(sessionID int64, username string) bool {
	e, ok := t.entries[TypingKey{SessionID: sessionID, Username: username}]
	if !ok {
		return false
	}
	return t.now().Before(e.deadline)
}

// Typing returns the sorted usernames typing in the session.
func (t *TypingTracker) Typing(sessionID int64) []string {
	now := t.now()
	var users []string
	for key, e := range t.entries {
		if key.SessionID == sessionID && now.Before(e.deadline) {
			users = append(users, key.Username)
		}
	}
	slices.Sort(users)
	return users
}

// ClearSession removes every indicator of the session.
func (t *TypingTracker) ClearSession(sessionID int64) {
	var keys []TypingKey
	for key := range t.entries {
		if key.SessionID == sessionID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		t.remove(key)
	}
}

// ClearUser removes every indicator of username.
func (t *TypingTracker) ClearUser(username string) {
	var keys []TypingKey
	for key := range t.entries {
		if key.Username == username {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		t.remove(key)
	}
}

// Expire removes and returns the indicators whose deadline is not after now.
func (t *TypingTracker) Expire(now time.Time) []TypingKey {
	var expired []TypingKey
	for len(t.queue) > 0 && !t.queue[0].deadline.After(now) {
		e := heap.Pop(&t.queue).(*typingEntry)
		delete(t.entries, e.key)
		expired = append(expired, e.key)
	}
	return expired
}

// NextDeadline returns the earliest pending deadline.
func (t *TypingTracker) NextDeadline() (time.Time, bool) {
	if len(t.queue) == 0 {
		return time.Time{}, false
	}
	return t.queue[0].deadline, true
}

func (t *TypingTracker) Len() int {
	return len(t.entries)
}

// Reset removes every indicator.
func (t *TypingTracker) Reset() {
	t.entries = make(map[TypingKey]*typingEntry)
	t.queue = nil
}
