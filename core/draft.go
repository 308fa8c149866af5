package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DraftStore persists drafts across restarts.
type DraftStore interface {
	LoadDrafts(ctx context.Context) (map[int64]string, error)
	SaveDraft(ctx context.Context, sessionID int64, content string) error
	DeleteDraft(ctx context.Context, sessionID int64) error
	ClearDrafts(ctx context.Context) error
}

// DraftCache keeps the unsent text of each session. The in-memory copy is
// authoritative; writes go through to the store when one is configured and
// store failures are only logged.
//
// DraftCache is not safe for concurrent use.
type DraftCache struct {
	drafts       map[int64]string
	store        DraftStore
	logger       *slog.Logger
	storeTimeout time.Duration
}

// NewDraftCache creates a cache. store may be nil.
func NewDraftCache(store DraftStore, logger *slog.Logger) *DraftCache {
	return &DraftCache{
		drafts:       make(map[int64]string),
		store:        store,
		logger:       logger,
		storeTimeout: 2 * time.Second,
	}
}

// Restore loads the persisted drafts into the cache.
func (c *DraftCache) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	drafts, err := c.store.LoadDrafts(ctx)
	if err != nil {
		return fmt.Errorf("load drafts: %w", err)
	}
	for sid, content := range drafts {
		c.drafts[sid] = content
	}
	return nil
}

// Save stores the trimmed text for the session. Blank text removes the draft.
func (c *DraftCache) Save(sessionID int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		c.Clear(sessionID)
		return
	}
	c.drafts[sessionID] = text
	c.persist("save draft", func(ctx context.Context) error {
		return c.store.SaveDraft(ctx, sessionID, text)
	})
}

// Get returns the draft of the session or "".
func (c *DraftCache) Get(sessionID int64) string {
	return c.drafts[sessionID]
}

func (c *DraftCache) Clear(sessionID int64) {
	if _, ok := c.drafts[sessionID]; !ok {
		return
	}
	delete(c.drafts, sessionID)
	c.persist("delete draft", func(ctx context.Context) error {
		return c.store.DeleteDraft(ctx, sessionID)
	})
}

func (c *DraftCache) ClearAll() {
	c.drafts = make(map[int64]string)
	c.persist("clear drafts", func(ctx context.Context) error {
		return c.store.ClearDrafts(ctx)
	})
}

func (c *DraftCache) persist(op string, f func(context.Context) error) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := f(ctx); err != nil {
		c.logger.Error(fmt.Sprintf("%s: %v", op, err))
	}
}
