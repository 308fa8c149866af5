package core

import (
	"context"
	"database/sql"
	"fmt"
)

type SQLiteDraftStore struct {
	db *sql.DB
}

func NewSQLiteDraftStore(db *sql.DB) *SQLiteDraftStore {
	return &SQLiteDraftStore{db: db}
}

func (s *SQLiteDraftStore) LoadDrafts(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id, content FROM drafts")
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	drafts := make(map[int64]string)
	for rows.Next() {
		var (
			sid     int64
			content string
		)
		if err := rows.Scan(&sid, &content); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		drafts[sid] = content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return drafts, nil
}

func (s *SQLiteDraftStore) SaveDraft(ctx context.Context, sessionID int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (session_id, content, updated_at) VALUES (@session_id, @content, CURRENT_TIMESTAMP)
		ON CONFLICT (session_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		sql.Named("session_id", sessionID), sql.Named("content", content))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteDraftStore) DeleteDraft(ctx context.Context, sessionID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM drafts WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteDraftStore) ClearDrafts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM drafts"); err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}
