package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveSnapshot はユーザーのセッションスナップショットを上書き保存します。
func (s *Store) SaveSnapshot(ctx context.Context, userID string, payload []byte) error {
	if userID == "" {
		return fmt.Errorf("save snapshot: user id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (user_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, string(payload), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot は保存済みスナップショットを返します。なければ nil, nil です。
func (s *Store) LoadSnapshot(ctx context.Context, userID string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM session_snapshots WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return []byte(payload), nil
}

// ClearSnapshot はスナップショットを削除します。
func (s *Store) ClearSnapshot(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
