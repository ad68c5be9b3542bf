package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_buffer (
	conversation_id TEXT PRIMARY KEY,
	pending_text    TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	attempts        INT NOT NULL DEFAULT 0
);
`

// PostgresStore keeps the buffer in a table. Each mutation is one statement,
// which postgres runs atomically under the row lock of the conflicting key.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("buffer: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertAndExtend(ctx context.Context, conversationID, fragment string, window time.Duration) (time.Duration, error) {
	now := s.now()

	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_buffer AS b (conversation_id, pending_text, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			pending_text = CASE
				WHEN b.pending_text = '' THEN EXCLUDED.pending_text
				ELSE b.pending_text || ' ' || EXCLUDED.pending_text
			END,
			expires_at = GREATEST(b.expires_at, EXCLUDED.expires_at)
		RETURNING expires_at
	`, conversationID, fragment, now.Add(window)).Scan(&expiresAt)
	if err != nil {
		return 0, fmt.Errorf("%w: upsert: %w", ErrUnavailable, err)
	}
	return expiresAt.Sub(now), nil
}

func (s *PostgresStore) ScanAll(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, pending_text, expires_at, attempts
		FROM conversation_buffer
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrUnavailable, err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, pending_text, expires_at, attempts
		FROM conversation_buffer
		WHERE conversation_id = $1
	`, conversationID).Scan(&e.ConversationID, &e.PendingText, &e.ExpiresAt, &e.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get: %w", ErrUnavailable, err)
	}
	return e, true, nil
}

func (s *PostgresStore) DeleteMany(ctx context.Context, conversationIDs []string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_buffer WHERE conversation_id = ANY($1)
	`, pq.Array(conversationIDs))
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, conversationIDs []string, now time.Time) (map[string]Entry, error) {
	if len(conversationIDs) == 0 {
		return map[string]Entry{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM conversation_buffer
		WHERE conversation_id = ANY($1) AND expires_at <= $2
		RETURNING conversation_id, pending_text, expires_at, attempts
	`, pq.Array(conversationIDs), now)
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %w", ErrUnavailable, err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) Requeue(ctx context.Context, conversationID, text string, attempts int, delay time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_buffer AS b (conversation_id, pending_text, expires_at, attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET
			pending_text = CASE
				WHEN b.pending_text = '' THEN EXCLUDED.pending_text
				ELSE EXCLUDED.pending_text || ' ' || b.pending_text
			END,
			expires_at = GREATEST(b.expires_at, EXCLUDED.expires_at),
			attempts = GREATEST(b.attempts, EXCLUDED.attempts)
	`, conversationID, text, s.now().Add(delay), attempts)
	if err != nil {
		return fmt.Errorf("%w: requeue: %w", ErrUnavailable, err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) (map[string]Entry, error) {
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ConversationID, &e.PendingText, &e.ExpiresAt, &e.Attempts); err != nil {
			return nil, err
		}
		out[e.ConversationID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out, nil
}
