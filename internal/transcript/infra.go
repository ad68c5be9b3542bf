package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_conversation_id_idx ON messages (conversation_id, id);
CREATE TABLE IF NOT EXISTS followups (
	conversation_id TEXT PRIMARY KEY,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore keeps the transcript in the messages table.
type PostgresStore struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

func (r *PostgresStore) Append(ctx context.Context, conversationID string, role Role, content string) (Record, error) {
	rec := Record{ConversationID: conversationID, Role: role, Content: content}
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`,
		rec.ConversationID,
		string(rec.Role),
		rec.Content,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("transcript: append: %w", err)
	}
	return rec, nil
}

// AppendMany writes records in slice order inside one transaction, so a turn
// is either fully logged or not at all.
func (r *PostgresStore) AppendMany(ctx context.Context, records []Record) ([]Record, error) {
	for _, rec := range records {
		if err := validate(rec); err != nil {
			return nil, err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("transcript: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("transcript: prepare: %w", err)
	}
	defer stmt.Close()

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if err := stmt.QueryRowContext(ctx, rec.ConversationID, string(rec.Role), rec.Content).
			Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcript: append: %w", err)
		}
		out = append(out, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transcript: commit: %w", err)
	}
	return out, nil
}

func (r *PostgresStore) Recent(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	// NULL limit means no limit in postgres
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at FROM (
			SELECT id, conversation_id, role, content, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, conversationID, lim)
	if err != nil {
		return nil, fmt.Errorf("transcript: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var m Record
		var role string
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&role,
			&m.Content,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}

	return out, rows.Err()
}

// StaleConversations lists conversations whose latest record is an assistant
// reply created in [from, to], that never invoked a tool and were not nudged.
func (r *PostgresStore) StaleConversations(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH last AS (
			SELECT DISTINCT ON (conversation_id) conversation_id, role, created_at
			FROM messages
			ORDER BY conversation_id, id DESC
		)
		SELECT l.conversation_id
		FROM last l
		WHERE l.role = 'assistant'
		  AND l.created_at >= $1
		  AND l.created_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM messages f
			WHERE f.conversation_id = l.conversation_id AND f.role = 'function_call'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM followups fu WHERE fu.conversation_id = l.conversation_id
		  )
		ORDER BY l.conversation_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("transcript: stale conversations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PostgresStore) MarkFollowedUp(ctx context.Context, conversationID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO followups (conversation_id) VALUES ($1)
		ON CONFLICT (conversation_id) DO NOTHING
	`, conversationID)
	if err != nil {
		return fmt.Errorf("transcript: mark followed up: %w", err)
	}
	return nil
}
