// Package ledger keeps a durable record of conversations and their turns in
// SQLite. It is an audit trail only; live conversation state never depends on
// it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("conversation not recorded")

// Turn outcomes
const (
	OutcomeSettled   = "settled"
	OutcomeTimedOut  = "timed_out"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Conversation is the recorded lifecycle of one conversation.
type Conversation struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// Turn is one delivered message and its outcome.
type Turn struct {
	ConversationID string        `json:"conversation_id"`
	Seq            int           `json:"seq"`
	Message        string        `json:"message"`
	Response       string        `json:"response,omitempty"`
	Outcome        string        `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	Polls          int           `json:"polls"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// Store handles ledger persistence
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes serialized and ":memory:" shared.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		close_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		message TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		polls INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_conversations_kind ON conversations(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot writes a consistent copy of the database to dst, which must not
// exist yet.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("failed to snapshot ledger: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordOpen records a newly opened conversation.
func (s *Store) RecordOpen(ctx context.Context, id, kind string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, opened_at) VALUES (?, ?, ?)`,
		id, kind, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record conversation %s: %w", id, err)
	}
	return nil
}

// RecordClose marks a conversation closed.
func (s *Store) RecordClose(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET closed_at = ?, close_reason = ? WHERE id = ? AND closed_at IS NULL`,
		at.UTC(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to close conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTurn appends a turn.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, seq, message, response, outcome, error, polls, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ConversationID, t.Seq, t.Message, t.Response, t.Outcome, t.Error, t.Polls,
		t.StartedAt.UTC(), t.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record turn %d of %s: %w", t.Seq, t.ConversationID, err)
	}
	return nil
}

// Conversation returns the recorded conversation.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, opened_at, closed_at, close_reason FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Kind, &c.OpenedAt, &closedAt, &c.CloseReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	return &c, nil
}

// Turns returns the turns of a conversation in delivery order. A positive
// limit keeps only the most recent turns.
func (s *Store) Turns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	query := `
		SELECT conversation_id, seq, message, response, outcome, error, polls, started_at, duration_ms
		FROM turns WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var ms int64
		if err := rows.Scan(&t.ConversationID, &t.Seq, &t.Message, &t.Response, &t.Outcome, &t.Error, &t.Polls, &t.StartedAt, &ms); err != nil {
			return nil, err
		}
		t.Duration = time.Duration(ms) * time.Millisecond
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Prune deletes closed conversations, and their turns, closed before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM turns WHERE conversation_id IN (
			SELECT id FROM conversations WHERE closed_at IS NOT NULL AND closed_at < ?
		)`, cutoff.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
