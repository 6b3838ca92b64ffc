// Package history keeps a bounded log of messages submitted through the
// HTTP API, backed by the message_history table.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the log when no limit is configured.
const DefaultMaxEntries = 100

// ErrInvalidEntry is returned by Add when the entry lacks display text.
var ErrInvalidEntry = errors.New("history: entry has no display text")

// Entry is one submitted message.
type Entry struct {
	ID          string    `json:"id"`
	Nickname    string    `json:"nickname"`
	Message     string    `json:"message"`
	DisplayText string    `json:"display_text"`
	Topic       string    `json:"topic"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Repository defines the history operations used by the API.
type Repository interface {
	Add(ctx context.Context, entry *Entry) error
	List(ctx context.Context) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// SQLiteRepository stores history in SQLite and prunes the oldest rows
// beyond maxEntries on every insert.
type SQLiteRepository struct {
	db         *sql.DB
	maxEntries int
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository. maxEntries <= 0 uses
// DefaultMaxEntries.
func NewSQLiteRepository(db *sql.DB, maxEntries int) *SQLiteRepository {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &SQLiteRepository{db: db, maxEntries: maxEntries}
}

// MaxEntries returns the configured bound.
func (r *SQLiteRepository) MaxEntries() int {
	return r.maxEntries
}

// Add stores an entry. ID, Source and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Add(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.DisplayText == "" {
		return ErrInvalidEntry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Source == "" {
		entry.Source = "api"
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting history transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_history (id, nickname, message, display_text, topic, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Nickname, entry.Message, entry.DisplayText,
		entry.Topic, entry.Source, entry.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_history WHERE seq NOT IN (
			SELECT seq FROM message_history ORDER BY seq DESC LIMIT ?
		)`,
		r.maxEntries,
	); err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history entry: %w", err)
	}
	return nil
}

// List returns all stored entries, oldest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, nickname, message, display_text, topic, source, created_at
		 FROM message_history ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Nickname, &e.Message, &e.DisplayText,
			&e.Topic, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing history timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return n, nil
}

// Clear deletes every entry and returns how many were removed.
func (r *SQLiteRepository) Clear(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM message_history")
	if err != nil {
		return 0, fmt.Errorf("clearing history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clearing history: %w", err)
	}
	return int(n), nil
}
