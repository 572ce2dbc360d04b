// Package sqlite stores guest memory in a single SQLite file using the pure-Go
// modernc.org/sqlite driver. It is the default backend for single-node
// deployments that have no PostgreSQL server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/callidora/calli/pkg/memory"
)

var (
	_ memory.ProfileBackend = (*Store)(nil)
	_ memory.HistoryStore   = (*History)(nil)
)

// Store implements [memory.ProfileBackend] over a SQLite database.
type Store struct {
	db      *sql.DB
	history *History
}

// Open opens (or creates) the database at path and migrates it. historyCap
// bounds the chat_history tail per guest; values <= 0 select
// [memory.DefaultHistoryCap].
func Open(ctx context.Context, path string, historyCap int) (*Store, error) {
	if historyCap <= 0 {
		historyCap = memory.DefaultHistoryCap
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply pragmas: %w", err)
	}

	s := &Store{db: db, history: &History{db: db, cap: historyCap}}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS guest_memory (
			user_id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL DEFAULT '',
			preferred_name TEXT NOT NULL DEFAULT '',
			likes TEXT NOT NULL DEFAULT '[]',
			dislikes TEXT NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '[]',
			facts TEXT NOT NULL DEFAULT '[]',
			visits INTEGER NOT NULL DEFAULT 0,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_user_id ON chat_history(user_id, id);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// History returns the chat history view of the same database.
func (s *Store) History() *History { return s.history }

// Ping checks that the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadProfile implements [memory.ProfileBackend].
func (s *Store) LoadProfile(ctx context.Context, id string) (*memory.Profile, error) {
	var (
		p                             memory.Profile
		likes, dislikes, notes, facts string
		firstSeen, lastSeen           string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_name, preferred_name, likes, dislikes, notes, facts,
		       visits, first_seen_at, last_seen_at
		FROM guest_memory WHERE user_id = ?`, id).Scan(
		&p.ID, &p.UserName, &p.PreferredName,
		&likes, &dislikes, &notes, &facts,
		&p.Visits, &firstSeen, &lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load profile %q: %w", id, err)
	}

	for _, col := range []struct {
		raw string
		dst any
	}{
		{likes, &p.Likes},
		{dislikes, &p.Dislikes},
		{notes, &p.Notes},
		{facts, &p.Facts},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("sqlite: decode profile %q: %w", id, err)
		}
	}
	if p.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("sqlite: decode profile %q: %w", id, err)
	}
	if p.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("sqlite: decode profile %q: %w", id, err)
	}
	return &p, nil
}

// SaveProfile implements [memory.ProfileBackend]. A blank user name never
// erases a stored one.
func (s *Store) SaveProfile(ctx context.Context, p memory.Profile) error {
	likes, err := encodeJSON(p.Likes, "[]")
	if err != nil {
		return fmt.Errorf("sqlite: encode profile %q: %w", p.ID, err)
	}
	dislikes, err := encodeJSON(p.Dislikes, "[]")
	if err != nil {
		return fmt.Errorf("sqlite: encode profile %q: %w", p.ID, err)
	}
	notes, err := encodeJSON(p.Notes, "[]")
	if err != nil {
		return fmt.Errorf("sqlite: encode profile %q: %w", p.ID, err)
	}
	facts, err := encodeJSON(p.Facts, "[]")
	if err != nil {
		return fmt.Errorf("sqlite: encode profile %q: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guest_memory (user_id, user_name, preferred_name, likes, dislikes, notes, facts,
		                          visits, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name = CASE WHEN excluded.user_name = '' THEN guest_memory.user_name ELSE excluded.user_name END,
			preferred_name = CASE WHEN excluded.preferred_name = '' THEN guest_memory.preferred_name ELSE excluded.preferred_name END,
			likes = excluded.likes,
			dislikes = excluded.dislikes,
			notes = excluded.notes,
			facts = excluded.facts,
			visits = excluded.visits,
			last_seen_at = excluded.last_seen_at`,
		p.ID, p.UserName, p.PreferredName, likes, dislikes, notes, facts,
		p.Visits, formatTime(p.FirstSeen), formatTime(p.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save profile %q: %w", p.ID, err)
	}
	return nil
}

// History implements [memory.HistoryStore] over the chat_history table.
type History struct {
	db  *sql.DB
	cap int
}

// Append implements [memory.HistoryStore].
func (h *History) Append(ctx context.Context, userID string, turns ...memory.Turn) error {
	if userID == "" {
		return memory.ErrNoUserID
	}
	if len(turns) == 0 {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: append history: %w", err)
	}
	defer tx.Rollback()

	for _, t := range turns {
		at := t.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_history (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			userID, t.Role, t.Content, formatTime(at),
		); err != nil {
			return fmt.Errorf("sqlite: append history: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_history
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM chat_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)`, userID, userID, h.cap); err != nil {
		return fmt.Errorf("sqlite: trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: append history: %w", err)
	}
	return nil
}

// Recent implements [memory.HistoryStore].
func (h *History) Recent(ctx context.Context, userID string, n int) ([]memory.Turn, error) {
	if n <= 0 || n > h.cap {
		n = h.cap
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM chat_history
			WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent history: %w", err)
	}
	defer rows.Close()

	turns := []memory.Turn{}
	for rows.Next() {
		var (
			t  memory.Turn
			at string
		)
		if err := rows.Scan(&t.Role, &t.Content, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan history: %w", err)
		}
		if t.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("sqlite: scan history: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: recent history: %w", err)
	}
	return turns, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
