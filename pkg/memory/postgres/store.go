// Package postgres provides a PostgreSQL-backed implementation of Calli's guest
// memory: profiles in guest_memory and the conversation tail in chat_history.
//
// Both tables share a single [pgxpool.Pool]. [Migrate] creates them on start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithHistoryCap(40))
//	if err != nil { … }
//	defer store.Close()
//
//	profiles := memory.NewStore(store)
//	history := store.History()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callidora/calli/pkg/memory"
)

var (
	_ memory.ProfileBackend = (*Store)(nil)
	_ memory.HistoryStore   = (*HistoryImpl)(nil)
)

// Store is the PostgreSQL memory backend. It implements
// [memory.ProfileBackend] directly and exposes chat history via
// [Store.History]. All operations are safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	history *HistoryImpl
}

// Option configures a [Store].
type Option func(*options)

type options struct {
	historyCap int
}

// WithHistoryCap sets how many turns are kept per guest in chat_history.
func WithHistoryCap(n int) Option {
	return func(o *options) { o.historyCap = n }
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{historyCap: memory.DefaultHistoryCap}
	for _, fn := range opts {
		fn(&o)
	}
	if o.historyCap <= 0 {
		o.historyCap = memory.DefaultHistoryCap
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:    pool,
		history: &HistoryImpl{pool: pool, cap: o.historyCap},
	}, nil
}

// History returns the chat_history implementation of [memory.HistoryStore].
func (s *Store) History() *HistoryImpl { return s.history }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// LoadProfile implements [memory.ProfileBackend].
// Returns (nil, nil) when no row exists for id.
func (s *Store) LoadProfile(ctx context.Context, id string) (*memory.Profile, error) {
	const q = `
		SELECT user_id, COALESCE(user_name, ''), COALESCE(preferred_name, ''),
		       likes, dislikes, notes, facts, visits, first_seen_at, last_seen_at
		FROM   guest_memory
		WHERE  user_id = $1
		LIMIT  1`

	var (
		p                             memory.Profile
		likes, dislikes, notes, facts []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&p.ID,
		&p.UserName,
		&p.PreferredName,
		&likes,
		&dislikes,
		&notes,
		&facts,
		&p.Visits,
		&p.FirstSeen,
		&p.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("guest memory: load %q: %w", id, err)
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{likes, &p.Likes},
		{dislikes, &p.Dislikes},
		{notes, &p.Notes},
		{facts, &p.Facts},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("guest memory: decode %q: %w", id, err)
		}
	}
	p.FirstSeen = p.FirstSeen.UTC()
	p.LastSeen = p.LastSeen.UTC()
	return &p, nil
}

// SaveProfile implements [memory.ProfileBackend]. The row is upserted; a blank
// user name never erases a stored one.
func (s *Store) SaveProfile(ctx context.Context, p memory.Profile) error {
	const q = `
		INSERT INTO guest_memory
		    (user_id, user_name, preferred_name, likes, dislikes, notes, facts,
		     visits, first_seen_at, last_seen_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb,
		        $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
		    user_name      = COALESCE(EXCLUDED.user_name, guest_memory.user_name),
		    preferred_name = COALESCE(EXCLUDED.preferred_name, guest_memory.preferred_name),
		    likes          = EXCLUDED.likes,
		    dislikes       = EXCLUDED.dislikes,
		    notes          = EXCLUDED.notes,
		    facts          = EXCLUDED.facts,
		    visits         = EXCLUDED.visits,
		    last_seen_at   = EXCLUDED.last_seen_at`

	cols := make([]string, 0, 4)
	for _, v := range []any{nonNil(p.Likes), nonNil(p.Dislikes), nonNil(p.Notes), nonNilFacts(p.Facts)} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("guest memory: encode %q: %w", p.ID, err)
		}
		cols = append(cols, string(b))
	}

	_, err := s.pool.Exec(ctx, q,
		p.ID,
		p.UserName,
		p.PreferredName,
		cols[0],
		cols[1],
		cols[2],
		cols[3],
		p.Visits,
		p.FirstSeen,
		p.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("guest memory: save %q: %w", p.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilFacts(f []memory.Fact) []memory.Fact {
	if f == nil {
		return []memory.Fact{}
	}
	return f
}
