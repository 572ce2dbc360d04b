// Package memory defines guest memory for the Calli concierge.
//
// Two storage concerns are kept apart:
//
//   - [ProfileBackend]: one [Profile] per guest id (name, likes, dislikes,
//     notes, visit counter). Backends live in the postgres, sqlite and file
//     sub-packages.
//   - [HistoryStore]: a bounded, append-only tail of conversation turns per
//     guest.
//
// [Store] layers the merge semantics on top of a ProfileBackend and serialises
// read-modify-write cycles per guest id, so two concurrent requests from the
// same guest cannot drop each other's facts.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNoUserID is returned when an operation is called without a guest id.
var ErrNoUserID = errors.New("memory: user id is required")

// DefaultHistoryCap is the number of turns kept per guest when no cap is set.
const DefaultHistoryCap = 20

// ProfileBackend persists guest profiles.
type ProfileBackend interface {
	// LoadProfile returns the profile stored under id.
	// Returns (nil, nil) when no profile exists.
	LoadProfile(ctx context.Context, id string) (*Profile, error)

	// SaveProfile writes p, replacing any stored profile with the same ID.
	SaveProfile(ctx context.Context, p Profile) error

	// Close releases resources held by the backend.
	Close() error
}

// HistoryStore keeps the recent conversation tail for each guest.
type HistoryStore interface {
	// Append adds turns to the end of the guest's history and trims the
	// history to the store's cap.
	Append(ctx context.Context, userID string, turns ...Turn) error

	// Recent returns up to n of the newest turns, oldest first.
	// Returns an empty (non-nil) slice when there is no history.
	Recent(ctx context.Context, userID string, n int) ([]Turn, error)
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithClock replaces the time source used for FirstSeen and LastSeen.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store applies merge-only updates to guest profiles.
type Store struct {
	backend ProfileBackend
	locks   keyedMutex
	now     func() time.Time
}

// NewStore wraps backend. The backend is owned by the caller.
func NewStore(backend ProfileBackend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the profile for userID, creating and saving an empty one when
// none exists. Creation is the only path that sets FirstSeen.
func (s *Store) Get(ctx context.Context, userID, fallbackName string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrNoUserID
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	p, created, err := s.loadOrCreate(ctx, userID, fallbackName)
	if err != nil {
		return Profile{}, err
	}
	if created {
		if err := s.backend.SaveProfile(ctx, p); err != nil {
			return p, fmt.Errorf("memory: save new profile %q: %w", userID, err)
		}
	}
	return p, nil
}

// Merge folds facts into the guest's profile and returns the result.
//
// Each fact is appended to its category unless an equal trimmed value is
// already there. A name fact replaces PreferredName. LastSeen is updated even
// when no fact changes anything.
func (s *Store) Merge(ctx context.Context, userID string, facts []Fact) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrNoUserID
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	p, _, err := s.loadOrCreate(ctx, userID, "")
	if err != nil {
		return Profile{}, err
	}

	for _, f := range facts {
		applyFact(&p, f)
	}
	p.LastSeen = s.timestamp()

	if err := s.backend.SaveProfile(ctx, p); err != nil {
		return p, fmt.Errorf("memory: merge %q: %w", userID, err)
	}
	return p, nil
}

// RecordVisit increments the visit counter, refreshes LastSeen and records
// userName when it is non-empty.
func (s *Store) RecordVisit(ctx context.Context, userID, userName string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrNoUserID
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	p, _, err := s.loadOrCreate(ctx, userID, userName)
	if err != nil {
		return Profile{}, err
	}
	p.Visits++
	p.LastSeen = s.timestamp()
	if userName = strings.TrimSpace(userName); userName != "" {
		p.UserName = userName
	}

	if err := s.backend.SaveProfile(ctx, p); err != nil {
		return p, fmt.Errorf("memory: record visit %q: %w", userID, err)
	}
	return p, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// loadOrCreate must be called with the key lock held.
func (s *Store) loadOrCreate(ctx context.Context, userID, fallbackName string) (Profile, bool, error) {
	stored, err := s.backend.LoadProfile(ctx, userID)
	if err != nil {
		return Profile{}, false, fmt.Errorf("memory: load %q: %w", userID, err)
	}
	if stored != nil {
		return *stored, false, nil
	}
	return NewProfile(userID, strings.TrimSpace(fallbackName), s.timestamp()), true, nil
}

// timestamp truncates to microseconds so values survive a round trip through
// every backend unchanged.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func applyFact(p *Profile, f Fact) {
	value := strings.TrimSpace(f.Value)
	if value == "" {
		return
	}

	switch f.Type {
	case FactName:
		p.PreferredName = value
	case FactPreference:
		p.Likes, _ = appendUnique(p.Likes, value)
	case FactDislike:
		p.Dislikes, _ = appendUnique(p.Dislikes, value)
	case FactIntention, FactNote:
		p.Notes, _ = appendUnique(p.Notes, value)
	}

	for _, have := range p.Facts {
		if have.Type == f.Type && strings.TrimSpace(have.Value) == value {
			return
		}
	}
	p.Facts = append(p.Facts, Fact{Type: f.Type, Value: value, Source: f.Source})
}

// Summary renders p as the memory context block of a prompt.
func Summary(p Profile) string {
	var sb strings.Builder
	sb.WriteString("Guest memory:")

	if name := p.DisplayName(); name != "" {
		fmt.Fprintf(&sb, "\n- Name: %s", name)
		if p.PreferredName != "" && p.UserName != "" && p.PreferredName != p.UserName {
			fmt.Fprintf(&sb, " (display name %s)", p.UserName)
		}
	}
	if p.Visits > 0 {
		fmt.Fprintf(&sb, "\n- Visits: %d", p.Visits)
		if !p.FirstSeen.IsZero() {
			fmt.Fprintf(&sb, " (first seen %s)", p.FirstSeen.Format("2006-01-02"))
		}
	}
	if len(p.Likes) > 0 {
		fmt.Fprintf(&sb, "\n- Likes: %s", strings.Join(p.Likes, "; "))
	}
	if len(p.Dislikes) > 0 {
		fmt.Fprintf(&sb, "\n- Dislikes: %s", strings.Join(p.Dislikes, "; "))
	}
	if len(p.Notes) > 0 {
		fmt.Fprintf(&sb, "\n- Notes: %s", strings.Join(p.Notes, "; "))
	}
	if p.IsEmpty() {
		sb.WriteString("\n- Nothing remembered about this guest yet.")
	}
	return sb.String()
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
