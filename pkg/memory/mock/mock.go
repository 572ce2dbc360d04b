// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	backend := mock.NewProfileBackend()
//	backend.LoadErr = errors.New("db down")
//
//	// inject backend into the system under test …
//
//	if got := backend.CallCount("LoadProfile"); got != 1 {
//	    t.Errorf("expected 1 LoadProfile call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/callidora/calli/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is embedded by every mock to share call bookkeeping.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ProfileBackend mock
// ─────────────────────────────────────────────────────────────────────────────

// ProfileBackend is a map-backed test double for [memory.ProfileBackend].
// Saved profiles are returned by later loads unless LoadErr is set.
type ProfileBackend struct {
	recorder

	profiles map[string]memory.Profile

	// LoadErr is returned by [ProfileBackend.LoadProfile] when non-nil.
	LoadErr error

	// SaveErr is returned by [ProfileBackend.SaveProfile] when non-nil.
	// The profile is not stored in that case.
	SaveErr error

	// CloseErr is returned by [ProfileBackend.Close] when non-nil.
	CloseErr error
}

var _ memory.ProfileBackend = (*ProfileBackend)(nil)

// NewProfileBackend returns an empty ProfileBackend.
func NewProfileBackend() *ProfileBackend {
	return &ProfileBackend{profiles: make(map[string]memory.Profile)}
}

// LoadProfile implements [memory.ProfileBackend].
func (m *ProfileBackend) LoadProfile(_ context.Context, id string) (*memory.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LoadProfile", id)
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SaveProfile implements [memory.ProfileBackend].
func (m *ProfileBackend) SaveProfile(_ context.Context, p memory.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveProfile", p)
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.profiles == nil {
		m.profiles = make(map[string]memory.Profile)
	}
	m.profiles[p.ID] = p
	return nil
}

// Close implements [memory.ProfileBackend].
func (m *ProfileBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	return m.CloseErr
}

// Put stores p directly, bypassing call recording.
func (m *ProfileBackend) Put(p memory.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = make(map[string]memory.Profile)
	}
	m.profiles[p.ID] = p
}

// ─────────────────────────────────────────────────────────────────────────────
// HistoryStore mock
// ─────────────────────────────────────────────────────────────────────────────

// HistoryStore is a test double for [memory.HistoryStore].
type HistoryStore struct {
	recorder

	turns map[string][]memory.Turn

	// AppendErr is returned by [HistoryStore.Append] when non-nil.
	AppendErr error

	// RecentErr is returned by [HistoryStore.Recent] when non-nil.
	RecentErr error
}

var _ memory.HistoryStore = (*HistoryStore)(nil)

// Append implements [memory.HistoryStore]. Turns are kept without a cap.
func (m *HistoryStore) Append(_ context.Context, userID string, turns ...memory.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Append", userID, turns)
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.turns == nil {
		m.turns = make(map[string][]memory.Turn)
	}
	m.turns[userID] = append(m.turns[userID], turns...)
	return nil
}

// Recent implements [memory.HistoryStore].
func (m *HistoryStore) Recent(_ context.Context, userID string, n int) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Recent", userID, n)
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	tail := memory.TailTurns(m.turns[userID], n)
	out := make([]memory.Turn, len(tail))
	copy(out, tail)
	return out, nil
}
