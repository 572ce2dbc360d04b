package memory

import (
	"context"
	"slices"
	"sync"
)

// MemProfiles is a process-local [ProfileBackend]. Profiles are lost on
// restart.
type MemProfiles struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

var _ ProfileBackend = (*MemProfiles)(nil)

// NewMemProfiles returns an empty MemProfiles.
func NewMemProfiles() *MemProfiles {
	return &MemProfiles{profiles: make(map[string]Profile)}
}

// LoadProfile implements [ProfileBackend].
func (m *MemProfiles) LoadProfile(_ context.Context, id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := cloneProfile(p)
	return &cp, nil
}

// SaveProfile implements [ProfileBackend].
func (m *MemProfiles) SaveProfile(_ context.Context, p Profile) error {
	if p.ID == "" {
		return ErrNoUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

// Close implements [ProfileBackend].
func (m *MemProfiles) Close() error { return nil }

func cloneProfile(p Profile) Profile {
	p.Likes = slices.Clone(p.Likes)
	p.Dislikes = slices.Clone(p.Dislikes)
	p.Notes = slices.Clone(p.Notes)
	p.Facts = slices.Clone(p.Facts)
	return p
}
