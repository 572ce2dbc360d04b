// Package file persists guest memory as JSON files on local disk.
//
// Profiles live in one object keyed by guest id (guestProfiles.json) and chat
// history in another (chatMemory.json). Every write replaces the whole file
// atomically, so a crash mid-write leaves the previous version intact. A
// malformed file is treated as empty rather than failing startup.
//
// The in-process mutex serialises writers within one process only; running
// two processes against the same files is not supported.
package file

import (
	"context"
	"fmt"
	"sync"

	"github.com/callidora/calli/pkg/memory"
)

// ProfilesFileName is the conventional file name for the profile map.
const ProfilesFileName = "guestProfiles.json"

var _ memory.ProfileBackend = (*Profiles)(nil)

// Profiles implements [memory.ProfileBackend] over a JSON file.
type Profiles struct {
	path string

	mu       sync.Mutex
	profiles map[string]memory.Profile
}

// OpenProfiles loads the profile map at path.
func OpenProfiles(path string) (*Profiles, error) {
	m, err := readJSONMap[memory.Profile](path)
	if err != nil {
		return nil, fmt.Errorf("file profiles: %w", err)
	}
	for id, p := range m {
		if p.ID == "" {
			p.ID = id
			m[id] = p
		}
	}
	return &Profiles{path: path, profiles: m}, nil
}

// LoadProfile implements [memory.ProfileBackend].
func (f *Profiles) LoadProfile(_ context.Context, id string) (*memory.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := clone(p)
	return &cp, nil
}

// SaveProfile implements [memory.ProfileBackend]. The whole map is rewritten.
func (f *Profiles) SaveProfile(_ context.Context, p memory.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, existed := f.profiles[p.ID]
	if p.UserName == "" && existed {
		p.UserName = prev.UserName
	}
	f.profiles[p.ID] = clone(p)
	if err := writeJSONAtomic(f.path, f.profiles); err != nil {
		if existed {
			f.profiles[p.ID] = prev
		} else {
			delete(f.profiles, p.ID)
		}
		return fmt.Errorf("file profiles: save %q: %w", p.ID, err)
	}
	return nil
}

// Close implements [memory.ProfileBackend]. Nothing is buffered, so it only
// exists to satisfy the interface.
func (f *Profiles) Close() error { return nil }

func clone(p memory.Profile) memory.Profile {
	p.Likes = cloneStrings(p.Likes)
	p.Dislikes = cloneStrings(p.Dislikes)
	p.Notes = cloneStrings(p.Notes)
	if p.Facts != nil {
		p.Facts = append([]memory.Fact{}, p.Facts...)
	}
	return p
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}
