package memory

import (
	"strings"
	"time"
)

// Fact kinds understood by [Store.Merge]. The fact extractor emits the same
// strings.
const (
	FactName       = "name"
	FactPreference = "preference"
	FactDislike    = "dislike"
	FactIntention  = "intention"
	FactNote       = "note"
)

// Fact is one extracted statement about a guest, kept on the profile in the
// order it was learned.
type Fact struct {
	// Type is one of the Fact* kinds. Unknown kinds are kept in Facts but do
	// not populate any category.
	Type string `json:"type"`

	// Value is the extracted text, trimmed.
	Value string `json:"value"`

	// Source identifies the chat turn the fact came from.
	Source string `json:"source,omitempty"`
}

// Profile is everything remembered about one guest.
//
// Updates are merge-only: category lists grow, they never shrink. Visits and
// LastSeen are the only fields that are overwritten.
type Profile struct {
	// ID is the external identity key (avatar name or UUID).
	ID string `json:"id"`

	// UserName is the display name the client reported.
	UserName string `json:"userName,omitempty"`

	// PreferredName is the name the guest asked to be called.
	PreferredName string `json:"preferredName,omitempty"`

	Likes    []string `json:"likes"`
	Dislikes []string `json:"dislikes"`
	Notes    []string `json:"notes"`
	Facts    []Fact   `json:"facts"`

	// Visits counts chat requests seen for this guest.
	Visits int `json:"visits"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// NewProfile returns an empty profile for id with both timestamps set to now.
func NewProfile(id, userName string, now time.Time) Profile {
	return Profile{
		ID:        id,
		UserName:  userName,
		Likes:     []string{},
		Dislikes:  []string{},
		Notes:     []string{},
		Facts:     []Fact{},
		FirstSeen: now,
		LastSeen:  now,
	}
}

// DisplayName returns the name the assistant should address the guest by.
func (p Profile) DisplayName() string {
	if p.PreferredName != "" {
		return p.PreferredName
	}
	return p.UserName
}

// IsEmpty reports whether nothing beyond identity has been learned yet.
func (p Profile) IsEmpty() bool {
	return p.PreferredName == "" && len(p.Likes) == 0 && len(p.Dislikes) == 0 && len(p.Notes) == 0
}

// Turn is one stored conversation message.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at,omitempty"`
}

// TailTurns returns the last n turns of turns. n <= 0 returns all of them.
func TailTurns(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// appendUnique appends v to list unless an equal entry (after trimming)
// already exists.
func appendUnique(list []string, v string) ([]string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return list, false
	}
	for _, have := range list {
		if strings.TrimSpace(have) == v {
			return list, false
		}
	}
	return append(list, v), true
}
