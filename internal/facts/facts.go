// Package facts mines structured guest facts from chat messages.
//
// An [Extractor] is an ordered list of [Rule] values. Each rule pairs a regular
// expression with a constructor that turns a match into a fact value. All rules
// run against the input, so a single message may produce several facts, e.g.
// "My name is Jaden and I love boats" yields a name and a preference.
//
// Extraction is pure: no I/O, no shared mutable state, safe for concurrent use.
package facts

import (
	"regexp"
	"strings"
)

// Type classifies a [Fact].
type Type string

const (
	// TypeName is a name the guest asked to be called.
	TypeName Type = "name"

	// TypePreference is something the guest likes or loves.
	TypePreference Type = "preference"

	// TypeDislike is something the guest does not like.
	TypeDislike Type = "dislike"

	// TypeIntention is a plan for a future visit.
	TypeIntention Type = "intention"

	// TypeNote is a free-form note. No default rule produces it.
	TypeNote Type = "note"
)

// IsValid reports whether t is one of the known fact types.
func (t Type) IsValid() bool {
	switch t {
	case TypeName, TypePreference, TypeDislike, TypeIntention, TypeNote:
		return true
	}
	return false
}

// Fact is one piece of information extracted from a single conversation turn.
type Fact struct {
	Type   Type   `json:"type"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

// Rule maps a pattern to a fact type. Build receives the submatches of one
// pattern match and returns the fact value; an empty value discards the match.
// When Build is nil the first capture group is used.
type Rule struct {
	Type    Type
	Pattern *regexp.Regexp
	Build   func(match []string) string
}

var (
	nameRe = regexp.MustCompile(`(?i)\bmy name is\s+([a-z0-9][a-z0-9 \-]{1,39}?)(?:\s+and\b|\s*[.!?,;:]|\s*$)`)

	// callMeRe only accepts capitalised words, so "call me back" and
	// "call me when it's ready" are not names.
	callMeRe = regexp.MustCompile(`\b(?i:call me)\s+(\p{Lu}[\p{L}'\-]+(?: \p{Lu}[\p{L}'\-]+){0,2})\b`)

	preferenceRe = regexp.MustCompile(`(?i)\bi (?:really |also )?(?:like|love|adore)\s+([^.!?\n]+)`)

	dislikeRe = regexp.MustCompile(`(?i)\bi (?:really )?(?:don['’]t like|do not like|dislike|hate)\s+([^.!?\n]+)`)

	intentionRe = regexp.MustCompile(`(?i)\bnext time (?:i['’]m|i am|im) (?:here|back)\b[\s,]*([^.!?\n]+)`)

	intentLeadRe = regexp.MustCompile(`(?i)^(?:i want(?: to)?|i['’]d like(?: to)?|i would like(?: to)?|i['’]ll|i will)\s+`)
)

// DefaultRules returns the built-in rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Type: TypeName, Pattern: nameRe},
		{Type: TypeName, Pattern: callMeRe, Build: buildCallMe},
		{Type: TypePreference, Pattern: preferenceRe},
		{Type: TypeDislike, Pattern: dislikeRe},
		{Type: TypeIntention, Pattern: intentionRe, Build: buildIntention},
	}
}

// notNames are words that follow "call me" in ordinary requests.
var notNames = map[string]struct{}{
	"back": {}, "later": {}, "when": {}, "whenever": {}, "if": {}, "tomorrow": {},
	"today": {}, "tonight": {}, "now": {}, "soon": {}, "again": {}, "anytime": {},
	"asap": {}, "please": {}, "maybe": {}, "at": {}, "on": {}, "after": {},
	"before": {}, "what": {}, "whatever": {}, "how": {}, "why": {}, "where": {},
	"who": {}, "sometime": {}, "once": {}, "in": {}, "the": {}, "a": {}, "an": {},
}

func buildCallMe(match []string) string {
	if len(match) < 2 {
		return ""
	}
	for _, w := range strings.Fields(match[1]) {
		if _, stop := notNames[strings.ToLower(w)]; stop {
			return ""
		}
	}
	return match[1]
}

func buildIntention(match []string) string {
	if len(match) < 2 {
		return ""
	}
	return intentLeadRe.ReplaceAllString(strings.TrimSpace(match[1]), "")
}

// Extractor applies an ordered list of rules to a message.
type Extractor struct {
	rules []Rule
}

// NewExtractor returns an Extractor using rules, or [DefaultRules] when none
// are given.
func NewExtractor(rules ...Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Extractor{rules: rules}
}

// Extract returns every fact found in text, in rule order and then in match
// order. Values are trimmed and de-duplicated case-insensitively per type.
// The result is never nil.
func (e *Extractor) Extract(text string) []Fact {
	out := []Fact{}
	if strings.TrimSpace(text) == "" {
		return out
	}

	seen := make(map[string]struct{})
	for _, r := range e.rules {
		for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
			var value string
			switch {
			case r.Build != nil:
				value = r.Build(m)
			case len(m) > 1:
				value = m[1]
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			key := string(r.Type) + "\x00" + strings.ToLower(value)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Fact{Type: r.Type, Value: value})
		}
	}
	return out
}

// ExtractTurn mines a full turn. Only the guest's message is a source of
// facts; the assistant reply is accepted so callers can pass whole turns.
func (e *Extractor) ExtractTurn(user, _ string) []Fact {
	return e.Extract(user)
}
