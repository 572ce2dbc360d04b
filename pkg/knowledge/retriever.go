package knowledge

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultTopN is how many documents Retrieve concatenates when TopN is unset.
	DefaultTopN = 4

	// DefaultBudget is the snippet character budget when Budget is unset.
	DefaultBudget = 8000

	// BrandBonus is added to a document's score when both the query and the
	// document URL mention the brand.
	BrandBonus = 5

	minTokenLen = 3
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {},
	"your": {}, "with": {}, "have": {}, "this": {}, "that": {}, "from": {},
	"they": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"how": {}, "can": {}, "does": {}, "about": {}, "there": {}, "their": {},
	"would": {}, "could": {}, "should": {}, "will": {}, "any": {}, "all": {},
	"was": {}, "were": {}, "been": {}, "has": {}, "had": {}, "its": {},
	"into": {}, "our": {}, "out": {}, "just": {}, "like": {}, "some": {},
	"tell": {}, "please": {}, "want": {}, "know": {}, "hey": {}, "hello": {},
}

// Scored pairs a document with its keyword-overlap score.
type Scored struct {
	Document
	Score int
}

// Retriever ranks documents by naive keyword overlap with a query.
// The zero value is usable and applies the package defaults.
type Retriever struct {
	// TopN caps how many documents Retrieve includes.
	TopN int

	// Budget caps the length of the Retrieve result in characters.
	Budget int

	// Brand, when set, earns documents whose URL contains it a bonus for
	// queries that also mention it (case-insensitive).
	Brand string
}

// Tokenize splits query into lowercase words of at least three characters
// with stop words removed. Each word appears once, in first-seen order.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < minTokenLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Rank scores every document against query and returns those with a positive
// score, highest first. Documents with equal scores keep their input order.
func (r Retriever) Rank(query string, docs []Document) []Scored {
	tokens := Tokenize(query)
	brand := strings.ToLower(strings.TrimSpace(r.Brand))
	brandQuery := brand != "" && strings.Contains(strings.ToLower(query), brand)

	var out []Scored
	for _, d := range docs {
		haystack := strings.ToLower(d.Title + " " + d.Content)
		score := 0
		for _, t := range tokens {
			if strings.Contains(haystack, t) {
				score++
			}
		}
		if brandQuery && strings.Contains(strings.ToLower(d.URL), brand) {
			score += BrandBonus
		}
		if score > 0 {
			out = append(out, Scored{Document: d, Score: score})
		}
	}

	slices.SortStableFunc(out, func(a, b Scored) int {
		return b.Score - a.Score
	})
	return out
}

// Retrieve returns the top-ranked documents as "Source: <url>\n<content>"
// blocks separated by a blank line, cut to the character budget. It returns
// "" when no document matches.
func (r Retriever) Retrieve(query string, docs []Document) string {
	ranked := r.Rank(query, docs)
	if len(ranked) == 0 {
		return ""
	}

	topN := r.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	blocks := make([]string, 0, len(ranked))
	for _, s := range ranked {
		blocks = append(blocks, "Source: "+s.URL+"\n"+strings.TrimSpace(s.Content))
	}
	return Truncate(strings.Join(blocks, "\n\n"), r.budget())
}

func (r Retriever) budget() int {
	if r.Budget <= 0 {
		return DefaultBudget
	}
	return r.Budget
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
