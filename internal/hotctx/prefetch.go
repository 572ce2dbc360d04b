package hotctx

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/callidora/calli/pkg/knowledge"
)

// URLFetcher retrieves a single page as a knowledge document and tells
// whether a URL belongs to the business site. *crawler.Crawler satisfies it.
type URLFetcher interface {
	FetchDocument(ctx context.Context, url string) (knowledge.Document, error)
	InSite(url string) bool
}

// MaxCachedURLs bounds the pre-fetch cache. The oldest entry is evicted first.
const MaxCachedURLs = 256

// URLResult is the outcome of fetching one URL the guest mentioned.
type URLResult struct {
	URL      string
	Document knowledge.Document

	// Err describes why the fetch failed; empty on success.
	Err string
}

var urlRe = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

// MentionedURLs returns the distinct http(s) URLs in message, in order, with
// trailing punctuation removed.
func MentionedURLs(message string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range urlRe.FindAllString(message, -1) {
		u := strings.TrimRight(m, ".,;:!?")
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// PreFetcher fetches pages for URLs a guest mentions and caches them, so a
// URL asked about twice is fetched once while it stays cached. Pages on the
// business site are also merged into the knowledge store when one is
// configured; pages on other hosts only reach the current request.
//
// All exported methods are goroutine-safe.
type PreFetcher struct {
	fetcher URLFetcher
	store   *knowledge.FileStore
	maxURLs int
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]knowledge.Document
	order []string
}

// NewPreFetcher creates a [PreFetcher]. store may be nil. At most maxURLs
// URLs are fetched per message (defaults to 3 when <= 0).
func NewPreFetcher(fetcher URLFetcher, store *knowledge.FileStore, maxURLs int, logger *slog.Logger) *PreFetcher {
	if maxURLs <= 0 {
		maxURLs = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreFetcher{
		fetcher: fetcher,
		store:   store,
		maxURLs: maxURLs,
		logger:  logger,
		cache:   make(map[string]knowledge.Document),
	}
}

// ProcessMessage fetches the URLs mentioned in message. Cached URLs are served
// from memory. Fetch errors are reported in [URLResult.Err] and never block
// the reply.
func (p *PreFetcher) ProcessMessage(ctx context.Context, message string) []URLResult {
	urls := MentionedURLs(message)
	if len(urls) == 0 {
		return nil
	}
	if len(urls) > p.maxURLs {
		urls = urls[:p.maxURLs]
	}

	results := make([]URLResult, 0, len(urls))
	var fresh []knowledge.Document
	for _, u := range urls {
		p.mu.RLock()
		doc, cached := p.cache[u]
		p.mu.RUnlock()
		if cached {
			results = append(results, URLResult{URL: u, Document: doc})
			continue
		}

		doc, err := p.fetcher.FetchDocument(ctx, u)
		if err != nil {
			p.logger.WarnContext(ctx, "pre-fetch: fetch mentioned url failed", "url", u, "err", err)
			results = append(results, URLResult{URL: u, Err: err.Error()})
			continue
		}

		p.remember(u, doc)
		if p.fetcher.InSite(u) {
			fresh = append(fresh, doc)
		}
		results = append(results, URLResult{URL: u, Document: doc})
	}

	if p.store != nil && len(fresh) > 0 {
		p.store.Upsert(fresh...)
		if err := p.store.Save(); err != nil {
			p.logger.WarnContext(ctx, "pre-fetch: save knowledge failed", "err", err)
		}
	}
	return results
}

func (p *PreFetcher) remember(u string, doc knowledge.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cache[u]; !ok {
		p.order = append(p.order, u)
	}
	p.cache[u] = doc
	for len(p.order) > MaxCachedURLs {
		delete(p.cache, p.order[0])
		p.order = p.order[1:]
	}
}

// Cached returns the documents currently cached.
func (p *PreFetcher) Cached() []knowledge.Document {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]knowledge.Document, 0, len(p.cache))
	for _, d := range p.cache {
		out = append(out, d)
	}
	return out
}

// Reset clears the cache.
func (p *PreFetcher) Reset() {
	p.mu.Lock()
	p.cache = make(map[string]knowledge.Document)
	p.order = nil
	p.mu.Unlock()
}
