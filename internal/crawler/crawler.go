// Package crawler fetches pages from the business website and turns them into
// knowledge documents.
//
// A crawl is a breadth-first walk from a seed URL that follows links on the
// allowed domain only, waits a fixed delay between pages and stops after a
// page cap. Results are merged into a [knowledge.FileStore] by URL. The same
// fetch path serves ad hoc lookups of URLs a guest mentions in chat.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/callidora/calli/pkg/knowledge"
)

// Defaults applied by [New].
const (
	DefaultSeedURL    = "https://www.callidoradesigns.com/"
	DefaultDomain     = "callidoradesigns.com"
	DefaultMaxPages   = 40
	DefaultDelay      = 300 * time.Millisecond
	DefaultMinText    = 200
	DefaultMaxContent = 12000
	DefaultUserAgent  = "CalliCrawler/1.0"

	maxBodyBytes = 4 << 20
)

// ErrNotHTML is returned by [Crawler.FetchDocument] for non-HTML responses.
var ErrNotHTML = errors.New("crawler: response is not html")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("crawler: %s returned status %d", e.URL, e.StatusCode)
}

// Stats summarises one crawl.
type Stats struct {
	Visited  int
	Captured int
	Skipped  int
	Failed   int
	Added    int
	Replaced int
}

// Crawler walks the website. It is safe for concurrent use; concurrent crawls
// do not share state.
type Crawler struct {
	client       *http.Client
	allowPrivate bool
	seed         string
	domain       string
	maxPages     int
	delay        time.Duration
	minText      int
	maxContent   int
	userAgent    string
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a [Crawler].
type Option func(*Crawler)

// WithHTTPClient replaces the HTTP client. The replacement does not refuse
// non-public addresses.
func WithHTTPClient(c *http.Client) Option { return func(cr *Crawler) { cr.client = c } }

// WithPrivateNetworks lets the default client connect to loopback and private
// addresses, for sites hosted on an internal network.
func WithPrivateNetworks(allow bool) Option { return func(cr *Crawler) { cr.allowPrivate = allow } }

// WithSeedURL sets the URL the crawl starts from.
func WithSeedURL(u string) Option { return func(cr *Crawler) { cr.seed = u } }

// WithDomain restricts followed links to domain and its subdomains. An empty
// domain uses the seed URL's host.
func WithDomain(domain string) Option { return func(cr *Crawler) { cr.domain = domain } }

// WithMaxPages caps how many documents one crawl captures.
func WithMaxPages(n int) Option { return func(cr *Crawler) { cr.maxPages = n } }

// WithDelay sets the pause between page fetches.
func WithDelay(d time.Duration) Option { return func(cr *Crawler) { cr.delay = d } }

// WithMinText sets the minimum text length for a page to be kept.
func WithMinText(n int) Option { return func(cr *Crawler) { cr.minText = n } }

// WithMaxContent caps the stored text per document, in characters.
func WithMaxContent(n int) Option { return func(cr *Crawler) { cr.maxContent = n } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option { return func(cr *Crawler) { cr.userAgent = ua } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(cr *Crawler) { cr.logger = l } }

// WithClock replaces the time source used for [knowledge.Document.LastSeen].
func WithClock(now func() time.Time) Option { return func(cr *Crawler) { cr.now = now } }

// New returns a Crawler with the package defaults, modified by opts.
func New(opts ...Option) *Crawler {
	c := &Crawler{
		seed:       DefaultSeedURL,
		domain:     DefaultDomain,
		maxPages:   DefaultMaxPages,
		delay:      DefaultDelay,
		minText:    DefaultMinText,
		maxContent: DefaultMaxContent,
		userAgent:  DefaultUserAgent,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.client == nil {
		c.client = newHTTPClient(c.allowPrivate)
	}
	return c
}

// Crawl walks the site breadth-first from the seed URL and returns the
// captured documents in visit order. Pages that fail, answer with a non-2xx
// status or carry too little text are skipped, but their failure never aborts
// the crawl. Only an invalid seed or a cancelled ctx returns an error.
func (c *Crawler) Crawl(ctx context.Context) ([]knowledge.Document, Stats, error) {
	var stats Stats

	seed, err := url.Parse(c.seed)
	if err != nil || seed.Host == "" {
		return nil, stats, fmt.Errorf("crawler: invalid seed url %q", c.seed)
	}
	allow := c.allowFunc(seed)

	queue := []string{seed.String()}
	queued := map[string]struct{}{seed.String(): {}}
	visited := make(map[string]struct{})
	var docs []knowledge.Document

	for len(queue) > 0 && len(docs) < c.maxPages {
		if err := ctx.Err(); err != nil {
			return docs, stats, fmt.Errorf("crawler: %w", err)
		}

		target := queue[0]
		queue = queue[1:]
		if _, ok := visited[target]; ok {
			continue
		}
		visited[target] = struct{}{}
		stats.Visited++

		c.logger.DebugContext(ctx, "crawler: fetching", "url", target)
		doc, page, err := c.fetch(ctx, target, allow)
		if err != nil {
			if ctx.Err() != nil {
				return docs, stats, fmt.Errorf("crawler: %w", ctx.Err())
			}
			stats.Failed++
			c.logger.WarnContext(ctx, "crawler: skipping page", "url", target, "err", err)
			continue
		}

		if utf8.RuneCountInString(doc.Content) < c.minText {
			stats.Skipped++
			c.logger.DebugContext(ctx, "crawler: too little text", "url", target, "chars", utf8.RuneCountInString(doc.Content))
		} else {
			stats.Captured++
			docs = append(docs, doc)
		}

		for _, link := range page.Links {
			if _, ok := visited[link]; ok {
				continue
			}
			if _, ok := queued[link]; ok {
				continue
			}
			queued[link] = struct{}{}
			queue = append(queue, link)
		}

		if c.delay > 0 {
			select {
			case <-ctx.Done():
				return docs, stats, fmt.Errorf("crawler: %w", ctx.Err())
			case <-time.After(c.delay):
			}
		}
	}
	return docs, stats, nil
}

// Run crawls the site and merges the captured documents into store, replacing
// documents with the same URL, then saves the store.
func (c *Crawler) Run(ctx context.Context, store *knowledge.FileStore) (Stats, error) {
	docs, stats, err := c.Crawl(ctx)
	if err != nil {
		return stats, err
	}
	stats.Added, stats.Replaced = store.Upsert(docs...)
	if err := store.Save(); err != nil {
		return stats, fmt.Errorf("crawler: %w", err)
	}
	c.logger.InfoContext(ctx, "crawler: crawl finished",
		"visited", stats.Visited,
		"captured", stats.Captured,
		"added", stats.Added,
		"replaced", stats.Replaced,
		"total", store.Len(),
	)
	return stats, nil
}

// FetchDocument fetches a single page on any public host and returns it as a
// document. Use [Crawler.InSite] to decide whether the page belongs in the
// shared knowledge store. The minimum-text rule does not apply, but a page without any text
// is an error.
func (c *Crawler) FetchDocument(ctx context.Context, rawURL string) (knowledge.Document, error) {
	doc, _, err := c.fetch(ctx, rawURL, nil)
	if err != nil {
		return knowledge.Document{}, err
	}
	if doc.Content == "" {
		return knowledge.Document{}, fmt.Errorf("crawler: %s has no text", rawURL)
	}
	return doc, nil
}

func (c *Crawler) fetch(ctx context.Context, rawURL string, allow func(string) bool) (knowledge.Document, Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return knowledge.Document{}, Page{}, fmt.Errorf("crawler: invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return knowledge.Document{}, Page{}, fmt.Errorf("crawler: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := c.client.Do(req)
	if err != nil {
		return knowledge.Document{}, Page{}, fmt.Errorf("crawler: get %s: %w", rawURL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return knowledge.Document{}, Page{}, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return knowledge.Document{}, Page{}, fmt.Errorf("%w: %s", ErrNotHTML, rawURL)
	}

	page, err := ParsePage(resp.Request.URL, io.LimitReader(resp.Body, maxBodyBytes), allow)
	if err != nil {
		return knowledge.Document{}, Page{}, fmt.Errorf("crawler: parse %s: %w", rawURL, err)
	}

	return knowledge.Document{
		URL:      rawURL,
		Domain:   u.Hostname(),
		Title:    page.Title,
		Content:  knowledge.Truncate(page.Text, c.maxContent),
		LastSeen: c.now().UTC(),
	}, page, nil
}

// InSite reports whether rawURL is on the crawled domain.
func (c *Crawler) InSite(rawURL string) bool {
	seed, err := url.Parse(c.seed)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	return c.allowFunc(seed)(u.Hostname())
}

func (c *Crawler) allowFunc(seed *url.URL) func(string) bool {
	domain := strings.ToLower(strings.TrimSpace(c.domain))
	if domain == "" {
		domain = strings.TrimPrefix(strings.ToLower(seed.Hostname()), "www.")
	}
	return func(host string) bool {
		host = strings.ToLower(host)
		return host == domain || strings.HasSuffix(host, "."+domain)
	}
}

// isHTML accepts a missing content type as HTML.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
