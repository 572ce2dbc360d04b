package crawler_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/callidora/calli/internal/crawler"
	"github.com/callidora/calli/pkg/knowledge"
)

var longText = strings.Repeat("Callidora builds elegant homes and yachts. ", 10)

func testSite(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><title>Home</title><style>body{color:red}</style></head><body>
<script>var secret = "do not index";</script>
<p>%s</p>
<a href="/about">About</a> <a href="/about#team">Team</a>
<a href="/short">Short</a> <a href="/missing">Missing</a> <a href="/brochure.pdf">PDF</a>
<a href="mailto:hi@example.com">Mail</a> <a href="tel:123">Call</a> <a href="#top">Top</a>
<a href="https://elsewhere.example/">Elsewhere</a>
</body></html>`, longText)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<h1>About &amp; Team</h1><p>%s</p><a href="/">Home</a>`, longText)
	})
	mux.HandleFunc("/short", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<p>Tiny page.</p>`)
	})
	mux.HandleFunc("/brochure.pdf", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newCrawler(srv *httptest.Server, opts ...crawler.Option) *crawler.Crawler {
	base := []crawler.Option{
		crawler.WithHTTPClient(srv.Client()),
		crawler.WithSeedURL(srv.URL + "/"),
		crawler.WithDomain(""),
		crawler.WithDelay(0),
		crawler.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	return crawler.New(append(base, opts...)...)
}

func TestParsePage(t *testing.T) {
	base, _ := url.Parse("https://www.callidoradesigns.com/rentals/")
	body := `<html><head><title> Rentals </title><script>x()</script></head>
<body><p>Sea&nbsp;view   homes &amp; <b>boats</b></p><noscript>enable js</noscript>
<a href="skybox">Skybox</a><a href="/rentals/skybox#photos">dup</a>
<a href="https://shop.callidoradesigns.com/">Shop</a><a href="https://evil.example/">x</a>
<a href="javascript:void(0)">js</a></body></html>`

	allow := func(host string) bool { return strings.HasSuffix(host, "callidoradesigns.com") }
	page, err := crawler.ParsePage(base, strings.NewReader(body), allow)
	if err != nil {
		t.Fatalf("ParsePage: %v", err)
	}
	if page.Title != "Rentals" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.Text != "Sea view homes & boats" {
		t.Errorf("Text = %q", page.Text)
	}
	want := []string{
		"https://www.callidoradesigns.com/rentals/skybox",
		"https://shop.callidoradesigns.com/",
	}
	if fmt.Sprint(page.Links) != fmt.Sprint(want) {
		t.Errorf("Links = %v, want %v", page.Links, want)
	}
}

func TestCrawl(t *testing.T) {
	srv, _ := testSite(t)
	docs, stats, err := newCrawler(srv).Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	if len(docs) != 2 {
		t.Fatalf("captured %d docs, want 2: %+v", len(docs), docs)
	}
	if docs[0].URL != srv.URL+"/" || docs[1].URL != srv.URL+"/about" {
		t.Errorf("visit order = %s, %s", docs[0].URL, docs[1].URL)
	}
	if strings.Contains(docs[0].Content, "do not index") || strings.Contains(docs[0].Content, "color:red") {
		t.Error("script or style text leaked into content")
	}
	if docs[0].Title != "Home" || docs[0].Domain != "127.0.0.1" {
		t.Errorf("doc[0] = title %q domain %q", docs[0].Title, docs[0].Domain)
	}
	if !strings.HasPrefix(docs[1].Content, "About & Team") {
		t.Errorf("entities not decoded: %q", docs[1].Content[:20])
	}
	if !docs[0].LastSeen.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("LastSeen = %v", docs[0].LastSeen)
	}

	// /, /about, /short, /missing, /brochure.pdf
	if stats.Visited != 5 || stats.Captured != 2 || stats.Skipped != 1 || stats.Failed != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCrawl_MaxPagesAndContentCap(t *testing.T) {
	srv, _ := testSite(t)
	docs, _, err := newCrawler(srv, crawler.WithMaxPages(1), crawler.WithMaxContent(50)).Crawl(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("captured %d docs, want 1", len(docs))
	}
	if n := utf8.RuneCountInString(docs[0].Content); n != 50 {
		t.Errorf("content length = %d, want 50", n)
	}
}

func TestCrawl_Cancelled(t *testing.T) {
	srv, _ := testSite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := newCrawler(srv).Crawl(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCrawl_InvalidSeed(t *testing.T) {
	_, _, err := crawler.New(crawler.WithSeedURL("not a url")).Crawl(context.Background())
	if err == nil {
		t.Error("expected error for invalid seed")
	}
}

func TestRun_MergesIntoStore(t *testing.T) {
	srv, _ := testSite(t)
	store, err := knowledge.OpenFileStore(filepath.Join(t.TempDir(), knowledge.DefaultFileName))
	if err != nil {
		t.Fatal(err)
	}
	store.Upsert(
		knowledge.Document{URL: "https://kept.example/", Content: "old but kept"},
		knowledge.Document{URL: srv.URL + "/about", Content: "stale"},
	)

	stats, err := newCrawler(srv).Run(context.Background(), store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Added != 1 || stats.Replaced != 1 {
		t.Errorf("stats = %+v, want 1 added 1 replaced", stats)
	}

	reopened, err := knowledge.OpenFileStore(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 3 {
		t.Errorf("stored %d docs, want 3", reopened.Len())
	}
	if d, _ := reopened.Get(srv.URL + "/about"); d.Content == "stale" {
		t.Error("re-crawled document was not replaced")
	}
	if _, ok := reopened.Get("https://kept.example/"); !ok {
		t.Error("existing document lost")
	}
}

func TestFetchDocument(t *testing.T) {
	srv, _ := testSite(t)
	c := newCrawler(srv)

	doc, err := c.FetchDocument(context.Background(), srv.URL+"/short")
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if doc.Content != "Tiny page." {
		t.Errorf("Content = %q", doc.Content)
	}

	_, err = c.FetchDocument(context.Background(), srv.URL+"/missing")
	var se *crawler.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("err = %v, want 404 StatusError", err)
	}

	_, err = c.FetchDocument(context.Background(), srv.URL+"/brochure.pdf")
	if !errors.Is(err, crawler.ErrNotHTML) {
		t.Errorf("err = %v, want ErrNotHTML", err)
	}

	if _, err := c.FetchDocument(context.Background(), "ftp://x.example/file"); err == nil {
		t.Error("expected error for non-http url")
	}
}

func TestFetchDocument_RefusesPrivateAddresses(t *testing.T) {
	srv, hits := testSite(t)
	c := crawler.New(crawler.WithSeedURL(srv.URL + "/"))

	_, err := c.FetchDocument(context.Background(), srv.URL+"/short")
	if !errors.Is(err, crawler.ErrPrivateAddress) {
		t.Fatalf("err = %v, want ErrPrivateAddress", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}

	c = crawler.New(crawler.WithSeedURL(srv.URL+"/"), crawler.WithPrivateNetworks(true))
	if _, err := c.FetchDocument(context.Background(), srv.URL+"/short"); err != nil {
		t.Errorf("with private networks allowed: %v", err)
	}
}

func TestInSite(t *testing.T) {
	t.Parallel()
	c := crawler.New(crawler.WithSeedURL("https://www.callidoradesigns.com/"), crawler.WithDomain("callidoradesigns.com"))

	tests := []struct {
		url  string
		want bool
	}{
		{"https://callidoradesigns.com/", true},
		{"https://www.callidoradesigns.com/rentals", true},
		{"https://shop.CallidoraDesigns.com/x", true},
		{"https://evilcallidoradesigns.com/", false},
		{"https://callidoradesigns.com.attacker.net/", false},
		{"http://10.0.0.5/admin", false},
		{"not a url", false},
	}
	for _, tc := range tests {
		if got := c.InSite(tc.url); got != tc.want {
			t.Errorf("InSite(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}

	bySeed := crawler.New(crawler.WithSeedURL("https://www.callidoradesigns.com/"), crawler.WithDomain(""))
	if !bySeed.InSite("https://callidoradesigns.com/about") || bySeed.InSite("https://xcallidoradesigns.com/") {
		t.Error("seed-derived domain matched incorrectly")
	}
}
