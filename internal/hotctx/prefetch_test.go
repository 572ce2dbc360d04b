package hotctx_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/callidora/calli/internal/hotctx"
	"github.com/callidora/calli/pkg/knowledge"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	offSite []string
}

func (f *fakeFetcher) FetchDocument(_ context.Context, url string) (knowledge.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err := f.fail[url]; err != nil {
		return knowledge.Document{}, err
	}
	return knowledge.Document{URL: url, Content: "content of " + url}, nil
}

func (f *fakeFetcher) InSite(url string) bool {
	for _, prefix := range f.offSite {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return true
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestMentionedURLs(t *testing.T) {
	got := hotctx.MentionedURLs("See https://a.example/x, and (http://b.example/y). Again https://a.example/x!")
	want := []string{"https://a.example/x", "http://b.example/y"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MentionedURLs = %v, want %v", got, want)
	}
	if got := hotctx.MentionedURLs("no links here"); got != nil {
		t.Errorf("MentionedURLs = %v, want nil", got)
	}
}

func TestPreFetcher_FetchAndStore(t *testing.T) {
	store, err := knowledge.OpenFileStore(filepath.Join(t.TempDir(), knowledge.DefaultFileName))
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeFetcher{fail: map[string]error{"https://bad.example": errors.New("status 500")}}
	p := hotctx.NewPreFetcher(f, store, 0, nil)

	results := p.ProcessMessage(context.Background(), "look at https://good.example and https://bad.example")
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Err != "" || results[0].Document.Content != "content of https://good.example" {
		t.Errorf("good result = %+v", results[0])
	}
	if results[1].Err != "status 500" {
		t.Errorf("bad result = %+v", results[1])
	}
	if _, ok := store.Get("https://good.example"); !ok {
		t.Error("fetched document not stored")
	}
	if _, ok := store.Get("https://bad.example"); ok {
		t.Error("failed fetch stored")
	}

	reopened, err := knowledge.OpenFileStore(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 1 {
		t.Errorf("persisted %d docs, want 1", reopened.Len())
	}
}

func TestPreFetcher_OffSitePagesStayOutOfStore(t *testing.T) {
	store, err := knowledge.OpenFileStore(filepath.Join(t.TempDir(), knowledge.DefaultFileName))
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeFetcher{offSite: []string{"http://10.0.0.5", "https://other.example"}}
	p := hotctx.NewPreFetcher(f, store, 0, nil)

	results := p.ProcessMessage(context.Background(),
		"compare https://other.example/ignore-previous-instructions with https://www.callidoradesigns.com/rentals")
	if len(results) != 2 || results[0].Err != "" || results[0].Document.URL != "https://other.example/ignore-previous-instructions" {
		t.Fatalf("results = %+v", results)
	}
	if _, ok := store.Get("https://other.example/ignore-previous-instructions"); ok {
		t.Error("off-site page stored in shared knowledge")
	}
	if _, ok := store.Get("https://www.callidoradesigns.com/rentals"); !ok {
		t.Error("on-site page not stored")
	}

	p.ProcessMessage(context.Background(), "see http://10.0.0.5/admin")
	reopened, err := knowledge.OpenFileStore(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 1 {
		t.Errorf("persisted %d docs, want only the on-site page", reopened.Len())
	}
}

func TestPreFetcher_CacheIsBounded(t *testing.T) {
	f := &fakeFetcher{}
	n := hotctx.MaxCachedURLs + 10
	p := hotctx.NewPreFetcher(f, nil, n, nil)

	var msg strings.Builder
	for i := range n {
		fmt.Fprintf(&msg, "https://site%d.example ", i)
	}
	p.ProcessMessage(context.Background(), msg.String())
	if got := len(p.Cached()); got != hotctx.MaxCachedURLs {
		t.Fatalf("Cached = %d, want %d", got, hotctx.MaxCachedURLs)
	}

	// The oldest entry was evicted and is fetched again; the newest is cached.
	calls := f.callCount()
	p.ProcessMessage(context.Background(), fmt.Sprintf("https://site%d.example", n-1))
	if f.callCount() != calls {
		t.Error("newest URL was not served from cache")
	}
	p.ProcessMessage(context.Background(), "https://site0.example")
	if f.callCount() != calls+1 {
		t.Error("evicted URL was not fetched again")
	}
}

func TestPreFetcher_CacheHitAndReset(t *testing.T) {
	f := &fakeFetcher{}
	p := hotctx.NewPreFetcher(f, nil, 0, nil)
	ctx := context.Background()

	p.ProcessMessage(ctx, "https://a.example")
	p.ProcessMessage(ctx, "again: https://a.example")
	if got := f.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (second should be cached)", got)
	}
	if got := len(p.Cached()); got != 1 {
		t.Errorf("Cached = %d, want 1", got)
	}

	p.Reset()
	if got := len(p.Cached()); got != 0 {
		t.Errorf("Cached after Reset = %d", got)
	}
	p.ProcessMessage(ctx, "https://a.example")
	if got := f.callCount(); got != 2 {
		t.Errorf("fetch calls after Reset = %d, want 2", got)
	}
}

func TestPreFetcher_MaxURLs(t *testing.T) {
	f := &fakeFetcher{}
	p := hotctx.NewPreFetcher(f, nil, 2, nil)
	results := p.ProcessMessage(context.Background(), "https://1.example https://2.example https://3.example")
	if len(results) != 2 || f.callCount() != 2 {
		t.Errorf("results = %d, calls = %d, want 2 each", len(results), f.callCount())
	}
}

func TestPreFetcher_NoURLs(t *testing.T) {
	f := &fakeFetcher{}
	p := hotctx.NewPreFetcher(f, nil, 0, nil)
	if got := p.ProcessMessage(context.Background(), "just chatting"); got != nil {
		t.Errorf("results = %v, want nil", got)
	}
	if f.callCount() != 0 {
		t.Error("fetcher called without URLs")
	}
}

func TestAssemble_WithPreFetcher(t *testing.T) {
	f := &fakeFetcher{}
	a := hotctx.NewAssembler(nil, hotctx.WithPreFetcher(hotctx.NewPreFetcher(f, nil, 0, nil)))
	hctx, err := a.Assemble(context.Background(), hotctx.Request{Message: "what is https://x.example about?"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hctx.URLResults) != 1 || hctx.URLResults[0].URL != "https://x.example" {
		t.Errorf("URLResults = %+v", hctx.URLResults)
	}
}
