package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testDocs() []Document {
	return []Document{
		{URL: "https://example.com/a", Content: "We build houses and skyboxes."},
		{URL: "https://www.callidoradesigns.com/boats", Content: "Yachts and boats for sailing regions."},
		{URL: "https://example.com/b", Content: "Boats, boats, boats. Also houses."},
		{URL: "https://example.com/c", Content: "Furniture packs."},
		{URL: "https://example.com/d", Content: "Sailing boats of every kind."},
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Do you have BOATS for sailing? Boats, please!")
	want := []string{"boats", "sailing"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestRank_OrderAndStability(t *testing.T) {
	r := Retriever{}
	got := r.Rank("sailing boats", testDocs())

	var urls []string
	var scores []int
	for _, s := range got {
		urls = append(urls, s.URL)
		scores = append(scores, s.Score)
	}
	wantURLs := []string{
		"https://www.callidoradesigns.com/boats",
		"https://example.com/d",
		"https://example.com/b",
	}
	if !reflect.DeepEqual(urls, wantURLs) {
		t.Errorf("order = %v, want %v", urls, wantURLs)
	}
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[i-1] {
			t.Errorf("scores not descending: %v", scores)
		}
	}
}

func TestRank_BrandBonus(t *testing.T) {
	r := Retriever{Brand: "callidora"}
	got := r.Rank("does Callidora sell houses", testDocs())
	if len(got) == 0 || got[0].URL != "https://www.callidoradesigns.com/boats" {
		t.Fatalf("brand document not first: %+v", got)
	}
	if got[0].Score != BrandBonus {
		t.Errorf("brand score = %d, want %d", got[0].Score, BrandBonus)
	}

	// Without the brand in the query there is no bonus.
	plain := r.Rank("houses", testDocs())
	for _, s := range plain {
		if strings.Contains(s.URL, "callidora") {
			t.Errorf("brand document scored without brand query: %+v", s)
		}
	}
}

func TestRetrieve_Budget(t *testing.T) {
	long := strings.Repeat("ä boats ", 500)
	docs := []Document{
		{URL: "https://example.com/1", Content: long},
		{URL: "https://example.com/2", Content: long},
	}
	for _, budget := range []int{1, 57, 300, 1000} {
		got := Retriever{Budget: budget}.Retrieve("boats", docs)
		if n := utf8.RuneCountInString(got); n > budget {
			t.Errorf("budget %d: got %d characters", budget, n)
		}
		if !utf8.ValidString(got) {
			t.Errorf("budget %d: truncated inside a rune", budget)
		}
	}
}

func TestRetrieve_Format(t *testing.T) {
	got := Retriever{TopN: 2}.Retrieve("sailing boats", testDocs())
	want := "Source: https://www.callidoradesigns.com/boats\nYachts and boats for sailing regions.\n\n" +
		"Source: https://example.com/d\nSailing boats of every kind."
	if got != want {
		t.Errorf("Retrieve =\n%q\nwant\n%q", got, want)
	}
}

func TestRetrieve_NoMatch(t *testing.T) {
	if got := (Retriever{}).Retrieve("zeppelins", testDocs()); got != "" {
		t.Errorf("Retrieve = %q, want empty", got)
	}
	if got := (Retriever{}).Retrieve("", testDocs()); got != "" {
		t.Errorf("Retrieve(empty query) = %q, want empty", got)
	}
}

func TestFileStore_UpsertSaveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("new store has %d docs", s.Len())
	}

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	added, replaced := s.Upsert(
		Document{URL: "https://a", Content: "one", LastSeen: now},
		Document{URL: "https://b", Content: "two", LastSeen: now},
		Document{Content: "no url"},
	)
	if added != 2 || replaced != 0 {
		t.Errorf("Upsert = (%d, %d), want (2, 0)", added, replaced)
	}
	added, replaced = s.Upsert(Document{URL: "https://a", Content: "one v2", LastSeen: now})
	if added != 0 || replaced != 1 {
		t.Errorf("re-Upsert = (%d, %d), want (0, 1)", added, replaced)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all := reopened.All()
	if len(all) != 2 || all[0].URL != "https://a" || all[0].Content != "one v2" || all[1].URL != "https://b" {
		t.Errorf("reloaded docs = %+v", all)
	}
	if d, ok := reopened.Get("https://b"); !ok || !d.LastSeen.Equal(now) {
		t.Errorf("Get(b) = %+v, %v", d, ok)
	}
}

func TestFileStore_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(`{"url": "not a list"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("malformed file produced %d docs", s.Len())
	}
}

func TestFileStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 4)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, nil, func(err error) { reloaded <- err }) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	other, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	other.Upsert(Document{URL: "https://crawled", Content: "fresh"})
	if err := other.Save(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if _, ok := s.Get("https://crawled"); !ok {
		t.Error("watched store did not pick up the new document")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
