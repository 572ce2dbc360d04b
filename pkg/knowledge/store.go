// Package knowledge holds the URL-keyed website knowledge base and the naive
// keyword retriever that picks snippets from it for a prompt.
//
// Documents are produced by the crawler (or fetched ad hoc when a guest
// mentions a URL) and persisted as a JSON array in urlKnowledge.json.
// Re-fetching a URL replaces its document; nothing is versioned.
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/callidora/calli/internal/fsutil"
)

// DefaultFileName is the conventional knowledge file name.
const DefaultFileName = "urlKnowledge.json"

// Document is the extracted text of one web page.
type Document struct {
	URL      string    `json:"url"`
	Domain   string    `json:"domain,omitempty"`
	Title    string    `json:"title,omitempty"`
	Content  string    `json:"content"`
	LastSeen time.Time `json:"lastSeen"`
}

// FileStore is an in-memory document list mirrored to a JSON file.
// All methods are safe for concurrent use.
type FileStore struct {
	path string

	mu    sync.RWMutex
	docs  []Document
	index map[string]int
}

// OpenFileStore loads the documents at path. A missing file yields an empty
// store; a malformed one is logged and treated as empty.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Reload replaces the in-memory documents with the file contents.
func (s *FileStore) Reload() error {
	docs, err := readDocuments(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make([]Document, 0, len(docs))
	s.index = make(map[string]int, len(docs))
	s.upsertLocked(docs)
	return nil
}

// All returns a copy of every document in insertion order.
func (s *FileStore) All() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out
}

// Len returns the number of stored documents.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Get returns the document stored for url.
func (s *FileStore) Get(url string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[url]
	if !ok {
		return Document{}, false
	}
	return s.docs[i], true
}

// Upsert merges docs by URL: existing URLs are overwritten in place, new URLs
// are appended. Documents without a URL are ignored. It reports how many
// documents were added and how many replaced.
func (s *FileStore) Upsert(docs ...Document) (added, replaced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(docs)
}

func (s *FileStore) upsertLocked(docs []Document) (added, replaced int) {
	for _, d := range docs {
		if d.URL == "" {
			continue
		}
		if i, ok := s.index[d.URL]; ok {
			s.docs[i] = d
			replaced++
			continue
		}
		s.index[d.URL] = len(s.docs)
		s.docs = append(s.docs, d)
		added++
	}
	return added, replaced
}

// Save writes every document to the backing file atomically.
func (s *FileStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.docs, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("knowledge: encode: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("knowledge: save: %w", err)
	}
	return nil
}

func readDocuments(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return []Document{}, nil
	}

	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		slog.Warn("knowledge file is not a valid document list, starting empty", "path", path, "err", err)
		return []Document{}, nil
	}
	return docs, nil
}
