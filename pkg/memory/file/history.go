package file

import (
	"context"
	"fmt"
	"sync"

	"github.com/callidora/calli/pkg/memory"
)

// HistoryFileName is the conventional file name for the history map.
const HistoryFileName = "chatMemory.json"

var _ memory.HistoryStore = (*History)(nil)

// History implements [memory.HistoryStore] over a JSON file mapping guest id
// to its turn list.
type History struct {
	path  string
	limit int

	mu    sync.Mutex
	turns map[string][]memory.Turn
}

// OpenHistory loads the history map at path. limit <= 0 selects
// [memory.DefaultHistoryCap].
func OpenHistory(path string, limit int) (*History, error) {
	if limit <= 0 {
		limit = memory.DefaultHistoryCap
	}
	m, err := readJSONMap[[]memory.Turn](path)
	if err != nil {
		return nil, fmt.Errorf("file history: %w", err)
	}
	return &History{path: path, limit: limit, turns: m}, nil
}

// Append implements [memory.HistoryStore].
func (h *History) Append(_ context.Context, userID string, turns ...memory.Turn) error {
	if userID == "" {
		return memory.ErrNoUserID
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.turns[userID]
	all := append(append([]memory.Turn{}, prev...), turns...)
	h.turns[userID] = memory.TailTurns(all, h.limit)
	if err := writeJSONAtomic(h.path, h.turns); err != nil {
		h.turns[userID] = prev
		return fmt.Errorf("file history: append %q: %w", userID, err)
	}
	return nil
}

// Recent implements [memory.HistoryStore].
func (h *History) Recent(_ context.Context, userID string, n int) ([]memory.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tail := memory.TailTurns(h.turns[userID], n)
	out := make([]memory.Turn, len(tail))
	copy(out, tail)
	return out, nil
}
