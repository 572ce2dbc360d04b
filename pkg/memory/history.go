package memory

import (
	"context"
	"sync"
)

// MemHistory is a process-local [HistoryStore]. History is lost on restart.
type MemHistory struct {
	mu    sync.Mutex
	limit int
	turns map[string][]Turn
}

var _ HistoryStore = (*MemHistory)(nil)

// NewMemHistory returns an empty MemHistory keeping at most limit turns
// per guest. limit <= 0 selects [DefaultHistoryCap].
func NewMemHistory(limit int) *MemHistory {
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	return &MemHistory{limit: limit, turns: make(map[string][]Turn)}
}

// Append implements [HistoryStore].
func (h *MemHistory) Append(_ context.Context, userID string, turns ...Turn) error {
	if userID == "" {
		return ErrNoUserID
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	all := append(h.turns[userID], turns...)
	h.turns[userID] = append([]Turn(nil), TailTurns(all, h.limit)...)
	return nil
}

// Recent implements [HistoryStore].
func (h *MemHistory) Recent(_ context.Context, userID string, n int) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tail := TailTurns(h.turns[userID], n)
	out := make([]Turn, len(tail))
	copy(out, tail)
	return out, nil
}
