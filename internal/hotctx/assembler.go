// Package hotctx assembles the per-request context that is injected into
// every Calli model call.
//
// The hot layer consists of four components that are fetched concurrently:
//
//  1. The guest profile from the memory store.
//  2. The recent conversation tail from the history store.
//  3. Website knowledge snippets ranked against the guest's message.
//  4. Pages fetched for URLs the guest mentioned in the message.
//
// Every component fails soft: a storage or fetch error is logged and the
// component is left empty, so the guest still gets an answer. Use
// [BuildMessages] to turn a [HotContext] into the ordered message list.
package hotctx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callidora/calli/pkg/knowledge"
	"github.com/callidora/calli/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// HotContext is the assembled context for one chat request.
// All fields are optional; empty values render as fallbacks.
type HotContext struct {
	// Profile is the guest's stored memory. The zero value means the profile
	// could not be loaded.
	Profile memory.Profile

	// GuestName is the name the assistant should use for the guest.
	GuestName string

	// History is the conversation tail, oldest first, capped at the
	// assembler's maxTurns setting.
	History []memory.Turn

	// IsFirstMessage is true when there is no prior conversation.
	IsFirstMessage bool

	// StaticKnowledge is the curated knowledge text, always included.
	StaticKnowledge string

	// Knowledge holds the retrieved website snippets, or "" when nothing
	// matched.
	Knowledge string

	// URLResults are pages fetched for URLs mentioned in the message.
	URLResults []URLResult

	// Now is the wall-clock instant the context was assembled for.
	Now time.Time

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// Request describes the chat request being assembled for.
type Request struct {
	UserID   string
	UserName string
	Message  string

	// ClientHistory is used when the server has no stored history for the
	// guest.
	ClientHistory []memory.Turn
}

// ProfileSource loads guest profiles. *memory.Store satisfies it.
type ProfileSource interface {
	Get(ctx context.Context, userID, fallbackName string) (memory.Profile, error)
}

// DocumentSource lists knowledge documents. *knowledge.FileStore satisfies it.
type DocumentSource interface {
	All() []knowledge.Document
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler concurrently fetches all hot-layer components and combines them
// into a [HotContext].
type Assembler struct {
	profiles   ProfileSource
	history    memory.HistoryStore
	docs       DocumentSource
	prefetcher *PreFetcher
	maxTurns   int
	logger     *slog.Logger
	now        func() time.Time

	// mu guards the fields that can be swapped on config reload.
	mu        sync.RWMutex
	retriever knowledge.Retriever
	static    string
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithHistory sets the conversation history store.
func WithHistory(h memory.HistoryStore) Option {
	return func(a *Assembler) { a.history = h }
}

// WithKnowledge sets the document source and the retriever used to rank it.
func WithKnowledge(docs DocumentSource, r knowledge.Retriever) Option {
	return func(a *Assembler) {
		a.docs = docs
		a.retriever = r
	}
}

// WithStaticKnowledge sets curated knowledge text that is included in every
// prompt ahead of the retrieved snippets.
func WithStaticKnowledge(text string) Option {
	return func(a *Assembler) { a.static = text }
}

// WithPreFetcher enables fetching of URLs mentioned in the guest's message.
func WithPreFetcher(p *PreFetcher) Option {
	return func(a *Assembler) { a.prefetcher = p }
}

// WithMaxTurns caps the number of history turns included in
// [HotContext.History]. Defaults to [memory.DefaultHistoryCap].
func WithMaxTurns(n int) Option {
	return func(a *Assembler) { a.maxTurns = n }
}

// WithLogger sets the logger used for fail-soft warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithClock replaces the time source used for [HotContext.Now].
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an [Assembler] reading profiles from profiles.
// Apply [Option] values to add history, knowledge and URL fetching.
func NewAssembler(profiles ProfileSource, opts ...Option) *Assembler {
	a := &Assembler{
		profiles: profiles,
		maxTurns: memory.DefaultHistoryCap,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble concurrently fetches the hot-layer components for req.
//
// Component failures never fail the assembly; they are logged at Warn and the
// component is left empty. The only error returned is the context's, when ctx
// is cancelled before assembly finishes.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*HotContext, error) {
	start := time.Now()

	var (
		profile    memory.Profile
		history    []memory.Turn
		snippets   string
		urlResults []URLResult
	)

	eg, egCtx := errgroup.WithContext(ctx)

	// ── goroutine 1: guest profile ───────────────────────────────────────────
	eg.Go(func() error {
		if a.profiles == nil || req.UserID == "" {
			return nil
		}
		p, err := a.profiles.Get(egCtx, req.UserID, req.UserName)
		if err != nil {
			a.logger.WarnContext(ctx, "hot context: load profile failed", "user_id", req.UserID, "err", err)
			return nil
		}
		profile = p
		return nil
	})

	// ── goroutine 2: conversation tail ───────────────────────────────────────
	eg.Go(func() error {
		if a.history == nil || req.UserID == "" {
			return nil
		}
		turns, err := a.history.Recent(egCtx, req.UserID, a.maxTurns)
		if err != nil {
			a.logger.WarnContext(ctx, "hot context: load history failed", "user_id", req.UserID, "err", err)
			return nil
		}
		history = turns
		return nil
	})

	a.mu.RLock()
	retriever, static := a.retriever, a.static
	a.mu.RUnlock()

	// ── goroutine 3: knowledge snippets ──────────────────────────────────────
	eg.Go(func() error {
		if a.docs == nil {
			return nil
		}
		snippets = retriever.Retrieve(req.Message, a.docs.All())
		return nil
	})

	// ── goroutine 4: mentioned URLs ──────────────────────────────────────────
	eg.Go(func() error {
		if a.prefetcher == nil {
			return nil
		}
		urlResults = a.prefetcher.ProcessMessage(egCtx, req.Message)
		return nil
	})

	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hot context: %w", err)
	}

	if len(history) == 0 && len(req.ClientHistory) > 0 {
		history = conversational(req.ClientHistory)
	}
	history = memory.TailTurns(history, a.maxTurns)

	return &HotContext{
		Profile:          profile,
		GuestName:        guestName(profile, req.UserName),
		History:          history,
		IsFirstMessage:   len(history) == 0,
		StaticKnowledge:  static,
		Knowledge:        snippets,
		URLResults:       urlResults,
		Now:              a.now(),
		AssemblyDuration: time.Since(start),
	}, nil
}

// SetRetriever replaces the retrieval settings used by later calls to
// [Assembler.Assemble].
func (a *Assembler) SetRetriever(r knowledge.Retriever) {
	a.mu.Lock()
	a.retriever = r
	a.mu.Unlock()
}

// SetStaticKnowledge replaces the curated knowledge text.
func (a *Assembler) SetStaticKnowledge(text string) {
	a.mu.Lock()
	a.static = text
	a.mu.Unlock()
}

// guestName picks the preferred name, then the stored display name, then the
// name the client sent.
func guestName(p memory.Profile, requestName string) string {
	if n := p.DisplayName(); n != "" {
		return n
	}
	return requestName
}

// conversational drops client-supplied turns with roles other than user and
// assistant, so a client cannot inject system instructions.
func conversational(turns []memory.Turn) []memory.Turn {
	out := make([]memory.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == "user" || t.Role == "assistant" {
			out = append(out, t)
		}
	}
	return out
}
