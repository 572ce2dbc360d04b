// Package chat implements the Calli reply pipeline and its HTTP surface.
//
// A [Service] turns one guest message into one reply:
//
//  1. record the visit on the guest profile,
//  2. assemble the hot context (profile, history, knowledge, mentioned URLs),
//  3. render the prompt and call the model,
//  4. mine facts from the guest's message and merge them into the profile,
//  5. append the exchange to the guest's history.
//
// Memory is fail-soft: any storage error is logged and counted, and the reply
// is still returned. Generation is fail-loud: a model error is returned to the
// caller, except for a response without text, which yields [FallbackReply].
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/callidora/calli/internal/facts"
	"github.com/callidora/calli/internal/hotctx"
	"github.com/callidora/calli/internal/observe"
	"github.com/callidora/calli/pkg/memory"
	"github.com/callidora/calli/pkg/provider/llm"
	"github.com/callidora/calli/pkg/types"
)

const (
	// FallbackReply is returned when the model answered without any text.
	FallbackReply = "I'm sorry, I couldn't generate a response."

	// ErrorReply is the guest-facing reply sent alongside a server error.
	ErrorReply = "I'm sorry — something went wrong on my server."

	// DefaultUserID identifies guests whose client sent no id.
	DefaultUserID = "anonymous"
)

// ErrEmptyMessage is returned by [Service.Reply] when the message is blank.
var ErrEmptyMessage = errors.New("chat: message is required")

// Request is one guest message.
type Request struct {
	UserID   string
	UserName string
	Message  string

	// History is the conversation as the client remembers it. It is only
	// used when the server has no stored history for UserID.
	History []memory.Turn
}

// Response is the reply to a [Request].
type Response struct {
	Reply string

	// TurnID identifies this exchange; extracted facts carry it as their
	// source.
	TurnID string

	// Facts are the facts learned from the guest's message.
	Facts []memory.Fact

	// Fallback is true when the model produced no text and [FallbackReply]
	// was used.
	Fallback bool
}

// MemoryStore is the slice of [memory.Store] the service needs.
type MemoryStore interface {
	RecordVisit(ctx context.Context, userID, userName string) (memory.Profile, error)
	Merge(ctx context.Context, userID string, facts []memory.Fact) (memory.Profile, error)
}

// ContextAssembler builds the hot context for a request.
// *hotctx.Assembler satisfies it.
type ContextAssembler interface {
	Assemble(ctx context.Context, req hotctx.Request) (*hotctx.HotContext, error)
}

var (
	_ MemoryStore      = (*memory.Store)(nil)
	_ ContextAssembler = (*hotctx.Assembler)(nil)
)

// Service runs the reply pipeline. It is safe for concurrent use.
type Service struct {
	model     llm.Provider
	memory    MemoryStore
	assembler ContextAssembler
	history   memory.HistoryStore
	extractor *facts.Extractor

	providerName string
	temperature  float64
	maxTokens    int

	metrics *observe.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu      sync.RWMutex
	persona hotctx.Persona
}

// Option configures a [Service].
type Option func(*Service)

// WithHistory sets the store the exchange is appended to.
func WithHistory(h memory.HistoryStore) Option {
	return func(s *Service) { s.history = h }
}

// WithExtractor replaces the default fact extractor.
func WithExtractor(e *facts.Extractor) Option {
	return func(s *Service) { s.extractor = e }
}

// WithPersona sets the persona rendered ahead of every prompt.
func WithPersona(p hotctx.Persona) Option {
	return func(s *Service) { s.persona = p }
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(s *Service) { s.providerName = name }
}

// WithSampling sets the temperature and completion token cap passed to the
// model. Zero values leave the provider defaults in place.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(s *Service) {
		s.temperature = temperature
		s.maxTokens = maxTokens
	}
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer for the chat.complete span. Defaults to
// [observe.Tracer].
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the turn id generator.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// NewService creates a [Service] answering with model, remembering guests in
// mem and building prompts with asm.
func NewService(model llm.Provider, mem MemoryStore, asm ContextAssembler, opts ...Option) *Service {
	s := &Service{
		model:        model,
		memory:       mem,
		assembler:    asm,
		extractor:    facts.NewExtractor(),
		providerName: "llm",
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.tracer == nil {
		s.tracer = observe.Tracer()
	}
	return s
}

// SetPersona replaces the persona used by later replies.
func (s *Service) SetPersona(p hotctx.Persona) {
	s.mu.Lock()
	s.persona = p
	s.mu.Unlock()
}

// Persona returns the persona currently in use.
func (s *Service) Persona() hotctx.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persona
}

// Reply answers one guest message.
//
// Returns [ErrEmptyMessage] for a blank message, the context error when ctx
// is cancelled during assembly, and the model error when generation fails.
// Storage failures are never returned.
func (s *Service) Reply(ctx context.Context, req Request) (Response, error) {
	req = normalize(req)
	if req.Message == "" {
		s.metrics.RecordReply(ctx, observe.ReplyInvalid)
		return Response{}, ErrEmptyMessage
	}
	log := s.log(ctx).With("user_id", req.UserID)

	if _, err := s.memory.RecordVisit(ctx, req.UserID, req.UserName); err != nil {
		log.WarnContext(ctx, "chat: record visit failed", "err", err)
		s.metrics.RecordMemoryError(ctx, "record_visit")
	}

	hctx, err := s.assembler.Assemble(ctx, hotctx.Request{
		UserID:        req.UserID,
		UserName:      req.UserName,
		Message:       req.Message,
		ClientHistory: req.History,
	})
	if err != nil {
		s.metrics.RecordReply(ctx, observe.ReplyError)
		return Response{}, fmt.Errorf("chat: assemble context: %w", err)
	}
	s.metrics.ContextAssemblyDuration.Record(ctx, hctx.AssemblyDuration.Seconds())

	msgs := hotctx.BuildMessages(hctx, s.Persona(), req.Message)

	resp := Response{TurnID: s.newID()}
	reply, err := s.complete(ctx, msgs)
	switch {
	case errors.Is(err, llm.ErrNoText):
		log.WarnContext(ctx, "chat: model returned no text, using fallback reply")
		reply = FallbackReply
		resp.Fallback = true
	case err != nil:
		log.ErrorContext(ctx, "chat: model call failed", "provider", s.providerName, "err", err)
		s.metrics.RecordReply(ctx, observe.ReplyError)
		return Response{}, fmt.Errorf("chat: complete: %w", err)
	}
	resp.Reply = reply

	resp.Facts = s.learn(ctx, log, req, resp.TurnID)
	s.appendHistory(ctx, log, req, reply)

	if resp.Fallback {
		s.metrics.RecordReply(ctx, observe.ReplyFallback)
	} else {
		s.metrics.RecordReply(ctx, observe.ReplyOK)
	}
	return resp, nil
}

// complete performs the model call inside a span and records its metrics.
func (s *Service) complete(ctx context.Context, msgs []types.Message) (string, error) {
	ctx, span := s.tracer.Start(ctx, "chat.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", s.providerName),
		attribute.Int("llm.messages", len(msgs)),
	)

	start := time.Now()
	out, err := s.model.Complete(ctx, llm.CompletionRequest{
		Messages:    msgs,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.providerName)))

	if err == nil && (out == nil || strings.TrimSpace(out.Content) == "") {
		err = llm.ErrNoText
	}
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, "error")
		s.metrics.RecordProviderError(ctx, s.providerName, errorKind(err))
		observe.FailSpan(span, err)
		return "", err
	}

	s.metrics.RecordProviderRequest(ctx, s.providerName, "ok")
	span.SetAttributes(attribute.Int("llm.tokens.total", out.Usage.TotalTokens))
	return strings.TrimSpace(out.Content), nil
}

// learn extracts facts from the guest's message and merges them into the
// profile. Returns the facts that were extracted.
func (s *Service) learn(ctx context.Context, log *slog.Logger, req Request, turnID string) []memory.Fact {
	extracted := s.extractor.ExtractTurn(req.Message, "")
	if len(extracted) == 0 {
		return nil
	}

	out := make([]memory.Fact, 0, len(extracted))
	for _, f := range extracted {
		out = append(out, memory.Fact{Type: string(f.Type), Value: f.Value, Source: turnID})
		s.metrics.RecordFact(ctx, string(f.Type))
	}
	if _, err := s.memory.Merge(ctx, req.UserID, out); err != nil {
		log.WarnContext(ctx, "chat: merge facts failed", "facts", len(out), "err", err)
		s.metrics.RecordMemoryError(ctx, "merge")
	}
	return out
}

func (s *Service) appendHistory(ctx context.Context, log *slog.Logger, req Request, reply string) {
	if s.history == nil {
		return
	}
	now := s.now()
	err := s.history.Append(ctx, req.UserID,
		memory.Turn{Role: types.RoleUser, Content: req.Message, At: now},
		memory.Turn{Role: types.RoleAssistant, Content: reply, At: now},
	)
	if err != nil {
		log.WarnContext(ctx, "chat: append history failed", "err", err)
		s.metrics.RecordMemoryError(ctx, "append_history")
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return observe.Logger(ctx, s.logger)
}

// normalize trims the request and applies the anonymous user id. A missing
// name stays empty so a stored name is not overwritten.
func normalize(req Request) Request {
	req.Message = strings.TrimSpace(req.Message)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	req.UserName = strings.TrimSpace(req.UserName)
	return req
}

func errorKind(err error) string {
	var se *llm.StatusError
	switch {
	case errors.Is(err, llm.ErrNoText):
		return "no_text"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &se):
		return fmt.Sprintf("status_%d", se.StatusCode)
	default:
		return "other"
	}
}
