package observe

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every Calli span.
const TracerName = "github.com/callidora/calli"

// CorrelationHeader carries the request's correlation id back to the client.
const CorrelationHeader = "X-Correlation-ID"

type correlationKey struct{}

// Tracer returns the Calli tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// FailSpan records err on span and marks the span as failed.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// WithCorrelationID stores id in ctx. [CorrelationID] prefers a valid trace
// id over it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the trace id of the span in ctx, or the id stored by
// [WithCorrelationID], or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// newCorrelationID returns a random id shaped like a trace id.
func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Logger returns base with the correlation id of ctx attached as trace_id,
// plus span_id when a recording span is present. A nil base means
// [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	cid := CorrelationID(ctx)
	if cid == "" {
		return base
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return base.With(slog.String("trace_id", cid), slog.String("span_id", sc.SpanID().String()))
	}
	return base.With(slog.String("trace_id", cid))
}
