// Package observe provides application-wide observability primitives for
// Calli: OpenTelemetry metrics, tracing, request-scoped logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed in
// Prometheus format via [InitProvider] and [MetricsHandler]. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Calli metrics.
const meterName = "github.com/callidora/calli"

// Reply outcomes recorded by [Metrics.RecordReply].
const (
	ReplyOK       = "ok"
	ReplyFallback = "fallback"
	ReplyError    = "error"
	ReplyInvalid  = "invalid"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks model completion latency.
	LLMDuration metric.Float64Histogram

	// ContextAssemblyDuration tracks how long prompt context assembly takes.
	ContextAssemblyDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts model API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts model API failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ChatReplies counts chat requests by outcome (see the Reply* constants).
	ChatReplies metric.Int64Counter

	// FactsExtracted counts facts mined from guest messages by type.
	FactsExtracted metric.Int64Counter

	// MemoryErrors counts absorbed storage failures by operation.
	MemoryErrors metric.Int64Counter

	// CrawledPages counts crawler page outcomes (captured, skipped, failed).
	CrawledPages metric.Int64Counter

	// --- Gauges ---

	// KnowledgeDocuments reports the number of documents in the knowledge store.
	KnowledgeDocuments metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// remote model calls.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("calli.llm.duration",
		metric.WithDescription("Latency of model completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ContextAssemblyDuration, err = m.Float64Histogram("calli.context_assembly.duration",
		metric.WithDescription("Latency of prompt context assembly."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("calli.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("calli.provider.requests",
		metric.WithDescription("Total model API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("calli.provider.errors",
		metric.WithDescription("Total model API errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ChatReplies, err = m.Int64Counter("calli.chat.replies",
		metric.WithDescription("Total chat requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FactsExtracted, err = m.Int64Counter("calli.facts.extracted",
		metric.WithDescription("Total facts mined from guest messages by type."),
	); err != nil {
		return nil, err
	}
	if met.MemoryErrors, err = m.Int64Counter("calli.memory.errors",
		metric.WithDescription("Total absorbed memory storage errors by operation."),
	); err != nil {
		return nil, err
	}
	if met.CrawledPages, err = m.Int64Counter("calli.crawler.pages",
		metric.WithDescription("Total crawled pages by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.KnowledgeDocuments, err = m.Int64Gauge("calli.knowledge.documents",
		metric.WithDescription("Number of documents in the knowledge store."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a model API request with its status.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a model API failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReply records one chat request outcome.
func (m *Metrics) RecordReply(ctx context.Context, outcome string) {
	m.ChatReplies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFact records one extracted fact.
func (m *Metrics) RecordFact(ctx context.Context, factType string) {
	m.FactsExtracted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", factType)))
}

// RecordMemoryError records a storage failure that was logged and absorbed.
func (m *Metrics) RecordMemoryError(ctx context.Context, op string) {
	m.MemoryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCrawl adds the page outcomes of one crawl.
func (m *Metrics) RecordCrawl(ctx context.Context, captured, skipped, failed int) {
	for outcome, n := range map[string]int{"captured": captured, "skipped": skipped, "failed": failed} {
		if n > 0 {
			m.CrawledPages.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
}
