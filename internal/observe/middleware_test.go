package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const incomingTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTracerProvider installs tp globally for the duration of the test.
// Tests that call it must not run in parallel.
func useTracerProvider(t *testing.T, tp trace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

type chatServer struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer
}

// newChatServer mounts the middleware on a router shaped like the Calli one:
// the legacy /chat endpoint, /api/chat and a health check. A message of
// "fail" makes the chat handlers answer 502.
func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	m, reader := newTestMetrics(t)
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	useTracerProvider(t, tp)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	chat := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "fail") {
			http.Error(w, `{"error":"model unavailable"}`, http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Welcome to Callidora!"}`))
	}

	r := chi.NewRouter()
	r.Use(Middleware(m, logger))
	r.Post("/chat", chat)
	r.Post("/api/chat", chat)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	return &chatServer{handler: r, reader: reader, spans: exp, logs: &logs}
}

func (s *chatServer) post(path, message string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"message":"`+message+`"}`))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// logLines decodes every JSON line written so far.
func (s *chatServer) logLines(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(s.logs.Bytes()))
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		out = append(out, line)
	}
	return out
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(collect(t, reader), "calli.http.request.duration")
	if met == nil {
		t.Fatal("calli.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func attr(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestMiddleware_CorrelationHeaderOnChat(t *testing.T) {
	s := newChatServer(t)

	rec := s.post("/chat", "hello", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cid := rec.Header().Get(CorrelationHeader)
	if !hexID.MatchString(cid) {
		t.Fatalf("%s = %q, want a 32-char hex id", CorrelationHeader, cid)
	}

	spans := s.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("%s = %q, span trace id = %q", CorrelationHeader, cid, got)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response carries no traceparent")
	}

	lines := s.logLines(t)
	if len(lines) != 1 || lines[0]["trace_id"] != cid {
		t.Errorf("access log = %v, want one line with trace_id %s", lines, cid)
	}
}

func TestMiddleware_CorrelationHeaderWithoutSDK(t *testing.T) {
	m, _ := newTestMetrics(t)
	useTracerProvider(t, noop.NewTracerProvider())

	var seen string
	r := chi.NewRouter()
	r.Use(Middleware(m, slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.Post("/chat", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	ids := map[string]bool{}
	for range 2 {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`)))
		cid := rec.Header().Get(CorrelationHeader)
		if !hexID.MatchString(cid) {
			t.Fatalf("%s = %q, want a 32-char hex id", CorrelationHeader, cid)
		}
		if seen != cid {
			t.Errorf("handler saw correlation id %q, response sent %q", seen, cid)
		}
		ids[cid] = true
	}
	if len(ids) != 2 {
		t.Error("two requests shared a correlation id")
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	s := newChatServer(t)

	rec := s.post("/api/chat", "hello", http.Header{"Traceparent": {incomingTraceparent}})
	if got := rec.Header().Get(CorrelationHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("%s = %q, want the incoming trace id", CorrelationHeader, got)
	}

	spans := s.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if got := span.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}
	if got := span.Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span id = %s", got)
	}
	if !span.Parent.IsRemote() {
		t.Error("parent span context is not remote")
	}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	s := newChatServer(t)

	s.post("/api/chat", "hello", nil)
	s.post("/api/chat", "what time is check-in?", nil)
	s.post("/chat", "hello", nil)

	counts := map[string]uint64{}
	for _, dp := range durationPoints(t, s.reader) {
		if attr(dp.Attributes, "method") != http.MethodPost {
			t.Errorf("method = %q", attr(dp.Attributes, "method"))
		}
		if got := attr(dp.Attributes, "status_class"); got != "2xx" {
			t.Errorf("status_class = %q, want 2xx", got)
		}
		counts[attr(dp.Attributes, "path")] += dp.Count
	}
	if counts["/api/chat"] != 2 || counts["/chat"] != 1 || len(counts) != 2 {
		t.Errorf("requests per path = %v, want /api/chat:2 /chat:1", counts)
	}

	names := map[string]int{}
	for _, span := range s.spans.GetSpans() {
		names[span.Name]++
		if span.SpanKind != trace.SpanKindServer {
			t.Errorf("span %q kind = %v, want server", span.Name, span.SpanKind)
		}
	}
	if names["POST /api/chat"] != 2 || names["POST /chat"] != 1 {
		t.Errorf("span names = %v", names)
	}
}

func TestMiddleware_UnmatchedPath(t *testing.T) {
	s := newChatServer(t)

	for _, p := range []string{"/wp-login.php", "/api/chat/../../etc/passwd", "/random-123"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		s.handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	points := durationPoints(t, s.reader)
	if len(points) != 1 {
		t.Fatalf("got %d series for unknown paths, want 1", len(points))
	}
	if got := attr(points[0].Attributes, "path"); got != "unmatched" {
		t.Errorf("path = %q, want unmatched", got)
	}
	if got := attr(points[0].Attributes, "status_class"); got != "4xx" {
		t.Errorf("status_class = %q, want 4xx", got)
	}
}

func TestMiddleware_ServerErrorFailsSpan(t *testing.T) {
	s := newChatServer(t)

	rec := s.post("/api/chat", "fail", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	spans := s.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusBadGateway {
		t.Errorf("http.response.status_code = %d", status)
	}

	points := durationPoints(t, s.reader)
	if len(points) != 1 || attr(points[0].Attributes, "status_class") != "5xx" {
		t.Errorf("duration points = %+v, want one 5xx series", points)
	}

	lines := s.logLines(t)
	if len(lines) != 1 || lines[0]["level"] != "WARN" || lines[0]["route"] != "/api/chat" {
		t.Errorf("access log = %v, want one WARN line for /api/chat", lines)
	}
}

func TestMiddleware_ClientErrorKeepsSpanUnset(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	useTracerProvider(t, tp)

	r := chi.NewRouter()
	r.Use(Middleware(m, slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.Post("/api/chat", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Unset {
		t.Errorf("spans = %+v, want one span with unset status", spans)
	}
}

func TestMiddleware_HealthChecksLogAtDebug(t *testing.T) {
	s := newChatServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handler.ServeHTTP(httptest.NewRecorder(), req)
	s.post("/chat", "hello", nil)

	lines := s.logLines(t)
	if len(lines) != 1 {
		t.Fatalf("got %d Info lines, want only the chat request: %v", len(lines), lines)
	}
	if lines[0]["route"] != "/chat" || lines[0]["msg"] != "http request" {
		t.Errorf("log line = %v", lines[0])
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]string{200: "2xx", 201: "2xx", 304: "3xx", 404: "4xx", 429: "4xx", 502: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
