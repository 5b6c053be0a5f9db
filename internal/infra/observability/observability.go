// Package observability holds the ledger's Prometheus collectors and a
// small in-memory span recorder for recent ledger operations.
//
// Spans are correlated with HTTP requests through the trace id placed in
// the request context by the API layer.
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Operation Spans
// ═══════════════════════════════════════════════════════════════════════════

// Span is one timed ledger operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	AccountID string            `json:"account_id,omitempty"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent spans in a ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span for operation on accountID.
// A nil tracer is valid and records nothing.
func (t *Tracer) StartSpan(ctx context.Context, operation, accountID string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation, AccountID: accountID}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		Operation: operation,
		AccountID: accountID,
		StartTime: time.Now(),
		Status:    SpanOK,
	}
}

// EndSpan completes a span, records it and observes its duration.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()
	LedgerOpDuration.WithLabelValues(span.Operation).Observe(span.Duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans, oldest first.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "tokens-trace-id"

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return generateID()
}

var spanCounter atomic.Int64

// generateID is unique per process, not random.
func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerDebits counts debit attempts by outcome (granted, denied, error).
var LedgerDebits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "debits_total",
	Help:      "Debit attempts by outcome.",
}, []string{"outcome"})

// LedgerCredits counts applied credits by reason.
var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Applied credits by reason.",
}, []string{"reason"})

// LedgerDuplicateCredits counts credits skipped because their key was seen.
var LedgerDuplicateCredits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "duplicate_credits_total",
	Help:      "Credits ignored because their idempotency key was already applied.",
})

// LedgerCASConflicts counts compare-and-swap conflicts that forced a retry.
var LedgerCASConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "cas_conflicts_total",
	Help:      "Compare-and-swap conflicts against the balance store.",
})

// LedgerStorageErrors counts failed store calls by operation.
var LedgerStorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "storage_errors_total",
	Help:      "Balance store failures by operation.",
}, []string{"op"})

// LedgerOpDuration tracks ledger operation latency.
var LedgerOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "op_duration_seconds",
	Help:      "Ledger operation latency in seconds.",
	Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, 1},
}, []string{"op"})

// LedgerSubscribers tracks live balance subscriptions.
var LedgerSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tokens",
	Subsystem: "ledger",
	Name:      "subscribers",
	Help:      "Number of live balance subscriptions.",
})

// ─── Gate Metrics ───────────────────────────────────────────────────────────

// FeatureUsage counts granted feature authorizations.
var FeatureUsage = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "gate",
	Name:      "feature_usage_total",
	Help:      "Granted feature authorizations by feature.",
}, []string{"feature"})

// ─── Sync Metrics ───────────────────────────────────────────────────────────

// SyncRefreshes counts balances re-read because another context changed them.
var SyncRefreshes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "sync",
	Name:      "refreshes_total",
	Help:      "Balances re-read after an external change signal.",
})

// ─── API Metrics ────────────────────────────────────────────────────────────

// APIRateLimited counts requests rejected by the per-account limiter.
var APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "api",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by the per-account rate limiter.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total ledger spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokens",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total ledger spans with error status.",
})
