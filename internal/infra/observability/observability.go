// Package observability provides lightweight tracing and Prometheus
// metrics for the fabric digital twin: trace spans (opened today only for
// PlanJob, by the HTTP API), and counters/histograms/gauges for state,
// planner, chaos and liveness operations.
//
// There is no OTel SDK dependency here; spans live in an in-memory ring
// buffer a caller can inspect (e.g. a future /traces endpoint), and every
// completed span also increments the traces subsystem's counters below.
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

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanServer
	SpanClient
)

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents a unit of work within a trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 10_000}
}

// Tracer records spans into a fixed-size ring buffer, dropping the oldest
// entry once full rather than growing unbounded.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{spans: make([]Span, 0, cfg.MaxSpans), maxSpans: cfg.MaxSpans, enabled: cfg.Enabled}
}

// StartSpan begins a span. The only operation name this tree passes is
// "plan_job" (the HTTP /plan handler). The caller must call EndSpan when
// the unit of work completes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		Kind:      SpanInternal,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan closes span, appends it to the ring buffer, and updates the
// traces subsystem's counters. A non-nil err marks the span SpanError and
// records err's message under the "error" attribute.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
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

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent limit spans (all of them if
// limit is <= 0 or exceeds the buffer's current size).
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

func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

type contextKey string

const (
	traceIDKey contextKey = "dt-trace-id"
	spanIDKey  contextKey = "dt-span-id"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(spanIDKey).(string)
	return v
}

var spanCounter atomic.Int64

// generateID returns a short, monotonically distinct id — not
// cryptographically unique, which tracing doesn't need.
func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ─── Metrics ────────────────────────────────────────────────────────────────

// ReservationsTotal tracks reservation attempts by outcome.
var ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "state",
	Name:      "reservations_total",
	Help:      "Total Reserve() calls by outcome (ok, infeasible).",
}, []string{"outcome"})

// ReleasesTotal tracks Release() calls.
var ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "state",
	Name:      "releases_total",
	Help:      "Total Release() calls by outcome (ok, not_found).",
}, []string{"outcome"})

// ObservationsTotal tracks ApplyObservation() calls by type (node, link).
var ObservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "state",
	Name:      "observations_total",
	Help:      "Total ApplyObservation() calls by payload type.",
}, []string{"type"})

// OverrideReloads tracks the watcher's override-file reload count.
var OverrideReloads = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "state",
	Name:      "override_reloads_total",
	Help:      "Total override-file reloads picked up by the watcher.",
})

// ─── Planner Metrics ────────────────────────────────────────────────────────

// PlanJobsTotal tracks PlanJob calls by strategy and outcome.
var PlanJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "planner",
	Name:      "plan_jobs_total",
	Help:      "Total PlanJob calls by strategy and outcome (feasible, infeasible).",
}, []string{"strategy", "outcome"})

// PlanLatency tracks the wall-clock cost of one PlanJob call.
var PlanLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "dt",
	Subsystem: "planner",
	Name:      "plan_latency_ms",
	Help:      "Wall-clock latency of one PlanJob call, in milliseconds.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
}, []string{"strategy"})

// PlannedLatencyMs tracks the projected job latency PlanJob returns.
var PlannedLatencyMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "dt",
	Subsystem: "planner",
	Name:      "planned_latency_ms",
	Help:      "Projected end-to-end job latency returned by PlanJob, in milliseconds.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
}, []string{"strategy"})

// ─── Chaos Metrics ──────────────────────────────────────────────────────────

// ChaosEventsApplied tracks chaos events applied by the engine, by kind.
var ChaosEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "chaos",
	Name:      "events_applied_total",
	Help:      "Total chaos events applied by the engine, by kind.",
}, []string{"kind"})

// ChaosEventsReverted tracks synthetic reverts applied by the engine.
var ChaosEventsReverted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "chaos",
	Name:      "events_reverted_total",
	Help:      "Total chaos event reverts applied by the engine, by original kind.",
}, []string{"kind"})

// ─── Liveness Metrics ───────────────────────────────────────────────────────

// NodeLivenessState tracks the current liveness classification per node
// (0=alive, 1=suspect, 2=dead).
var NodeLivenessState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dt",
	Subsystem: "liveness",
	Name:      "node_state",
	Help:      "Current liveness state per node (0=alive, 1=suspect, 2=dead).",
}, []string{"node"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "dt",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
