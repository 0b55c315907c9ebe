// Package observability holds the daemon's tracing and Prometheus metrics.
//
// This provides:
//   - OpenTelemetry spans around every account operation invocation
//   - A ring of recent span summaries for inspection and tests
//   - Prometheus metrics for transfers, operations, approvals and retries
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans created by this daemon.
const InstrumentationName = "github.com/tutu-network/transferd"

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// SpanRecord summarizes a finished span.
type SpanRecord struct {
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	Duration  time.Duration     `json:"duration"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Span is an in-flight span.
type Span struct {
	otel   trace.Span
	record SpanRecord
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer starts OpenTelemetry spans through its provider and keeps
// the most recent summaries in a ring buffer.
type Tracer struct {
	mu       sync.Mutex
	tracer   trace.Tracer
	spans    []SpanRecord
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int                  // ring buffer size (default 1000)
	Provider trace.TracerProvider // nil uses the global provider
}

// NewTracerProvider returns an SDK provider that samples every span and
// tags it with the service identity. Callers own Shutdown.
func NewTracerProvider(serviceName, serviceVersion string) *sdktrace.TracerProvider {
	rsc := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		semconv.TelemetrySDKLanguageGo,
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(rsc),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	tracer := otel.Tracer(InstrumentationName)
	if cfg.Provider != nil {
		tracer = cfg.Provider.Tracer(InstrumentationName)
	}
	return &Tracer{
		tracer:   tracer,
		spans:    make([]SpanRecord, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span. The caller must call EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{record: SpanRecord{
		Operation: operation,
		StartTime: time.Now(),
		Attrs:     attrs,
	}}
	if !t.enabled {
		return ctx, span
	}

	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	ctx, span.otel = t.tracer.Start(ctx, operation, trace.WithAttributes(kv...))
	if sc := span.otel.SpanContext(); sc.IsValid() {
		span.record.TraceID = sc.TraceID().String()
		span.record.SpanID = sc.SpanID().String()
	}
	return ctx, span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}

	rec := span.record
	rec.Duration = time.Since(rec.StartTime)
	if err != nil {
		rec.Status = SpanError
		attrs := make(map[string]string, len(rec.Attrs)+1)
		for k, v := range rec.Attrs {
			attrs[k] = v
		}
		attrs["error"] = err.Error()
		rec.Attrs = attrs
		if span.otel != nil {
			span.otel.RecordError(err)
			span.otel.SetStatus(codes.Error, err.Error())
		}
		TraceErrors.Inc()
	}
	if span.otel != nil {
		span.otel.End()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, rec)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []SpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]SpanRecord, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Transfer Metrics ───────────────────────────────────────────────────────

// TransfersStarted counts new orchestration instances.
var TransfersStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "transfers",
	Name:      "started_total",
	Help:      "Total transfers started.",
})

// TransfersFinished counts terminal results by status.
var TransfersFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "transfers",
	Name:      "finished_total",
	Help:      "Total transfers finished by result status.",
}, []string{"status"})

// TransfersActive tracks non-terminal transfers.
var TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "transferd",
	Subsystem: "transfers",
	Name:      "active",
	Help:      "Number of transfers not yet finished.",
})

// TransferDuration tracks wall time from submission to result.
var TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "transferd",
	Subsystem: "transfers",
	Name:      "duration_seconds",
	Help:      "Time from submission to final result.",
	Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 3600, 86400},
}, []string{"status"})

// CompensationFailures counts transfers left needing manual intervention.
var CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "transfers",
	Name:      "compensation_failures_total",
	Help:      "Total refunds that could not be applied.",
})

// ─── Operation Metrics ──────────────────────────────────────────────────────

// OperationInvocations counts account operation attempts by outcome.
var OperationInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "operations",
	Name:      "invocations_total",
	Help:      "Account operation invocations by operation and outcome.",
}, []string{"operation", "outcome"})

// OperationLatency tracks account operation latency.
var OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "transferd",
	Subsystem: "operations",
	Name:      "latency_seconds",
	Help:      "Account operation latency.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 5, 30},
}, []string{"operation"})

// OperationRetries counts scheduled retries.
var OperationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "operations",
	Name:      "retries_total",
	Help:      "Retries scheduled after transient failures.",
}, []string{"operation"})

// ExecutorActive tracks in-flight operation invocations.
var ExecutorActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "transferd",
	Subsystem: "executor",
	Name:      "active",
	Help:      "Operation invocations currently holding an executor slot.",
})

// ─── Approval Metrics ───────────────────────────────────────────────────────

// ApprovalSignals counts received approval signals by disposition.
var ApprovalSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "approval",
	Name:      "signals_total",
	Help:      "Approval signals by decision and whether the gate accepted them.",
}, []string{"decision", "accepted"})

// ApprovalOutcomes counts closed gates by outcome.
var ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "approval",
	Name:      "outcomes_total",
	Help:      "Approval gates closed by outcome.",
}, []string{"outcome"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "transferd",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
