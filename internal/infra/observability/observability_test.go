package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

func TestTracer_StartEnd_RecordsSpan(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	_, span := tr.StartSpan(context.Background(), "withdraw", map[string]string{"transfer_id": "money-transfer-REF1"})
	tr.EndSpan(span, nil)

	if tr.SpanCount() != 1 {
		t.Fatalf("SpanCount() = %d, want 1", tr.SpanCount())
	}
	spans := tr.Spans(1)
	if spans[0].Operation != "withdraw" {
		t.Errorf("Operation = %q, want %q", spans[0].Operation, "withdraw")
	}
	if spans[0].Status != SpanOK {
		t.Errorf("Status = %d, want SpanOK", spans[0].Status)
	}
	if spans[0].Attrs["transfer_id"] != "money-transfer-REF1" {
		t.Errorf("Attrs[transfer_id] = %q", spans[0].Attrs["transfer_id"])
	}
}

func TestTracer_EndSpan_RecordsError(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	before := testutil.ToFloat64(TraceErrors)

	_, span := tr.StartSpan(context.Background(), "deposit", nil)
	tr.EndSpan(span, errors.New("boom"))

	spans := tr.Spans(1)
	if spans[0].Status != SpanError {
		t.Errorf("Status = %d, want SpanError", spans[0].Status)
	}
	if spans[0].Attrs["error"] != "boom" {
		t.Errorf("error attr = %q, want %q", spans[0].Attrs["error"], "boom")
	}
	if got := testutil.ToFloat64(TraceErrors) - before; got != 1 {
		t.Errorf("TraceErrors delta = %v, want 1", got)
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: false, MaxSpans: 100})
	_, span := tr.StartSpan(context.Background(), "noop", nil)
	tr.EndSpan(span, nil)

	if tr.SpanCount() != 0 {
		t.Errorf("disabled tracer SpanCount() = %d, want 0", tr.SpanCount())
	}
}

func TestTracer_RingBuffer_Overflow(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: true, MaxSpans: 3})
	for i := 0; i < 5; i++ {
		_, span := tr.StartSpan(context.Background(), "op", nil)
		tr.EndSpan(span, nil)
	}
	if tr.SpanCount() != 3 {
		t.Errorf("SpanCount() = %d, want 3 (ring buffer overflow)", tr.SpanCount())
	}
	if len(tr.Spans(0)) != 3 {
		t.Errorf("Spans(0) returned %d, want all 3", len(tr.Spans(0)))
	}
}

func TestTracer_InheritsParentTrace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)

	tr := NewTracer(DefaultTracerConfig())
	_, span := tr.StartSpan(ctx, "refund", nil)
	tr.EndSpan(span, nil)

	if got := tr.Spans(1)[0].TraceID; got != traceID.String() {
		t.Errorf("TraceID = %q, want %q", got, traceID.String())
	}
}

func TestTracer_SDKProviderAssignsIDs(t *testing.T) {
	tp := NewTracerProvider("transferd-test", "0.0.0")
	defer tp.Shutdown(context.Background())

	cfg := DefaultTracerConfig()
	cfg.Provider = tp
	tr := NewTracer(cfg)

	ctx, span := tr.StartSpan(context.Background(), "withdraw", nil)
	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("span context not propagated into ctx")
	}
	tr.EndSpan(span, nil)

	rec := tr.Spans(1)[0]
	if rec.TraceID == "" || rec.SpanID == "" {
		t.Errorf("span record = %+v, want trace and span ids", rec)
	}
}

// ─── Metrics ────────────────────────────────────────────────────────────────

func TestMetrics_Labels(t *testing.T) {
	before := testutil.ToFloat64(OperationInvocations.WithLabelValues("withdraw", "success"))
	OperationInvocations.WithLabelValues("withdraw", "success").Inc()
	if got := testutil.ToFloat64(OperationInvocations.WithLabelValues("withdraw", "success")) - before; got != 1 {
		t.Errorf("OperationInvocations delta = %v, want 1", got)
	}

	TransfersFinished.WithLabelValues("Refunded").Inc()
	ApprovalSignals.WithLabelValues("approved", "true").Inc()
	if testutil.CollectAndCount(TransfersFinished) == 0 {
		t.Error("TransfersFinished has no series")
	}
}
