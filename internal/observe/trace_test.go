package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracerProvider swaps in a provider with an in-memory exporter and
// restores the global one on cleanup.
func installTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := installTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "synthesize")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32 hex chars", len(cid))
	}
	for _, c := range cid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Errorf("correlation ID contains non-hex character %q", c)
			break
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "synthesize" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "synthesize")
	}
}

func TestStartSpan_NestedSpansShareTrace(t *testing.T) {
	installTracerProvider(t)

	ctx, parent := StartSpan(context.Background(), "utterance")
	defer parent.End()
	childCtx, child := StartSpan(ctx, "inference")
	defer child.End()

	if CorrelationID(ctx) != CorrelationID(childCtx) {
		t.Error("child span does not share the parent's trace ID")
	}
}

func TestCorrelationID_UniquePerTrace(t *testing.T) {
	installTracerProvider(t)

	ids := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := StartSpan(context.Background(), "utterance")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := ids[cid]; dup {
			t.Fatalf("duplicate correlation ID: %s", cid)
		}
		ids[cid] = struct{}{}
	}
}

func captureLogs(t *testing.T) *strings.Builder {
	t.Helper()
	var buf strings.Builder
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestLogger_AttachesTraceAndSpanIDs(t *testing.T) {
	installTracerProvider(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "utterance")
	defer span.End()

	Logger(ctx).Info("utterance closed")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") {
		t.Errorf("log output missing trace_id: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log output missing span_id: %s", logged)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("no active span")

	if logged := buf.String(); strings.Contains(logged, "trace_id") {
		t.Errorf("log output should not contain trace_id: %s", logged)
	}
}
