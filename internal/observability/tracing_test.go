package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()
	if TraceID(ctx) != "" {
		t.Errorf("expected no trace id from no-op tracer, got %q", TraceID(ctx))
	}
}

func TestTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerFromProvider(provider, "test")

	ctx, span := tracer.Start(context.Background(), "driver.process", attribute.String("tenant_id", "t1"))
	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Fatal("expected trace and span ids in context")
	}
	End(span, errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "driver.process" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status().Code)
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "anything")
	End(span, nil)
	if ctx == nil {
		t.Fatal("nil context")
	}
}
