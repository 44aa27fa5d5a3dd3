package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/troupe/internal/config"
)

func TestNoopTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(config.TracingConfig{})

	ctx, span := tracer.TraceTurn(context.Background(), "stream", "r1")
	tracer.RecordError(span, errors.New("boom"))
	span.End()

	if id := TraceID(ctx); id != "" {
		t.Errorf("TraceID() = %q, want empty for noop tracer", id)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}

func TestTraceIDOutsideSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID() = %q, want empty", id)
	}
}

func TestDisabledTracingIgnoresEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(config.TracingConfig{
		Enabled:  false,
		Endpoint: "localhost:4317",
	})
	defer shutdown(context.Background())

	if tracer.provider != nil {
		t.Error("disabled tracing should not build an sdk provider")
	}
}
