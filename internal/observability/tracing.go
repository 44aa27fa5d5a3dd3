package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/troupe/internal/config"
)

// Tracer wraps the OpenTelemetry tracer for the spans this service
// emits: http request, chat turn, provider stream, tool invocation, and
// job execution.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from the tracing config and returns it with
// a shutdown function to flush pending spans on exit. Disabled tracing,
// an empty endpoint, or an exporter that fails to dial all fall back to
// a no-op tracer so the rest of the process never has to care.
func NewTracer(cfg config.TracingConfig) (*Tracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	name := cfg.ServiceName
	if name == "" {
		name = "troupe"
	}
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(name)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(name)}, noop
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0 || cfg.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{provider: provider, tracer: provider.Tracer(name)}
	return t, provider.Shutdown
}

// Start opens a span. The caller must end it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) > 0 {
		return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name)
}

// RecordError marks the span failed with the error attached.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceHTTPRequest opens the server span for one HTTP request.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "http "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
	return ctx, span
}

// TraceTurn opens the span covering one chat turn.
func (t *Tracer) TraceTurn(ctx context.Context, mode, roleID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(
			attribute.String("turn.mode", mode),
			attribute.String("role.id", roleID),
		))
}

// TraceLLMRequest opens the client span for one provider stream.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm."+provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

// TraceToolExecution opens the span for one tool invocation.
func (t *Tracer) TraceToolExecution(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool."+tool,
		trace.WithAttributes(attribute.String("tool.name", tool)))
}

// TraceJobRun opens the span for one scheduled job execution.
func (t *Tracer) TraceJobRun(ctx context.Context, jobID, scheduleType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.schedule_type", scheduleType),
		))
}

// TraceID returns the active trace id, or "" outside a trace. Handlers
// log it as the correlation id for internal errors.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
