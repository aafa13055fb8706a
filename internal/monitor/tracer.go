package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "safe-analysis-sandbox"

// Tracer wraps OpenTelemetry tracing for the analysis pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. Span names
// are component-qualified, e.g. "llm.complete" or "pipeline.preanalysis".
// A nil Tracer falls back to the global provider.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	if t != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, when non-nil, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for tracing.
var (
	AttrExecID     = attribute.Key("analysis.execution.id")
	AttrBackend    = attribute.Key("analysis.backend")
	AttrCodeHash   = attribute.Key("analysis.code_hash")
	AttrErrorType  = attribute.Key("analysis.error_type")
	AttrDurationMS = attribute.Key("analysis.duration_ms")
	AttrSessionID  = attribute.Key("analysis.session.id")
	AttrStage      = attribute.Key("analysis.stage")
	AttrStatus     = attribute.Key("analysis.status")
	AttrModel      = attribute.Key("llm.model")
	AttrAttempt    = attribute.Key("llm.attempt")
	AttrHTTPStatus = attribute.Key("llm.http_status")
)
