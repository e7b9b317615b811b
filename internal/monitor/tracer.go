package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "judgeguard"

// Tracer wraps OpenTelemetry tracing for the supervisors.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("judgeguard.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for tracing.
var (
	AttrRunID    = attribute.Key("judgeguard.run.id")
	AttrCommand  = attribute.Key("judgeguard.command")
	AttrPID      = attribute.Key("judgeguard.pid")
	AttrCgroup   = attribute.Key("judgeguard.cgroup")
	AttrExitCode = attribute.Key("judgeguard.exit_code")
	AttrSignal   = attribute.Key("judgeguard.signal")
)
