// Package tracing wires OpenTelemetry tracing through Claudia: a tracer
// provider exporting over OTLP/HTTP when telemetry is enabled (a no-op
// otherwise), and helpers that back the wire envelope's traceId (§4.1)
// with a real span so a request can be followed through the gateway, any
// nested extension `call` chain, and the librarian job it eventually
// triggers. Declared in the teacher's go.mod but not exercised by any
// retrieved teacher file; this gives the declared otel stack a concrete
// home.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
)

// Tracer wraps a trace.Tracer and its provider's shutdown hook.
type Tracer struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// New builds a Tracer from cfg. When cfg.Enabled is false, every method
// on the returned Tracer is a real no-op (no allocation-free shortcuts
// taken; this just uses otel's own noop provider) rather than the caller
// needing to branch on whether tracing is on.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer:   noop.NewTracerProvider().Tracer("claudia"),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "claudia"
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithIDGenerator(idGenerator{}),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer("claudia"), shutdown: provider.Shutdown}, nil
}

// Shutdown flushes and stops the underlying provider (a no-op when
// tracing is disabled).
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// StartSpan starts a span named name, reusing env.TraceID as the span's
// trace ID when present (so it joins whatever trace the request already
// belongs to), and writes the resulting trace ID back onto env so the
// next hop in a `call` chain inherits it. Callers end the span the usual
// way (defer span.End()).
func (t *Tracer) StartSpan(ctx context.Context, name string, env *protocol.Envelope) (context.Context, trace.Span) {
	if env.TraceID != "" {
		if tid, err := trace.TraceIDFromHex(env.TraceID); err == nil {
			ctx = withDesiredTraceID(ctx, tid)
		}
	}
	ctx, span := t.tracer.Start(ctx, name)
	env.TraceID = span.SpanContext().TraceID().String()
	return ctx, span
}
