package tracing

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// withDesiredTraceID stashes a trace ID that the next span started from
// ctx must reuse. It is how StartSpan threads an inbound
// protocol.Envelope.TraceID into a new span's trace ID: the wire format
// only carries a trace ID string, not a full W3C traceparent, so spans
// across a `call` chain are correlated by sharing a trace ID rather than
// by true parent/child span linkage.
func withDesiredTraceID(ctx context.Context, id trace.TraceID) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func desiredTraceID(ctx context.Context) (trace.TraceID, bool) {
	id, ok := ctx.Value(traceIDKey{}).(trace.TraceID)
	return id, ok
}

// idGenerator produces random trace and span IDs, except that a trace ID
// stashed on ctx via withDesiredTraceID is reused instead of generated.
type idGenerator struct{}

func (idGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	if tid, ok := desiredTraceID(ctx); ok {
		return tid, randomSpanID()
	}
	return randomTraceID(), randomSpanID()
}

func (idGenerator) NewSpanID(ctx context.Context, _ trace.TraceID) trace.SpanID {
	return randomSpanID()
}

func randomTraceID() trace.TraceID {
	var id trace.TraceID
	for {
		_, _ = rand.Read(id[:])
		if id.IsValid() {
			return id
		}
	}
}

func randomSpanID() trace.SpanID {
	var id trace.SpanID
	for {
		_, _ = rand.Read(id[:])
		if id.IsValid() {
			return id
		}
	}
}
