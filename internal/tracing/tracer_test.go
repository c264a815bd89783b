package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
)

// testTracer builds a Tracer over an in-memory provider (no exporter, so
// no network access) using the real idGenerator, exercising exactly the
// trace-ID-threading behavior StartSpan relies on without needing a live
// OTLP collector.
func testTracer() *Tracer {
	provider := sdktrace.NewTracerProvider(sdktrace.WithIDGenerator(idGenerator{}))
	return &Tracer{tracer: provider.Tracer("claudia-test"), shutdown: provider.Shutdown}
}

func TestDisabledTracerDoesNotError(t *testing.T) {
	tr, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Shutdown(context.Background())

	env := &protocol.Envelope{}
	_, span := tr.StartSpan(context.Background(), "test", env)
	span.End()
}

func TestStartSpanAssignsATraceIDWhenNoneInbound(t *testing.T) {
	tr := testTracer()
	defer tr.Shutdown(context.Background())

	env := &protocol.Envelope{}
	_, span := tr.StartSpan(context.Background(), "root", env)
	defer span.End()

	if env.TraceID == "" || len(env.TraceID) != 32 {
		t.Fatalf("expected a 32-hex-char trace id, got %q", env.TraceID)
	}
}

func TestStartSpanReusesInboundTraceID(t *testing.T) {
	tr := testTracer()
	defer tr.Shutdown(context.Background())

	root := &protocol.Envelope{}
	_, rootSpan := tr.StartSpan(context.Background(), "root", root)
	defer rootSpan.End()

	child := &protocol.Envelope{TraceID: root.TraceID}
	_, childSpan := tr.StartSpan(context.Background(), "child", child)
	defer childSpan.End()

	if child.TraceID != root.TraceID {
		t.Fatalf("expected child span to inherit trace id %q, got %q", root.TraceID, child.TraceID)
	}
}

func TestStartSpanInvalidInboundTraceIDIsIgnored(t *testing.T) {
	tr := testTracer()
	defer tr.Shutdown(context.Background())

	env := &protocol.Envelope{TraceID: "not-a-hex-trace-id"}
	_, span := tr.StartSpan(context.Background(), "test", env)
	defer span.End()

	if env.TraceID == "not-a-hex-trace-id" {
		t.Fatalf("expected an invalid inbound trace id to be replaced with a generated one")
	}
	if len(env.TraceID) != 32 {
		t.Fatalf("expected a freshly generated 32-hex-char trace id, got %q", env.TraceID)
	}
}

func TestIDGeneratorReusesDesiredTraceID(t *testing.T) {
	gen := idGenerator{}
	want := randomTraceID()
	ctx := withDesiredTraceID(context.Background(), want)

	got, spanID := gen.NewIDs(ctx)
	if got != want {
		t.Fatalf("expected trace id %v reused, got %v", want, got)
	}
	if !spanID.IsValid() {
		t.Fatalf("expected a valid generated span id")
	}
}

func TestIDGeneratorGeneratesFreshTraceIDWithoutDesired(t *testing.T) {
	gen := idGenerator{}
	tid, sid := gen.NewIDs(context.Background())
	if !tid.IsValid() || !sid.IsValid() {
		t.Fatalf("expected valid generated ids")
	}
}
