package extension

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/claudia-dev/claudia/internal/protocol"
)

func TestHandleMessageRegisterTransitionsState(t *testing.T) {
	e := newExtension("test", "true", nil, time.Millisecond, time.Millisecond, 0, nil)
	if e.State() != StateDead {
		t.Fatalf("expected initial state dead, got %s", e.State())
	}

	e.handleMessage(&wireMessage{
		Type:         protocol.FrameRegister,
		Name:         "test",
		Methods:      []string{"foo.bar"},
		SourceRoutes: []string{"claude-code"},
	})

	if e.State() != StateRegistered {
		t.Fatalf("expected registered state, got %s", e.State())
	}
	if len(e.Methods()) != 1 || e.Methods()[0] != "foo.bar" {
		t.Fatalf("expected methods [foo.bar], got %v", e.Methods())
	}
	if len(e.SourceRoutes()) != 1 || e.SourceRoutes()[0] != "claude-code" {
		t.Fatalf("expected sourceRoutes [claude-code], got %v", e.SourceRoutes())
	}
}

func TestOnRegisteredCallbackFires(t *testing.T) {
	e := newExtension("test", "true", nil, time.Millisecond, time.Millisecond, 0, nil)

	var gotRoutes []string
	e.OnRegistered(func(ext *Extension, sourceRoutes []string) {
		gotRoutes = sourceRoutes
	})

	e.handleMessage(&wireMessage{Type: protocol.FrameRegister, Name: "test", SourceRoutes: []string{"a", "b"}})

	if len(gotRoutes) != 2 || gotRoutes[0] != "a" || gotRoutes[1] != "b" {
		t.Fatalf("expected callback to receive [a b], got %v", gotRoutes)
	}
}

func TestCallRejectsDepthAboveMax(t *testing.T) {
	e := newExtension("test", "true", nil, time.Millisecond, time.Millisecond, 0, nil)
	ctx := context.Background()
	_, err := e.Call(ctx, "1", "some.method", nil, protocol.Envelope{Depth: protocol.MaxCallDepth + 1})
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.ErrCallCycle {
		t.Fatalf("expected ErrCallCycle, got %v", err)
	}
}

func TestCallFailsWithoutALiveProcess(t *testing.T) {
	e := newExtension("test", "true", nil, time.Millisecond, time.Millisecond, 0, nil)
	ctx := context.Background()
	_, err := e.Call(ctx, "1", "some.method", nil, protocol.Envelope{})
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.ErrExtensionDied {
		t.Fatalf("expected ErrExtensionDied when stdin is unset, got %v", err)
	}
}

func TestHandleOutboundCallRejectsDepthAboveMax(t *testing.T) {
	var calls int
	e := newExtension("test", "true", nil, time.Millisecond, time.Millisecond, 0, func(ctx context.Context, method string, payload json.RawMessage, envelope protocol.Envelope) (json.RawMessage, error) {
		calls++
		return nil, nil
	})
	e.handleOutboundCall(&wireMessage{Type: protocol.FrameCall, ID: "1", Method: "x", Envelope: protocol.Envelope{Depth: protocol.MaxCallDepth + 1}})
	if calls != 0 {
		t.Fatalf("expected call to be rejected before invoking the CallFunc, got %d calls", calls)
	}
}
