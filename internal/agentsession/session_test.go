package agentsession

import (
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
)

func newTestSession() *Session {
	return newSession("sess-1", "ws-1", "", "/tmp", config.AgentConfig{Command: "claude"}, nil, nil)
}

func drain(t *testing.T, ch chan protocol.EventFrame, want int) []protocol.EventFrame {
	t.Helper()
	var out []protocol.EventFrame
	for i := 0; i < want; i++ {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d, got %d so far", i+1, want, len(out))
		}
	}
	return out
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	s := newTestSession()
	a := s.Subscribe()
	b := s.Subscribe()

	s.emit(protocol.EventTurnStop, map[string]string{"stop_reason": protocol.StopReasonEndTurn})

	drain(t, a, 1)
	drain(t, b, 1)
}

func TestCancelBracketsAbortWhenGenerating(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()

	s.mu.Lock()
	s.generating = true
	s.currentBlocks = []ContentBlock{{Type: "text", Text: "partial"}}
	s.mu.Unlock()

	s.Cancel()

	events := drain(t, ch, 2)
	if events[0].Event != protocol.EventContentBlockStop {
		t.Fatalf("expected content_block_stop first, got %s", events[0].Event)
	}
	if events[1].Event != protocol.EventMessageStop {
		t.Fatalf("expected message_stop second, got %s", events[1].Event)
	}

	// turn_stop arrives as a third event carrying stop_reason=abort
	third := drain(t, ch, 1)[0]
	if third.Event != protocol.EventTurnStop {
		t.Fatalf("expected turn_stop, got %s", third.Event)
	}
	var payload map[string]string
	json.Unmarshal(third.Payload, &payload)
	if payload["stop_reason"] != protocol.StopReasonAbort {
		t.Fatalf("expected abort stop_reason, got %q", payload["stop_reason"])
	}
}

func TestCancelNoOpWhenIdle(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()

	s.Cancel()

	select {
	case ev := <-ch:
		t.Fatalf("expected no synthetic events for an idle session, got %v", ev.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleResultMarksAbortOnError(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()

	s.handleResult(&CLILine{Type: "result", IsError: true})

	// message_stop comes first; turn_stop carries the stop_reason
	events := drain(t, ch, 2)
	var payload map[string]string
	json.Unmarshal(events[1].Payload, &payload)
	if payload["stop_reason"] != protocol.StopReasonAbort {
		t.Fatalf("expected abort on error result, got %q", payload["stop_reason"])
	}
}

func TestResumeFailureClearsExternalID(t *testing.T) {
	s := newTestSession()
	s.externalID = "stale-id"

	s.handleResult(&CLILine{
		Type:    "result",
		IsError: true,
		Errors:  []string{"No conversation found with session ID stale-id"},
	})

	if got := s.externalSessionID(); got != "" {
		t.Fatalf("expected external id cleared after resume failure, got %q", got)
	}
}

func TestToolResultRejectsUnknownRequestID(t *testing.T) {
	s := newTestSession()
	err := s.ToolResult("not-pending", json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected error for unknown request id")
	}
}

func TestBypassModeAutoResolvesControlRequest(t *testing.T) {
	s := newTestSession()
	s.SetPermissionMode(PermissionBypass)
	ch := s.Subscribe()

	s.handleControlRequest(&CLILine{Type: "control_request", RequestID: "req-1"})

	// Bypass never forwards a request_tool_results event to subscribers.
	select {
	case ev := <-ch:
		t.Fatalf("expected no forwarded event in bypass mode, got %v", ev.Event)
	case <-time.After(50 * time.Millisecond):
	}
	if s.PendingRequest() != nil {
		t.Fatalf("expected no pending request recorded in bypass mode")
	}
}

func TestHandleAssistantEmitsBlockStartBeforeDelta(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()

	msg, _ := json.Marshal(AssistantMessage{Content: []ContentBlock{{Type: "text", Text: "hi"}}})
	s.handleAssistant(&CLILine{Type: "assistant", Message: msg})

	events := drain(t, ch, 3)
	if events[0].Event != protocol.EventMessageStart {
		t.Fatalf("expected message_start first, got %s", events[0].Event)
	}
	if events[1].Event != protocol.EventContentBlockStart {
		t.Fatalf("expected content_block_start second, got %s", events[1].Event)
	}
	if events[2].Event != protocol.EventContentBlockDelta {
		t.Fatalf("expected content_block_delta third, got %s", events[2].Event)
	}
}

func TestReadLoopEmitsProcessDiedOnUnexpectedExit(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("no /bin/true available: %v", err)
	}

	s.readLoop(strings.NewReader(""), cmd, s.processGen)

	ev := drain(t, ch, 1)[0]
	if ev.Event != protocol.EventProcessDied {
		t.Fatalf("expected process_died for an exit Cancel didn't request, got %s", ev.Event)
	}
}

func TestReadLoopEmitsProcessEndedAfterCancel(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("no /bin/true available: %v", err)
	}
	s.mu.Lock()
	s.expectedClose = true
	s.mu.Unlock()

	s.readLoop(strings.NewReader(""), cmd, s.processGen)

	ev := drain(t, ch, 1)[0]
	if ev.Event != protocol.EventProcessEnded {
		t.Fatalf("expected process_ended after a Cancel-requested exit, got %s", ev.Event)
	}
}

func TestDefaultModeForwardsControlRequest(t *testing.T) {
	s := newTestSession()
	ch := s.Subscribe()

	s.handleControlRequest(&CLILine{Type: "control_request", RequestID: "req-1"})

	events := drain(t, ch, 1)
	if events[0].Event != protocol.EventRequestToolResults {
		t.Fatalf("expected request_tool_results, got %s", events[0].Event)
	}
	if s.PendingRequest() == nil || s.PendingRequest().RequestID != "req-1" {
		t.Fatalf("expected pending request recorded")
	}
}
