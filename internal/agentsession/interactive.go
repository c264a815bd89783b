package agentsession

import (
	"encoding/json"
	"log/slog"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// PermissionMode controls how control_request (interactive tool) prompts
// are resolved: forwarded to a subscribed client, or answered locally
// without round-tripping to anyone.
type PermissionMode string

const (
	// PermissionDefault forwards every control_request to subscribers and
	// waits for session.tool-result.
	PermissionDefault PermissionMode = "default"
	// PermissionBypass answers every control_request with "allow"
	// immediately, never forwarding it. Resolved Open Question: when a
	// session has bypass set AND a client is subscribed, bypass wins —
	// the session was opened unattended on purpose, and a client that
	// happens to be watching should not start intercepting its prompts.
	PermissionBypass PermissionMode = "bypass"
)

// SetPermissionMode changes how future control_requests are resolved.
func (s *Session) SetPermissionMode(mode PermissionMode) {
	s.mu.Lock()
	s.permissionMode = mode
	s.mu.Unlock()
}

// handleControlRequest processes an interactive tool permission prompt
// from the CLI (§4.3). In bypass mode it answers immediately; otherwise it
// persists the pending request and forwards a request_tool_results event
// for a client to resolve via ToolResult.
func (s *Session) handleControlRequest(ev *CLILine) {
	s.mu.Lock()
	mode := s.permissionMode
	s.mu.Unlock()

	if mode == PermissionBypass {
		if err := s.writeStdin(stdinControlResponse{
			Type:      "control_response",
			RequestID: ev.RequestID,
			Response:  json.RawMessage(`{"behavior":"allow"}`),
		}); err != nil {
			slog.Warn("agentsession: bypass auto-reply failed", "session", s.id, "error", err)
		}
		return
	}

	s.mu.Lock()
	eventCopy := *ev
	s.pendingRequest = &eventCopy
	s.mu.Unlock()

	s.emit(protocol.EventRequestToolResults, map[string]interface{}{
		"requestId": ev.RequestID,
		"request":   json.RawMessage(ev.Request),
	})
}

// ToolResult answers a pending control_request with a client-supplied
// decision (allow/deny/edit), forwarding it verbatim to the CLI's stdin.
func (s *Session) ToolResult(requestID string, response json.RawMessage) error {
	s.mu.Lock()
	pending := s.pendingRequest
	if pending == nil || pending.RequestID != requestID {
		s.mu.Unlock()
		return protocol.Errorf(protocol.ErrInvalidParams, "no pending request with that id")
	}
	s.pendingRequest = nil
	s.mu.Unlock()

	return s.writeStdin(stdinControlResponse{
		Type:      "control_response",
		RequestID: requestID,
		Response:  response,
	})
}

// PendingRequest returns the currently unanswered control_request, if any,
// so a newly (re)connected client can redisplay the prompt.
func (s *Session) PendingRequest() *CLILine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingRequest
}
