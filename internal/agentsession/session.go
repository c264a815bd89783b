// Package agentsession manages the lifecycle of per-session child
// processes that run the underlying coding CLI, translating its NDJSON
// stream into Claudia's typed session events and fanning them out to
// subscribers (§4.3).
package agentsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/store"
)

// Session wraps one workspace conversation. The underlying CLI process is
// started lazily on the first prompt (or resumed lazily on the first
// prompt after a restart) rather than when the session record is created,
// so opening ten idle sessions costs nothing but ten rows (§4.3 lazy
// resume).
type Session struct {
	id          string
	workspaceID string
	cfg         config.AgentConfig
	workDir     string

	mu             sync.Mutex
	externalID     string // the CLI's own session id, once known
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	cancel         context.CancelFunc
	started        bool
	generating     bool
	processGen     int
	currentBlocks  []ContentBlock
	pendingRequest *CLILine
	permissionMode PermissionMode
	expectedClose  bool // set by Cancel before killing the process; readLoop consults it to tell a requested stop from a crash

	subscribers map[chan protocol.EventFrame]struct{}

	st     *store.Store
	events *bus.Bus
}

func newSession(id, workspaceID, externalID, workDir string, cfg config.AgentConfig, st *store.Store, events *bus.Bus) *Session {
	return &Session{
		id:          id,
		workspaceID: workspaceID,
		externalID:  externalID,
		workDir:     workDir,
		cfg:         cfg,
		subscribers: make(map[chan protocol.EventFrame]struct{}),
		st:          st,
		events:      events,
	}
}

// ID returns the Claudia-assigned session id (distinct from the CLI's own
// session id, which is stored separately and may not exist yet).
func (s *Session) ID() string { return s.id }

// WorkspaceID returns the workspace this session belongs to.
func (s *Session) WorkspaceID() string { return s.workspaceID }

// ExternalID returns the CLI-assigned session id captured so far, or "" if
// the process has not reported one yet, for session.info/session.get.
func (s *Session) ExternalID() string { return s.externalSessionID() }

// IsGenerating reports whether a turn is currently in flight.
func (s *Session) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// Subscribe returns a channel receiving every event fanned out for this
// session. The channel survives process restarts; callers must Unsubscribe
// to release it.
func (s *Session) Subscribe() chan protocol.EventFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan protocol.EventFrame, 100)
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch. Safe to call twice.
func (s *Session) Unsubscribe(ch chan protocol.EventFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

func (s *Session) closeAllSubscribers() {
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan protocol.EventFrame]struct{})
}

func (s *Session) fanOut(event *protocol.EventFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- *event:
		default:
			slog.Warn("agentsession: subscriber buffer full, dropping event", "session", s.id, "event", event.Event)
		}
	}
	if s.events != nil {
		s.events.Publish(bus.Event{Name: event.Event, Payload: event.Payload, ConnectionID: event.ConnectionID})
	}
}

// ensureProcess lazily starts the CLI if it is not already running,
// resuming the prior conversation by externalID when one is known.
func (s *Session) ensureProcess(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	resumeID := s.externalID
	gen := s.processGen + 1
	s.processGen = gen
	s.expectedClose = false
	s.mu.Unlock()

	args := append([]string{}, s.cfg.ExtraArgs...)
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, s.cfg.Command, args...)
	cmd.Dir = s.workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agentsession: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agentsession: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("agentsession: start %s: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.emit(protocol.EventProcessStarted, nil)
	go s.readLoop(stdout, cmd, gen)
	return nil
}

func (s *Session) readLoop(stdout io.Reader, cmd *exec.Cmd, gen int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev CLILine
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("agentsession: malformed CLI line", "session", s.id, "error", err)
			continue
		}
		s.emit(protocol.EventSSE, json.RawMessage(line))
		s.handleLine(&ev)
	}

	cmd.Wait()

	s.mu.Lock()
	expected := s.expectedClose
	if s.processGen == gen {
		s.started = false
		s.generating = false
		s.stdin = nil
		s.cmd = nil
		s.cancel = nil
		s.expectedClose = false
	}
	s.mu.Unlock()

	// An exit Cancel didn't ask for is a crash, not a clean close: the
	// session record must stay resumable (§4.3), so it gets process_died
	// instead of process_ended.
	if expected {
		s.emit(protocol.EventProcessEnded, nil)
	} else {
		s.emit(protocol.EventProcessDied, nil)
	}
}

func (s *Session) handleLine(ev *CLILine) {
	if ev.SessionID != "" && !ev.IsError {
		s.mu.Lock()
		changed := s.externalID != ev.SessionID
		s.externalID = ev.SessionID
		s.mu.Unlock()
		if changed && s.st != nil {
			if err := s.st.SetExternalSessionID(s.id, ev.SessionID); err != nil {
				slog.Warn("agentsession: persist external session id failed", "session", s.id, "error", err)
			}
		}
	}

	switch ev.Type {
	case "assistant":
		s.handleAssistant(ev)
	case "control_request":
		s.handleControlRequest(ev)
	case "result":
		s.handleResult(ev)
	}
}

func (s *Session) handleAssistant(ev *CLILine) {
	var msg AssistantMessage
	if ev.Message == nil || json.Unmarshal(ev.Message, &msg) != nil {
		return
	}
	s.mu.Lock()
	s.currentBlocks = append(s.currentBlocks, msg.Content...)
	s.generating = true
	s.mu.Unlock()

	s.emit(protocol.EventMessageStart, nil)
	for _, block := range msg.Content {
		s.emit(protocol.EventContentBlockStart, map[string]string{"type": block.Type})
		s.emit(protocol.EventContentBlockDelta, block)
	}
}

func (s *Session) handleResult(ev *CLILine) {
	if ev.IsError && isResumeFailure(ev.Errors) {
		// The CLI no longer recognizes our --resume id (its own history
		// was pruned or the process was reinstalled). Drop it so the next
		// Send starts a fresh conversation instead of retrying the same
		// failing resume forever.
		s.mu.Lock()
		s.externalID = ""
		s.mu.Unlock()
		slog.Warn("agentsession: resume id rejected by CLI, starting fresh next turn", "session", s.id)
	}

	s.mu.Lock()
	blocks := s.currentBlocks
	s.currentBlocks = nil
	s.generating = false
	s.pendingRequest = nil
	s.mu.Unlock()

	if len(blocks) > 0 {
		s.emit(protocol.EventContentBlockStop, nil)
	}
	s.emit(protocol.EventMessageStop, nil)
	stopReason := protocol.StopReasonEndTurn
	if ev.IsError {
		stopReason = protocol.StopReasonAbort
	}
	s.emit(protocol.EventTurnStop, map[string]string{"stop_reason": stopReason})
}

// emit wraps payload in an EventFrame scoped to this session and fans it
// out; the gateway forwards it to subscribed clients via the bus.
func (s *Session) emit(event string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	s.fanOut(&protocol.EventFrame{
		Type:    protocol.FrameEvent,
		Event:   event,
		Payload: raw,
		Envelope: protocol.Envelope{
			Tags: map[string]string{"sessionId": s.id},
		},
	})
}

// writeStdin marshals v and writes it as one NDJSON line to the CLI's
// stdin. It returns ErrSessionClosed if the process is not running;
// callers guard with ensureProcess before any write that matters.
func (s *Session) writeStdin(v interface{}) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return protocol.Errorf(protocol.ErrSessionClosed, "no running process")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = stdin.Write(raw)
	return err
}

// Send submits a user prompt, starting the process if necessary.
func (s *Session) Send(ctx context.Context, text string) error {
	if err := s.ensureProcess(ctx); err != nil {
		return err
	}
	var msg stdinUserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = text
	s.mu.Lock()
	s.generating = true
	s.mu.Unlock()
	return s.writeStdin(msg)
}

// Cancel interrupts an in-flight turn. Per §4.3, interrupt brackets the
// abort with synthetic content_block_stop/message_stop/turn_stop events so
// subscribers see a well-formed turn boundary even though the CLI process
// itself is killed mid-stream rather than asked to stop gracefully.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	wasGenerating := s.generating
	hadBlocks := len(s.currentBlocks) > 0
	s.currentBlocks = nil
	s.generating = false
	s.pendingRequest = nil
	if cancel != nil {
		s.expectedClose = true
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasGenerating {
		if hadBlocks {
			s.emit(protocol.EventContentBlockStop, nil)
		}
		s.emit(protocol.EventMessageStop, nil)
		s.emit(protocol.EventTurnStop, map[string]string{"stop_reason": protocol.StopReasonAbort})
	}
}

// externalSessionID returns the CLI-assigned id captured so far, or "".
func (s *Session) externalSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalID
}

// isResumeFailure reports whether errs names a stale-session error the CLI
// raises when --resume points at a conversation it no longer recognizes.
func isResumeFailure(errs []string) bool {
	for _, e := range errs {
		if strings.Contains(e, "No conversation found") {
			return true
		}
	}
	return false
}
