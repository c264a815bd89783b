// Package extension supervises extension subprocesses: small programs
// that speak a line-delimited JSON protocol over stdin/stdout to extend
// Claudia with source-routed event handlers and callable methods (§4.2).
package extension

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// State is an extension process's lifecycle stage.
type State string

const (
	StateSpawning   State = "spawning"
	StateRegistered State = "registered"
	StateHandling   State = "handling"
	StateDead       State = "dead"
)

// wireMessage is the union of every frame shape an extension subprocess
// can send: a register declaration, a call/call_res reply, or an event.
// Fields irrelevant to a given Type are simply left zero.
type wireMessage struct {
	Type         string                 `json:"type"`
	Name         string                 `json:"name,omitempty"`   // register: the extension's declared name
	Methods      []string               `json:"methods,omitempty"` // register: methods this extension implements
	SourceRoutes []string               `json:"sourceRoutes,omitempty"` // register: event sources to route here
	ID           string                 `json:"id,omitempty"`
	Method       string                 `json:"method,omitempty"`
	Event        string                 `json:"event,omitempty"`
	Payload      json.RawMessage        `json:"payload,omitempty"`
	OK           bool                   `json:"ok,omitempty"`
	Error        *protocol.ErrorPayload `json:"error,omitempty"`
	protocol.Envelope
}

// CallFunc invokes method on another extension (or the core), used to
// service an extension's outbound `call` frames. The host supplies this so
// Extension itself never needs to know about its siblings.
type CallFunc func(ctx context.Context, method string, payload json.RawMessage, envelope protocol.Envelope) (json.RawMessage, error)

// Extension supervises one subprocess.
type Extension struct {
	name    string
	command string
	args    []string
	call    CallFunc

	mu           sync.Mutex
	state        State
	methods      []string
	sourceRoutes []string
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	pending      map[string]chan *wireMessage

	restartAttempts int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	callTimeout     time.Duration

	onRegistered func(ext *Extension, sourceRoutes []string)
}

// newExtension constructs an Extension ready to Start. call services
// outbound `call` frames raised by the extension once it is registered.
func newExtension(name, command string, args []string, initialBackoff, maxBackoff, callTimeout time.Duration, call CallFunc) *Extension {
	return &Extension{
		name:           name,
		command:        command,
		args:           args,
		call:           call,
		state:          StateDead,
		pending:        make(map[string]chan *wireMessage),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		callTimeout:    callTimeout,
	}
}

// OnRegistered sets the callback invoked once this extension's register
// frame arrives, reporting the source routes it declared.
func (e *Extension) OnRegistered(fn func(ext *Extension, sourceRoutes []string)) {
	e.mu.Lock()
	e.onRegistered = fn
	e.mu.Unlock()
}

// State returns the extension's current lifecycle stage.
func (e *Extension) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SourceRoutes returns the event sources this extension registered for.
func (e *Extension) SourceRoutes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sourceRoutes...)
}

// Methods returns the method names this extension declared it implements.
func (e *Extension) Methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.methods...)
}

// Run spawns the extension and keeps it running, respawning with
// exponential backoff on crash, until ctx is canceled or
// maxRestartAttempts is exceeded (§4.2, grounded on the MCP manager's
// backoff shape).
func (e *Extension) Run(ctx context.Context, maxRestartAttempts int) {
	backoff := e.initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.spawn(ctx); err != nil {
			slog.Error("extension: spawn failed", "name", e.name, "error", err)
		} else {
			e.waitForExit()
		}

		e.mu.Lock()
		e.state = StateDead
		e.restartAttempts++
		attempts := e.restartAttempts
		e.mu.Unlock()

		if maxRestartAttempts > 0 && attempts >= maxRestartAttempts {
			slog.Error("extension: giving up after repeated crashes", "name", e.name, "attempts", attempts)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.maxBackoff {
			backoff = e.maxBackoff
		}
	}
}

func (e *Extension) spawn(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateSpawning
	e.mu.Unlock()

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	e.mu.Lock()
	e.cmd = cmd
	e.stdin = stdin
	e.mu.Unlock()

	go e.readLoop(stdout)
	return nil
}

func (e *Extension) waitForExit() {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd != nil {
		cmd.Wait()
	}
}

func (e *Extension) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)

	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("extension: malformed line", "name", e.name, "error", err)
			continue
		}
		e.handleMessage(&msg)
	}
}

func (e *Extension) handleMessage(msg *wireMessage) {
	switch msg.Type {
	case protocol.FrameRegister:
		e.mu.Lock()
		e.methods = msg.Methods
		e.sourceRoutes = msg.SourceRoutes
		e.state = StateRegistered
		e.restartAttempts = 0
		onRegistered := e.onRegistered
		e.mu.Unlock()
		slog.Info("extension: registered", "name", e.name, "methods", msg.Methods, "sourceRoutes", msg.SourceRoutes)
		if onRegistered != nil {
			onRegistered(e, msg.SourceRoutes)
		}

	case protocol.FrameRes, protocol.FrameCallRes:
		e.mu.Lock()
		ch, ok := e.pending[msg.ID]
		if ok {
			delete(e.pending, msg.ID)
		}
		e.mu.Unlock()
		if ok {
			ch <- msg
		}

	case protocol.FrameCall:
		go e.handleOutboundCall(msg)
	}
}

// handleOutboundCall services a `call` frame the extension issued to
// invoke another method, enforcing the call-depth and deadline guardrails
// from §4.2.
func (e *Extension) handleOutboundCall(msg *wireMessage) {
	if msg.Depth > protocol.MaxCallDepth {
		e.respondCallError(msg.ID, protocol.ErrCallCycle, "max call depth exceeded")
		return
	}
	if msg.DeadlineMs > 0 && !time.Now().Before(time.UnixMilli(msg.DeadlineMs)) {
		e.respondCallError(msg.ID, protocol.ErrDeadlineExceeded, "deadline already passed")
		return
	}
	if e.call == nil {
		e.respondCallError(msg.ID, protocol.ErrNotSupported, "no handler for outgoing calls")
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if msg.DeadlineMs > 0 {
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(msg.DeadlineMs))
	} else if e.callTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
	}
	if cancel != nil {
		defer cancel()
	}

	envelope := msg.Envelope
	envelope.Depth++

	result, err := e.call(ctx, msg.Method, msg.Payload, envelope)
	if err != nil {
		if pe, ok := err.(*protocol.Error); ok {
			e.respondCallError(msg.ID, pe.Kind, pe.Message)
			return
		}
		e.respondCallError(msg.ID, protocol.ErrInternal, err.Error())
		return
	}
	e.send(&wireMessage{Type: protocol.FrameCallRes, ID: msg.ID, OK: true, Payload: result})
}

func (e *Extension) respondCallError(id string, kind protocol.ErrorKind, message string) {
	e.send(&wireMessage{Type: protocol.FrameCallRes, ID: id, OK: false, Error: &protocol.ErrorPayload{Kind: kind, Message: message}})
}

// Deliver pushes a source-routed event into the extension (the core's half
// of §4.2's source-route delivery).
func (e *Extension) Deliver(event string, payload json.RawMessage, envelope protocol.Envelope) {
	if err := e.send(&wireMessage{Type: protocol.FrameEvent, Event: event, Payload: payload, Envelope: envelope}); err != nil {
		slog.Warn("extension: failed to deliver event", "name", e.name, "event", event, "error", err)
	}
}

// Call invokes a method the extension declared in its register message,
// blocking until the extension responds or ctx is canceled.
func (e *Extension) Call(ctx context.Context, id, method string, payload json.RawMessage, envelope protocol.Envelope) (json.RawMessage, error) {
	if envelope.Depth > protocol.MaxCallDepth {
		return nil, protocol.Errorf(protocol.ErrCallCycle, "max call depth exceeded")
	}

	ch := make(chan *wireMessage, 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()

	if err := e.send(&wireMessage{Type: protocol.FrameCall, ID: id, Method: method, Payload: payload, Envelope: envelope}); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrExtensionDied, err.Error())
	}

	select {
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrDeadlineExceeded, ctx.Err().Error())
	case resp := <-ch:
		if !resp.OK {
			kind := protocol.ErrExternalFailure
			msg := ""
			if resp.Error != nil {
				kind = resp.Error.Kind
				msg = resp.Error.Message
			}
			return nil, protocol.Errorf(kind, msg)
		}
		return resp.Payload, nil
	}
}

func (e *Extension) send(msg *wireMessage) error {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("extension %s is not running", e.name)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = stdin.Write(raw)
	return err
}
