package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/tracing"
	"github.com/google/uuid"
)

// Host supervises every configured extension process and routes method
// calls and source-scoped events between them and the rest of Claudia
// (§4.2).
type Host struct {
	cfg    config.ExtensionConfig
	events *bus.Bus

	mu         sync.RWMutex
	extensions map[string]*Extension
	methodOf   map[string]string // method name -> owning extension name
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	tracer     *tracing.Tracer
}

// SetTracer attaches tracer so every dispatched call gets a span; nil
// disables span creation again.
func (h *Host) SetTracer(tracer *tracing.Tracer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracer = tracer
}

// New builds a Host. Extensions are not spawned until Start is called.
func New(cfg config.ExtensionConfig, events *bus.Bus) *Host {
	return &Host{
		cfg:        cfg,
		events:     events,
		extensions: make(map[string]*Extension),
		methodOf:   make(map[string]string),
	}
}

// Start spawns one subprocess per configured extension path and keeps them
// alive until ctx is canceled or Stop is called.
func (h *Host) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	initial := time.Duration(h.cfg.InitialBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxBackoff := time.Duration(h.cfg.MaxBackoffMs) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	callTimeout := time.Duration(h.cfg.CallTimeoutMs) * time.Millisecond

	for _, path := range h.cfg.Paths {
		name := extensionName(path)
		ext := newExtension(name, path, nil, initial, maxBackoff, callTimeout, h.dispatch)
		ext.OnRegistered(h.onExtensionRegistered)

		h.mu.Lock()
		h.extensions[name] = ext
		h.mu.Unlock()

		h.wg.Add(1)
		go func(ext *Extension) {
			defer h.wg.Done()
			ext.Run(runCtx, h.cfg.MaxRestartAttempts)
		}(ext)
	}
}

// Stop cancels every extension's run loop and waits for their goroutines
// to return.
func (h *Host) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// extensionName derives a stable display name from an extension's command
// path (its base name, extension stripped by the caller if desired).
func extensionName(path string) string {
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			name = path[i+1:]
			break
		}
	}
	return name
}

// Description describes one configured extension, for extension.list (§6).
type Description struct {
	Name         string   `json:"name"`
	State        State    `json:"state"`
	Methods      []string `json:"methods"`
	SourceRoutes []string `json:"sourceRoutes"`
}

// List returns the current state of every configured extension.
func (h *Host) List() []Description {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Description, 0, len(h.extensions))
	for _, ext := range h.extensions {
		out = append(out, Description{
			Name:         ext.name,
			State:        ext.State(),
			Methods:      ext.Methods(),
			SourceRoutes: ext.SourceRoutes(),
		})
	}
	return out
}

// rebuildMethodIndex recomputes which extension owns which method name.
// Extensions announce their methods in their register frame, which can
// arrive at any time after spawn, so the index is rebuilt lazily on each
// dispatch rather than held stale.
func (h *Host) rebuildMethodIndex() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methodOf = make(map[string]string)
	for name, ext := range h.extensions {
		if ext.State() != StateRegistered && ext.State() != StateHandling {
			continue
		}
		for _, m := range ext.Methods() {
			h.methodOf[m] = name
		}
	}
}

// dispatch is the CallFunc every extension uses to invoke a method that
// may be owned by a sibling extension or by the core. The gateway's
// MethodRouter reaches it through Host.Call for extension-owned methods,
// once wired with MethodRouter.SetExtensionHost.
func (h *Host) dispatch(ctx context.Context, method string, payload json.RawMessage, envelope protocol.Envelope) (json.RawMessage, error) {
	h.rebuildMethodIndex()

	h.mu.RLock()
	tracer := h.tracer
	h.mu.RUnlock()
	if tracer != nil {
		var span trace.Span
		ctx, span = tracer.StartSpan(ctx, "extension.call."+method, &envelope)
		defer span.End()
	}

	h.mu.RLock()
	ownerName, ok := h.methodOf[method]
	h.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.ErrUnknownMethod, fmt.Sprintf("no extension implements %q", method))
	}

	h.mu.RLock()
	owner, ok := h.extensions[ownerName]
	h.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.ErrExtensionDied, ownerName)
	}

	return owner.Call(ctx, uuid.NewString(), method, payload, envelope)
}

// Call is the public entry point used by gateway method handlers to
// invoke an extension-owned method.
func (h *Host) Call(ctx context.Context, method string, payload json.RawMessage, envelope protocol.Envelope) (json.RawMessage, error) {
	return h.dispatch(ctx, method, payload, envelope)
}

// HandlesMethod reports whether any currently-registered extension
// implements method, so the gateway can decide whether to route a
// request there before dispatching.
func (h *Host) HandlesMethod(method string) bool {
	h.rebuildMethodIndex()
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.methodOf[method]
	return ok
}

// onExtensionRegistered fires once an extension's register frame arrives,
// wiring its declared source routes onto the shared bus so events with a
// matching Source reach it (bus.Bus's own "deliver to both" resolution:
// a matching WS subscription and a matching source route both fire).
func (h *Host) onExtensionRegistered(ext *Extension, sourceRoutes []string) {
	if h.events == nil {
		return
	}
	for _, route := range sourceRoutes {
		route := route
		ext := ext
		h.events.RegisterSourceRoute(route, func(event bus.Event) {
			payload, err := json.Marshal(event.Payload)
			if err != nil {
				return
			}
			ext.Deliver(event.Name, payload, protocol.Envelope{
				ConnectionID: event.ConnectionID,
				Source:       event.Source,
			})
		})
	}
}
