package gateway

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/trace"

	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/tracing"
)

// MethodHandler handles one RPC method. params is the raw request params;
// handlers unmarshal it themselves so MethodRouter stays decoupled from
// every package that registers a method.
type MethodHandler func(ctx context.Context, envelope protocol.Envelope, params json.RawMessage) (interface{}, error)

// ExtensionCaller is the narrow slice of extension.Host's API the router
// needs for its second dispatch precedence tier (§6: intrinsic methods
// first, then extension-registered ones). Declared here rather than
// imported from internal/extension to keep gateway free of a dependency
// on the package it fronts.
type ExtensionCaller interface {
	HandlesMethod(method string) bool
	Call(ctx context.Context, method string, payload json.RawMessage, envelope protocol.Envelope) (json.RawMessage, error)
}

// MethodRouter dispatches RequestFrame.Method to a registered handler.
// Callers (cmd/claudia's wiring) register one handler per method name
// rather than MethodRouter importing every domain package directly,
// avoiding an import cycle between gateway and the packages it fronts.
type MethodRouter struct {
	handlers   map[string]MethodHandler
	tracer     *tracing.Tracer
	extensions ExtensionCaller
}

// NewMethodRouter returns an empty router ready for RegisterMethod calls.
// Dispatch works without a tracer (SetTracer is optional); cmd/claudia
// wires one in once it builds the process's Tracer.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]MethodHandler)}
}

// SetTracer attaches tracer so every dispatched call gets a span; nil
// disables span creation again.
func (r *MethodRouter) SetTracer(tracer *tracing.Tracer) {
	r.tracer = tracer
}

// SetExtensionHost attaches the extension host consulted for any method
// name no intrinsic handler claims, implementing §6's dispatch
// precedence: intrinsic methods registered at construction win first,
// extension-registered methods are tried second.
func (r *MethodRouter) SetExtensionHost(host ExtensionCaller) {
	r.extensions = host
}

// RegisterMethod binds name to handler, panicking on a duplicate
// registration since that always indicates a wiring bug caught at startup.
func (r *MethodRouter) RegisterMethod(name string, handler MethodHandler) {
	if _, exists := r.handlers[name]; exists {
		panic("gateway: duplicate method registration: " + name)
	}
	r.handlers[name] = handler
}

// Dispatch looks up req.Method and invokes it, adapting the result (or
// error) into a ResponseFrame.
func (r *MethodRouter) Dispatch(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	handler, ok := r.handlers[req.Method]
	if !ok {
		if r.extensions != nil && r.extensions.HandlesMethod(req.Method) {
			return r.dispatchExtension(ctx, req)
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, req.Method)
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.StartSpan(ctx, "rpc."+req.Method, &req.Envelope)
		defer span.End()
	}

	result, err := handler(ctx, req.Envelope, req.Params)
	if err != nil {
		if pe, ok := err.(*protocol.Error); ok {
			return protocol.NewErrorResponse(req.ID, pe.Kind, pe.Message)
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOKResponse(req.ID, result)
}

// dispatchExtension forwards req to the owning extension. The span here
// is named after the RPC method rather than extension.Host's own
// "extension.call.<method>" span so the two nest correctly when the
// extension itself issues a further `call` frame.
func (r *MethodRouter) dispatchExtension(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.StartSpan(ctx, "rpc."+req.Method, &req.Envelope)
		defer span.End()
	}

	result, err := r.extensions.Call(ctx, req.Method, req.Params, req.Envelope)
	if err != nil {
		if pe, ok := err.(*protocol.Error); ok {
			return protocol.NewErrorResponse(req.ID, pe.Kind, pe.Message)
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOKResponse(req.ID, result)
}

// Methods lists every registered method name, backing the method.list RPC.
func (r *MethodRouter) Methods() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
