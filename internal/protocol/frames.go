// Package protocol defines the wire schema shared by the gateway's
// WebSocket clients (§4.1) and the extension host's subprocess channel
// (§4.2).
package protocol

import "encoding/json"

// ProtocolVersion is advertised on the health endpoint and the connect
// handshake so clients can detect a breaking wire change.
const ProtocolVersion = 1

// Frame type discriminators, shared by both the client<->gateway and the
// core<->extension wire formats.
const (
	FrameReq            = "req"
	FrameRes            = "res"
	FrameEvent          = "event"
	FramePing           = "ping"
	FramePong           = "pong"
	FrameSubscribe      = "subscribe"
	FrameUnsubscribe    = "unsubscribe"
	FrameRegister       = "register"
	FrameCall           = "call"
	FrameCallRes        = "call_res"
)

// Envelope carries request-scoped metadata through the gateway, across
// extension calls, and into the librarian's job spans. Fields propagate
// unchanged through `call` chains except `depth`, which increments once
// per hop (§4.1, §4.2).
type Envelope struct {
	ConnectionID string            `json:"connectionId,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Source       string            `json:"source,omitempty"`
	TraceID      string            `json:"traceId,omitempty"`
	Depth        int               `json:"depth,omitempty"`
	DeadlineMs   int64             `json:"deadlineMs,omitempty"`
}

// MaxCallDepth is the compile-time maximum nesting of extension `call`
// chains (§4.2). The 9th nested call fails with ErrorKind.CallCycle.
const MaxCallDepth = 8

// RequestFrame is a client -> gateway RPC request.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Envelope
}

// ResponseFrame is the gateway's (or extension's) reply to exactly one
// RequestFrame.ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the tagged error value carried in `error` fields (§7).
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// EventFrame is a server -> client (or core -> extension) broadcast.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Envelope
}

// NewEvent builds an EventFrame by marshaling payload to JSON.
func NewEvent(event string, payload interface{}) *EventFrame {
	raw, _ := json.Marshal(payload)
	return &EventFrame{Type: FrameEvent, Event: event, Payload: raw}
}

// NewOKResponse builds a successful ResponseFrame.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	raw, _ := json.Marshal(payload)
	return &ResponseFrame{Type: FrameRes, ID: id, OK: true, Payload: raw}
}

// NewErrorResponse builds a failed ResponseFrame.
func NewErrorResponse(id string, kind ErrorKind, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameRes,
		ID:    id,
		OK:    false,
		Error: &ErrorPayload{Kind: kind, Message: message},
	}
}

// SubscribeFrame enumerates event-name globs a connection wants delivered.
type SubscribeFrame struct {
	Type   string   `json:"type"`
	ID     string   `json:"id"`
	Params []string `json:"params"`
}

// PingFrame / PongFrame implement the idle-liveness handshake (§4.1).
type PingFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type PongFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
