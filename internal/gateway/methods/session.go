package methods

import (
	"context"
	"encoding/json"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/gateway"
	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/store"
	"github.com/claudia-dev/claudia/internal/tts"
)

// SessionMethods handles the session.* namespace (§6). voice is optional
// (nil when tts is disabled); when set, session.prompt tells it which
// connection currently owns the session's audio stream before forwarding
// the prompt to the agent process.
type SessionMethods struct {
	st       *store.Store
	sessions *agentsession.Manager
	voice    *tts.Bridge
}

// NewSessionMethods builds the session.* handler set.
func NewSessionMethods(st *store.Store, sessions *agentsession.Manager, voice *tts.Bridge) *SessionMethods {
	return &SessionMethods{st: st, sessions: sessions, voice: voice}
}

// Register binds every session.* method onto router.
func (m *SessionMethods) Register(router *gateway.MethodRouter) {
	router.RegisterMethod(protocol.MethodSessionInfo, m.info)
	router.RegisterMethod(protocol.MethodSessionPrompt, m.prompt)
	router.RegisterMethod(protocol.MethodSessionInterrupt, m.interrupt)
	router.RegisterMethod(protocol.MethodSessionPermissionMode, m.permissionMode)
	router.RegisterMethod(protocol.MethodSessionToolResult, m.toolResult)
	router.RegisterMethod(protocol.MethodSessionGet, m.get)
	router.RegisterMethod(protocol.MethodSessionHistory, m.history)
	router.RegisterMethod(protocol.MethodSessionSwitch, m.switchSession)
	router.RegisterMethod(protocol.MethodSessionReset, m.reset)
}

// workDirFor resolves the workDir a session's process should run in from
// its workspace record, so RPC callers need only ever name a sessionId —
// the one exception is workspace.create-session, which is how a session
// comes to exist in the first place.
func (m *SessionMethods) workDirFor(sessionID string) (string, error) {
	rec, err := m.st.Session(sessionID)
	if err != nil {
		return "", err
	}
	ws, err := m.st.Workspace(rec.WorkspaceID)
	if err != nil {
		return "", err
	}
	return ws.Cwd, nil
}

func sessionIDParam(raw json.RawMessage) (string, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return "", err
	}
	if params.SessionID == "" {
		return "", protocol.Errorf(protocol.ErrInvalidParams, "sessionId is required")
	}
	return params.SessionID, nil
}

func (m *SessionMethods) info(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	sessionID, err := sessionIDParam(raw)
	if err != nil {
		return nil, err
	}
	workDir, err := m.workDirFor(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := m.sessions.Session(sessionID, workDir)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionId":     sess.ID(),
		"workspaceId":   sess.WorkspaceID(),
		"externalId":    sess.ExternalID(),
		"generating":    sess.IsGenerating(),
		"pendingResult": sess.PendingRequest() != nil,
	}, nil
}

func (m *SessionMethods) get(ctx context.Context, env protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	sessionID, err := sessionIDParam(raw)
	if err != nil {
		return nil, err
	}
	return m.st.Session(sessionID)
}

func (m *SessionMethods) prompt(ctx context.Context, env protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" || params.Text == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "sessionId and text are required")
	}
	workDir, err := m.workDirFor(params.SessionID)
	if err != nil {
		return nil, err
	}
	if m.voice != nil {
		if err := m.voice.NoteConnection(params.SessionID, workDir, env.ConnectionID); err != nil {
			return nil, err
		}
	}
	if err := m.sessions.Prompt(ctx, params.SessionID, workDir, params.Text); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *SessionMethods) interrupt(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	sessionID, err := sessionIDParam(raw)
	if err != nil {
		return nil, err
	}
	workDir, err := m.workDirFor(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Interrupt(sessionID, workDir); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *SessionMethods) permissionMode(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Mode      string `json:"mode"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "sessionId is required")
	}
	mode := agentsession.PermissionMode(params.Mode)
	if mode != agentsession.PermissionDefault && mode != agentsession.PermissionBypass {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "mode must be \"default\" or \"bypass\"")
	}
	workDir, err := m.workDirFor(params.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.SetPermissionMode(params.SessionID, workDir, mode); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *SessionMethods) toolResult(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		SessionID string          `json:"sessionId"`
		RequestID string          `json:"requestId"`
		Response  json.RawMessage `json:"response"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" || params.RequestID == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "sessionId and requestId are required")
	}
	workDir, err := m.workDirFor(params.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.ToolResult(params.SessionID, workDir, params.RequestID, params.Response); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *SessionMethods) history(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	sessionID, err := sessionIDParam(raw)
	if err != nil {
		return nil, err
	}
	entries, err := m.st.EntriesBySession(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"entries": entries}, nil
}

// switchSession starts (or resumes) a session derived from previousSessionId
// within the same workspace, the RPC counterpart of workspace.create-session
// used when a client wants to branch off an existing conversation.
func (m *SessionMethods) switchSession(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		PreviousSessionID string `json:"previousSessionId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.PreviousSessionID == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "previousSessionId is required")
	}
	prev, err := m.st.Session(params.PreviousSessionID)
	if err != nil {
		return nil, err
	}
	workDir, err := m.workDirFor(params.PreviousSessionID)
	if err != nil {
		return nil, err
	}
	sess, err := m.sessions.GetOrCreateSession(ctx, prev.WorkspaceID, params.PreviousSessionID, workDir)
	if err != nil {
		return nil, err
	}
	return map[string]string{"sessionId": sess.ID()}, nil
}

// reset archives sessionId so it is no longer eligible for lazy resume; the
// workspace keeps its own new session going forward via create-session.
func (m *SessionMethods) reset(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	sessionID, err := sessionIDParam(raw)
	if err != nil {
		return nil, err
	}
	workDir, err := m.workDirFor(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Interrupt(sessionID, workDir); err != nil {
		return nil, err
	}
	m.sessions.Close(sessionID)
	if err := m.st.ArchiveSession(sessionID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}
