package methods

import (
	"context"
	"encoding/json"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/gateway"
	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/store"
)

// WorkspaceMethods handles the workspace.* namespace (§6).
type WorkspaceMethods struct {
	st       *store.Store
	sessions *agentsession.Manager
}

// NewWorkspaceMethods builds the workspace.* handler set.
func NewWorkspaceMethods(st *store.Store, sessions *agentsession.Manager) *WorkspaceMethods {
	return &WorkspaceMethods{st: st, sessions: sessions}
}

// Register binds every workspace.* method onto router.
func (m *WorkspaceMethods) Register(router *gateway.MethodRouter) {
	router.RegisterMethod(protocol.MethodWorkspaceList, m.list)
	router.RegisterMethod(protocol.MethodWorkspaceGet, m.get)
	router.RegisterMethod(protocol.MethodWorkspaceGetOrCreate, m.getOrCreate)
	router.RegisterMethod(protocol.MethodWorkspaceListSessions, m.listSessions)
	router.RegisterMethod(protocol.MethodWorkspaceCreateSession, m.createSession)
}

func (m *WorkspaceMethods) list(ctx context.Context, _ protocol.Envelope, _ json.RawMessage) (interface{}, error) {
	return m.st.ListWorkspaces()
}

func (m *WorkspaceMethods) get(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "id is required")
	}
	return m.st.Workspace(params.ID)
}

func (m *WorkspaceMethods) getOrCreate(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		Cwd  string `json:"cwd"`
		Name string `json:"name"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Cwd == "" {
		return nil, protocol.Errorf(protocol.ErrMissingContext, "cwd is required")
	}
	name := params.Name
	if name == "" {
		name = params.Cwd
	}
	return m.st.GetOrCreateWorkspace(params.Cwd, name)
}

func (m *WorkspaceMethods) listSessions(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.WorkspaceID == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "workspaceId is required")
	}
	return m.st.ListSessionsByWorkspace(params.WorkspaceID)
}

func (m *WorkspaceMethods) createSession(ctx context.Context, _ protocol.Envelope, raw json.RawMessage) (interface{}, error) {
	var params struct {
		WorkspaceID       string `json:"workspaceId"`
		PreviousSessionID string `json:"previousSessionId,omitempty"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.WorkspaceID == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "workspaceId is required")
	}
	ws, err := m.st.Workspace(params.WorkspaceID)
	if err != nil {
		return nil, err
	}
	sess, err := m.sessions.GetOrCreateSession(ctx, ws.ID, params.PreviousSessionID, ws.Cwd)
	if err != nil {
		return nil, err
	}
	return map[string]string{"sessionId": sess.ID()}, nil
}
