package agentsession

import (
	"context"
	"sync"

	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/store"
)

// Manager owns every live Session in the process, keyed by the Claudia
// session id persisted in the store.
type Manager struct {
	cfg    config.AgentConfig
	st     *store.Store
	events *bus.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a Manager. No processes are started until a session receives
// its first prompt (§4.3 lazy resume).
func New(cfg config.AgentConfig, st *store.Store, events *bus.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		st:       st,
		events:   events,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreateSession always creates a new session record in workspaceID
// and registers a live Session for it. When previousSessionID names an
// existing record, the new Session inherits that record's external
// session id.
func (m *Manager) GetOrCreateSession(ctx context.Context, workspaceID, previousSessionID, workDir string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.st.CreateSession(workspaceID, previousSessionID)
	if err != nil {
		return nil, err
	}

	externalID := ""
	if previousSessionID != "" {
		if prev, err := m.st.Session(previousSessionID); err == nil {
			externalID = prev.ExternalSessionID
		}
	}

	sess := newSession(rec.ID, workspaceID, externalID, workDir, m.cfg, m.st, m.events)
	m.sessions[rec.ID] = sess
	return sess, nil
}

// Session returns a live Session by id, rehydrating a stub from the store
// if this process has not loaded it into memory yet.
func (m *Manager) Session(sessionID, workDir string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess, nil
	}

	rec, err := m.st.Session(sessionID)
	if err != nil {
		return nil, err
	}
	sess := newSession(rec.ID, rec.WorkspaceID, rec.ExternalSessionID, workDir, m.cfg, m.st, m.events)
	m.sessions[sessionID] = sess
	return sess, nil
}

// Prompt submits text to a session, starting its process if needed, and
// records a touch on the session record.
func (m *Manager) Prompt(ctx context.Context, sessionID, workDir, text string) error {
	sess, err := m.Session(sessionID, workDir)
	if err != nil {
		return err
	}
	if err := sess.Send(ctx, text); err != nil {
		return err
	}
	return m.st.TouchSession(sessionID)
}

// Interrupt cancels an in-flight turn on sessionID.
func (m *Manager) Interrupt(sessionID, workDir string) error {
	sess, err := m.Session(sessionID, workDir)
	if err != nil {
		return err
	}
	sess.Cancel()
	return nil
}

// ToolResult answers a pending interactive tool permission prompt on
// sessionID.
func (m *Manager) ToolResult(sessionID, workDir, requestID string, response []byte) error {
	sess, err := m.Session(sessionID, workDir)
	if err != nil {
		return err
	}
	return sess.ToolResult(requestID, response)
}

// SetPermissionMode changes how sessionID resolves future control
// requests.
func (m *Manager) SetPermissionMode(sessionID, workDir string, mode PermissionMode) error {
	sess, err := m.Session(sessionID, workDir)
	if err != nil {
		return err
	}
	sess.SetPermissionMode(mode)
	return nil
}

// Subscribe returns a channel fanning out sessionID's events.
func (m *Manager) Subscribe(sessionID, workDir string) (chan protocol.EventFrame, error) {
	sess, err := m.Session(sessionID, workDir)
	if err != nil {
		return nil, err
	}
	return sess.Subscribe(), nil
}

// Unsubscribe releases a channel returned by Subscribe.
func (m *Manager) Unsubscribe(sessionID string, ch chan protocol.EventFrame) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		sess.Unsubscribe(ch)
	}
}

// Close cancels and discards a single session, used by callers (the
// librarian) that need a strictly one-shot session rather than one that
// persists for the process lifetime.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		sess.Cancel()
		sess.closeAllSubscribers()
	}
}

// Shutdown cancels every live session's process, used on supervisor
// restart or graceful process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.Cancel()
		sess.closeAllSubscribers()
	}
	m.sessions = make(map[string]*Session)
}
