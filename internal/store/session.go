package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// SessionStatus tracks whether a session record still has a live child
// process backing it (§3, §4.3).
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// SessionRecord is the persisted half of an agent session: the CLI process
// itself is owned by internal/agentsession.Manager and never touches the
// store directly. externalSessionId is the id the underlying CLI assigns
// on its own "init" event, captured on first response so a later process
// can resume the same conversation (§4.3).
type SessionRecord struct {
	ID                 string
	WorkspaceID        string
	ExternalSessionID  string
	Status             SessionStatus
	Title              string
	PreviousSessionID  string
	LastActivity       time.Time
	CreatedAt          time.Time
}

// CreateSession inserts a new session row in the given workspace. title may
// be empty; it is filled in lazily once the first user prompt is known.
func (s *Store) CreateSession(workspaceID string, previousSessionID string) (*SessionRecord, error) {
	rec := &SessionRecord{
		ID:                uuid.NewString(),
		WorkspaceID:       workspaceID,
		ExternalSessionID: uuid.NewString(), // placeholder until the CLI reports its own; updated by SetExternalSessionID
		Status:            SessionActive,
		PreviousSessionID: previousSessionID,
		LastActivity:      time.Now(),
		CreatedAt:         time.Now(),
	}
	err := busyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, workspace_id, external_session_id, status, title, previous_session_id, last_activity, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.WorkspaceID, rec.ExternalSessionID, string(rec.Status), rec.Title, rec.PreviousSessionID,
			rec.LastActivity.UnixMilli(), rec.CreatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Session fetches a session record by its Claudia-assigned id.
func (s *Store) Session(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// SessionByExternalID looks up a session by the CLI's own session id, used
// when the agent session manager rehydrates a resumed process.
func (s *Store) SessionByExternalID(externalID string) (*SessionRecord, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE external_session_id = ?`, externalID)
	return scanSession(row)
}

// ListSessionsByWorkspace returns every session in a workspace, most
// recently active first.
func (s *Store) ListSessionsByWorkspace(workspaceID string) ([]*SessionRecord, error) {
	rows, err := s.db.Query(sessionSelect+` WHERE workspace_id = ? ORDER BY last_activity DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetExternalSessionID records the CLI-assigned session id once the process
// reports it on its init event. External ids are unique, so a collision
// here means the CLI reused an id from another Claudia session; the caller
// should treat that as ErrStoreConflict and fall back to a fresh session.
func (s *Store) SetExternalSessionID(id, externalID string) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE sessions SET external_session_id = ? WHERE id = ?`, externalID, id)
		return err
	})
}

// TouchSession bumps last_activity to now, called on every prompt and
// every streamed event so idle-session reaping can use it later.
func (s *Store) TouchSession(id string) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, time.Now().UnixMilli(), id)
		return err
	})
}

// SetSessionTitle records a derived title, typically the first line of the
// first user prompt.
func (s *Store) SetSessionTitle(id, title string) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, id)
		return err
	})
}

// ArchiveSession marks a session as no longer eligible for lazy resume.
func (s *Store) ArchiveSession(id string) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(SessionArchived), id)
		return err
	})
}

const sessionSelect = `SELECT id, workspace_id, external_session_id, status, title, previous_session_id, last_activity, created_at FROM sessions`

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var status string
	var title, previous sql.NullString
	var lastActivity, createdAt int64
	err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.ExternalSessionID, &status, &title, &previous, &lastActivity, &createdAt)
	if err != nil {
		return nil, notFoundErr(protocol.ErrSessionNotFound, err)
	}
	rec.Status = SessionStatus(status)
	rec.Title = title.String
	rec.PreviousSessionID = previous.String
	rec.LastActivity = time.UnixMilli(lastActivity)
	rec.CreatedAt = time.UnixMilli(createdAt)
	return &rec, nil
}
