package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// Workspace is a named root directory Claudia watches and runs sessions
// against (§3). cwd is unique: a second GetOrCreate for the same path
// returns the existing row rather than creating a duplicate.
type Workspace struct {
	ID        string
	Name      string
	Cwd       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetOrCreateWorkspace returns the workspace rooted at cwd, creating one
// named name if none exists yet.
func (s *Store) GetOrCreateWorkspace(cwd, name string) (*Workspace, error) {
	if w, err := s.WorkspaceByCwd(cwd); err == nil {
		return w, nil
	} else if protocol.ErrorKind(kindOf(err)) != protocol.ErrNotFound {
		return nil, err
	}

	w := &Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		Cwd:       cwd,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := busyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO workspaces (id, name, cwd, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			w.ID, w.Name, w.Cwd, w.CreatedAt.UnixMilli(), w.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		// lost a create race: another writer beat us to this cwd
		if w2, getErr := s.WorkspaceByCwd(cwd); getErr == nil {
			return w2, nil
		}
		return nil, err
	}
	return w, nil
}

// WorkspaceByCwd looks up a workspace by its root path.
func (s *Store) WorkspaceByCwd(cwd string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT id, name, cwd, created_at, updated_at FROM workspaces WHERE cwd = ?`, cwd)
	return scanWorkspace(row)
}

// Workspace fetches a single workspace by id.
func (s *Store) Workspace(id string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT id, name, cwd, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

// ListWorkspaces returns every known workspace, most recently created first.
func (s *Store) ListWorkspaces() ([]*Workspace, error) {
	rows, err := s.db.Query(`SELECT id, name, cwd, created_at, updated_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspaceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	var w Workspace
	var createdAt, updatedAt int64
	err := row.Scan(&w.ID, &w.Name, &w.Cwd, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(protocol.ErrNotFound, err)
	}
	w.CreatedAt = time.UnixMilli(createdAt)
	w.UpdatedAt = time.UnixMilli(updatedAt)
	return &w, nil
}

func scanWorkspaceRow(rows *sql.Rows) (*Workspace, error) {
	return scanWorkspace(rows)
}

// kindOf extracts the ErrorKind from err when it wraps a *protocol.Error,
// used internally to distinguish "not found" from other failures without
// string matching.
func kindOf(err error) string {
	var pe *protocol.Error
	if e, ok := err.(*protocol.Error); ok {
		pe = e
	}
	if pe == nil {
		return ""
	}
	return string(pe.Kind)
}
