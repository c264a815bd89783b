package store

import (
	"database/sql"
	"time"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// TranscriptEntry is one immutable parsed line from a source transcript
// file. Entries are ordered by (timestamp, id) rather than id alone,
// because a parser may re-ingest overlapping ranges after crash recovery
// and still needs a stable ordering once duplicates are filtered (§3, §8).
type TranscriptEntry struct {
	ID          int64
	SessionID   string
	SourceFile  string
	Role        string
	Content     string
	ToolNames   []string
	Timestamp   time.Time
	Cwd         string
	IngestedAt  time.Time
}

// AppendTranscriptEntry inserts one parsed entry. Entries are append-only;
// there is no update path because the source files themselves are
// append-only logs.
func (s *Store) AppendTranscriptEntry(e *TranscriptEntry) (int64, error) {
	toolNames := encodeStringList(e.ToolNames)
	var id int64
	err := busyRetry(func() error {
		res, err := s.db.Exec(`
			INSERT INTO transcript_entries (session_id, source_file, role, content, tool_names, timestamp, cwd, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.SessionID, e.SourceFile, e.Role, e.Content, toolNames, e.Timestamp.UnixMilli(), e.Cwd, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// EntriesSince returns every entry for sourceFile with a timestamp strictly
// after since, ordered by (timestamp, id). Ingestion recovery calls this
// with the file's last_entry_timestamp to find what it may have already
// committed before a crash, so it can skip re-appending duplicates.
func (s *Store) EntriesSince(sourceFile string, since time.Time) ([]*TranscriptEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, source_file, role, content, tool_names, timestamp, cwd, ingested_at
		FROM transcript_entries
		WHERE source_file = ? AND timestamp > ?
		ORDER BY timestamp ASC, id ASC
	`, sourceFile, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TranscriptEntry
	for rows.Next() {
		e, err := scanTranscriptEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesBySession returns every entry attributed to a session, ordered by
// timestamp (then id), for session.history.
func (s *Store) EntriesBySession(sessionID string) ([]*TranscriptEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, source_file, role, content, tool_names, timestamp, cwd, ingested_at
		FROM transcript_entries
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TranscriptEntry
	for rows.Next() {
		e, err := scanTranscriptEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTranscriptEntry(row scanner) (*TranscriptEntry, error) {
	var e TranscriptEntry
	var toolNames, cwd sql.NullString
	var timestamp, ingestedAt int64
	err := row.Scan(&e.ID, &e.SessionID, &e.SourceFile, &e.Role, &e.Content, &toolNames, &timestamp, &cwd, &ingestedAt)
	if err != nil {
		return nil, notFoundErr(protocol.ErrNotFound, err)
	}
	e.ToolNames = decodeStringList(toolNames.String)
	e.Cwd = cwd.String
	e.Timestamp = time.UnixMilli(timestamp)
	e.IngestedAt = time.UnixMilli(ingestedAt)
	return &e, nil
}
