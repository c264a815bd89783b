package store

import (
	"database/sql"
	"time"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// IngestionStatus is the two-phase ingest marker (§4.4, §5). A crash while
// a file is "ingesting" leaves its row in that status; on restart
// StaleIngestingFiles finds it and the file is re-read from its
// last_entry_timestamp.
type IngestionStatus string

const (
	IngestIdle      IngestionStatus = "idle"
	IngestIngesting IngestionStatus = "ingesting"
)

// FileIngestionState tracks per-file read progress for the ingestion
// pipeline. fileKey is the path relative to the watched root, which is the
// invariant the rest of the pipeline relies on for matching a file across
// watcher restarts with a different absolute root (§3).
type FileIngestionState struct {
	FileKey             string
	Source              string
	Status              IngestionStatus
	LastModified        time.Time
	FileSize            int64
	LastProcessedOffset int64
	LastEntryTimestamp  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const ingestionSelect = `SELECT file_key, source, status, last_modified, file_size, last_processed_offset, last_entry_timestamp, created_at, updated_at FROM file_ingestion_state`

// FileIngestionStateByKey fetches the ingest row for fileKey, or ErrNotFound
// if the file has never been seen.
func (s *Store) FileIngestionStateByKey(fileKey string) (*FileIngestionState, error) {
	row := s.db.QueryRow(ingestionSelect+` WHERE file_key = ?`, fileKey)
	return scanIngestionState(row)
}

// MarkIngesting flips a file to the "ingesting" phase ahead of a read pass,
// creating its row on first sight. This is phase one of the two-phase
// protocol: a crash between here and MarkIdle leaves the row ingesting,
// which is exactly the signal recovery looks for on the next startup.
func (s *Store) MarkIngesting(fileKey, source string, modTime time.Time, size int64) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO file_ingestion_state (file_key, source, status, last_modified, file_size, last_processed_offset, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(file_key) DO UPDATE SET
				status = excluded.status,
				last_modified = excluded.last_modified,
				file_size = excluded.file_size,
				updated_at = excluded.updated_at
		`, fileKey, source, string(IngestIngesting), modTime.UnixMilli(), size, time.Now().UnixMilli(), time.Now().UnixMilli())
		return err
	})
}

// MarkIdle completes phase two: the read pass up to offset succeeded, and
// lastEntryTimestamp is the timestamp of the last transcript entry
// committed, which is where crash recovery resumes from.
func (s *Store) MarkIdle(fileKey string, offset int64, lastEntryTimestamp time.Time) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE file_ingestion_state
			SET status = ?, last_processed_offset = ?, last_entry_timestamp = ?, updated_at = ?
			WHERE file_key = ?
		`, string(IngestIdle), offset, lastEntryTimestamp.UnixMilli(), time.Now().UnixMilli(), fileKey)
		return err
	})
}

// StaleIngestingFiles returns every file still marked "ingesting", the set
// crash recovery must roll back and re-scan from last_entry_timestamp on
// startup (§4.4).
func (s *Store) StaleIngestingFiles() ([]*FileIngestionState, error) {
	rows, err := s.db.Query(ingestionSelect+` WHERE status = ?`, string(IngestIngesting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FileIngestionState
	for rows.Next() {
		st, err := scanIngestionState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanIngestionState(row scanner) (*FileIngestionState, error) {
	var st FileIngestionState
	var status string
	var lastModified, createdAt, updatedAt int64
	var lastEntryTimestamp sql.NullInt64
	err := row.Scan(&st.FileKey, &st.Source, &status, &lastModified, &st.FileSize, &st.LastProcessedOffset, &lastEntryTimestamp, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(protocol.ErrNotFound, err)
	}
	st.Status = IngestionStatus(status)
	st.LastModified = time.UnixMilli(lastModified)
	st.CreatedAt = time.UnixMilli(createdAt)
	st.UpdatedAt = time.UnixMilli(updatedAt)
	if lastEntryTimestamp.Valid {
		t := time.UnixMilli(lastEntryTimestamp.Int64)
		st.LastEntryTimestamp = &t
	}
	return &st, nil
}
