package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/claudia-dev/claudia/internal/protocol"
)

// ConversationStatus is the lifecycle a segmented conversation moves
// through on its way to the librarian (§4.4, §4.5).
type ConversationStatus string

const (
	ConversationActive     ConversationStatus = "active"     // still accumulating entries
	ConversationReady      ConversationStatus = "ready"      // segmentation threshold crossed, not yet queued
	ConversationQueued     ConversationStatus = "queued"      // memory.process accepted it
	ConversationProcessing ConversationStatus = "processing"  // librarian has it checked out
	ConversationArchived   ConversationStatus = "archived"    // librarian finished successfully
	ConversationSkipped    ConversationStatus = "skipped"     // librarian applied a skip rule
)

// terminalConversationStatuses are statuses IsTerminal reports as closed: a new segment for the same source file starts a fresh row
// rather than reopening one of these (§4.4 segmentation invariant).
var terminalConversationStatuses = map[ConversationStatus]bool{
	ConversationArchived: true,
	ConversationSkipped:  true,
}

// Conversation is one segmented unit of transcript entries handed to the
// librarian as a whole (§3, §4.5).
type Conversation struct {
	ID              string
	SessionID       string
	SourceFile      string
	FirstMessageAt  time.Time
	LastMessageAt   time.Time
	EntryCount      int
	Status          ConversationStatus
	Summary         string
	FilesWritten    []string
	Metadata        string
	StatusAt        *time.Time
	ProcessedAt     *time.Time
	CreatedAt       time.Time
}

// OpenConversation returns the current non-terminal conversation for
// sourceFile, if any. The ingestion pipeline calls this before appending a
// batch of entries to decide whether to extend an existing segment or
// start a new one (§4.4).
func (s *Store) OpenConversation(sourceFile string) (*Conversation, error) {
	row := s.db.QueryRow(conversationSelect+`
		WHERE source_file = ? AND status NOT IN ('archived', 'skipped')
		ORDER BY first_message_at DESC LIMIT 1
	`, sourceFile)
	c, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// StartConversation opens a brand new segment, used both for the very
// first segment of a file and whenever the segmenter decides the previous
// segment closed (idle gap, entry-count, or byte-size threshold, §4.4).
func (s *Store) StartConversation(sessionID, sourceFile string, firstMessageAt time.Time) (*Conversation, error) {
	c := &Conversation{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SourceFile:     sourceFile,
		FirstMessageAt: firstMessageAt,
		LastMessageAt:  firstMessageAt,
		EntryCount:     0,
		Status:         ConversationActive,
		CreatedAt:      time.Now(),
	}
	err := busyRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO conversations (id, session_id, source_file, first_message_at, last_message_at, entry_count, status, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		`, c.ID, c.SessionID, c.SourceFile, c.FirstMessageAt.UnixMilli(), c.LastMessageAt.UnixMilli(), string(c.Status), c.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ExtendConversation grows an open segment by n entries with a new last
// message time, leaving status untouched.
func (s *Store) ExtendConversation(id string, lastMessageAt time.Time, n int) error {
	return busyRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE conversations SET last_message_at = ?, entry_count = entry_count + ? WHERE id = ?
		`, lastMessageAt.UnixMilli(), n, id)
		return err
	})
}

// TransitionConversation moves a conversation to a new status, stamping
// status_at so the librarian's skip rules can measure how long a
// conversation has sat in a given state (§3 Open Question: status_at is a
// real column, updated on every transition).
func (s *Store) TransitionConversation(id string, status ConversationStatus) error {
	now := time.Now().UnixMilli()
	return busyRetry(func() error {
		_, err := s.db.Exec(`UPDATE conversations SET status = ?, status_at = ? WHERE id = ?`, string(status), now, id)
		return err
	})
}

// CompleteConversation records the librarian's output and marks the
// conversation archived.
func (s *Store) CompleteConversation(id, summary string, filesWritten []string) error {
	now := time.Now().UnixMilli()
	return busyRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE conversations
			SET status = ?, status_at = ?, processed_at = ?, summary = ?, files_written = ?
			WHERE id = ?
		`, string(ConversationArchived), now, now, summary, encodeStringList(filesWritten), id)
		return err
	})
}

// CompleteSkippedConversation records why the librarian declined to
// process a conversation and marks it skipped (§4.5 step 3).
func (s *Store) CompleteSkippedConversation(id, reason string) error {
	now := time.Now().UnixMilli()
	return busyRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE conversations
			SET status = ?, status_at = ?, processed_at = ?, summary = ?
			WHERE id = ?
		`, string(ConversationSkipped), now, now, reason, id)
		return err
	})
}

// ReadyConversations returns conversations in the "ready" state, the
// librarian's source of work alongside explicit memory.process calls
// (§4.5).
func (s *Store) ReadyConversations() ([]*Conversation, error) {
	rows, err := s.db.Query(conversationSelect+` WHERE status = ? ORDER BY first_message_at ASC`, string(ConversationReady))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentArchivedConversations returns up to limit most recently archived
// conversations for a session, used to build the librarian's context block
// (§4.5).
func (s *Store) RecentArchivedConversations(sessionID string, limit int) ([]*Conversation, error) {
	rows, err := s.db.Query(conversationSelect+`
		WHERE session_id = ? AND status = ?
		ORDER BY processed_at DESC LIMIT ?
	`, sessionID, string(ConversationArchived), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveConversationsBefore returns "active" conversations whose
// last_message_at is older than cutoff, the readiness-promotion poll's
// source of work (§4.4): once a segment has gone idle long enough with no
// new entries, it is done accumulating and ready for the librarian.
func (s *Store) ActiveConversationsBefore(cutoff time.Time) ([]*Conversation, error) {
	rows, err := s.db.Query(conversationSelect+` WHERE status = ? AND last_message_at < ? ORDER BY last_message_at ASC`,
		string(ConversationActive), cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AnyProcessing reports whether a conversation is currently checked out by
// the librarian, the dual-worker guard the main loop consults before
// popping new work (§4.5).
func (s *Store) AnyProcessing() (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM conversations WHERE status = ?`, string(ConversationProcessing)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PopOldestQueued returns the oldest queued conversation and atomically
// marks it processing, or (nil, nil) if the queue is empty or another
// caller claimed that conversation first.
func (s *Store) PopOldestQueued() (*Conversation, error) {
	row := s.db.QueryRow(conversationSelect+` WHERE status = ? ORDER BY first_message_at ASC LIMIT 1`, string(ConversationQueued))
	c, err := scanConversation(row)
	if err != nil {
		if kindOf(err) == protocol.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	now := time.Now().UnixMilli()
	var claimed int64
	err = busyRetry(func() error {
		res, err := s.db.Exec(`UPDATE conversations SET status = ?, status_at = ? WHERE id = ? AND status = ?`,
			string(ConversationProcessing), now, c.ID, string(ConversationQueued))
		if err != nil {
			return err
		}
		claimed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}
	if claimed == 0 {
		return nil, nil
	}
	c.Status = ConversationProcessing
	return c, nil
}

// Conversation fetches a single conversation by id.
func (s *Store) Conversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(conversationSelect+` WHERE id = ?`, id)
	return scanConversation(row)
}

const conversationSelect = `SELECT id, session_id, source_file, first_message_at, last_message_at, entry_count, status, summary, files_written, metadata, status_at, processed_at, created_at FROM conversations`

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var status string
	var summary, filesWritten, metadata sql.NullString
	var firstMessageAt, lastMessageAt, createdAt int64
	var statusAt, processedAt sql.NullInt64
	err := row.Scan(&c.ID, &c.SessionID, &c.SourceFile, &firstMessageAt, &lastMessageAt, &c.EntryCount, &status,
		&summary, &filesWritten, &metadata, &statusAt, &processedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(protocol.ErrNotFound, err)
	}
	c.Status = ConversationStatus(status)
	c.Summary = summary.String
	c.FilesWritten = decodeStringList(filesWritten.String)
	c.Metadata = metadata.String
	c.FirstMessageAt = time.UnixMilli(firstMessageAt)
	c.LastMessageAt = time.UnixMilli(lastMessageAt)
	c.CreatedAt = time.UnixMilli(createdAt)
	if statusAt.Valid {
		t := time.UnixMilli(statusAt.Int64)
		c.StatusAt = &t
	}
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64)
		c.ProcessedAt = &t
	}
	return &c, nil
}

// IsTerminal reports whether status represents a closed conversation that
// should never be reopened by the segmenter.
func IsTerminal(status ConversationStatus) bool {
	return terminalConversationStatuses[status]
}
