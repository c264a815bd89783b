package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "claudia.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateWorkspaceIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	w1, err := s.GetOrCreateWorkspace("/home/dev/project", "project")
	if err != nil {
		t.Fatalf("GetOrCreateWorkspace: %v", err)
	}
	w2, err := s.GetOrCreateWorkspace("/home/dev/project", "project-renamed")
	if err != nil {
		t.Fatalf("GetOrCreateWorkspace (second call): %v", err)
	}
	if w1.ID != w2.ID {
		t.Fatalf("expected same workspace id for same cwd, got %s and %s", w1.ID, w2.ID)
	}
	if w2.Name != "project" {
		t.Fatalf("expected second call to return existing row unchanged, got name %q", w2.Name)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	w, err := s.GetOrCreateWorkspace("/home/dev/project", "project")
	if err != nil {
		t.Fatalf("GetOrCreateWorkspace: %v", err)
	}

	sess, err := s.CreateSession(w.ID, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != SessionActive {
		t.Fatalf("expected new session active, got %s", sess.Status)
	}

	if err := s.SetExternalSessionID(sess.ID, "cli-session-123"); err != nil {
		t.Fatalf("SetExternalSessionID: %v", err)
	}
	got, err := s.SessionByExternalID("cli-session-123")
	if err != nil {
		t.Fatalf("SessionByExternalID: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("expected to find session %s by external id, got %s", sess.ID, got.ID)
	}

	if err := s.ArchiveSession(sess.ID); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	got, err = s.Session(sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.Status != SessionArchived {
		t.Fatalf("expected archived status, got %s", got.Status)
	}
}

func TestConversationSegmentationDoesNotReopenTerminalRows(t *testing.T) {
	s := openTestStore(t)
	w, err := s.GetOrCreateWorkspace("/home/dev/project", "project")
	if err != nil {
		t.Fatalf("GetOrCreateWorkspace: %v", err)
	}
	sess, err := s.CreateSession(w.ID, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	t0 := time.Now().Add(-time.Hour)
	c1, err := s.StartConversation(sess.ID, "transcript.jsonl", t0)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if err := s.ExtendConversation(c1.ID, t0.Add(time.Minute), 3); err != nil {
		t.Fatalf("ExtendConversation: %v", err)
	}
	if err := s.CompleteConversation(c1.ID, "summary", []string{"NOTES.md"}); err != nil {
		t.Fatalf("CompleteConversation: %v", err)
	}

	open, err := s.OpenConversation("transcript.jsonl")
	if err == nil || open != nil {
		t.Fatalf("expected no open conversation after archiving the only segment, got %+v", open)
	}

	c2, err := s.StartConversation(sess.ID, "transcript.jsonl", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("StartConversation (second segment): %v", err)
	}
	if c2.ID == c1.ID {
		t.Fatalf("expected a new conversation id for the second segment")
	}

	open, err = s.OpenConversation("transcript.jsonl")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if open.ID != c2.ID {
		t.Fatalf("expected open conversation to be the second segment, got %s", open.ID)
	}
}

func TestIngestionTwoPhaseMarking(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.MarkIngesting("sessions/a.jsonl", "claude-code", now, 1024); err != nil {
		t.Fatalf("MarkIngesting: %v", err)
	}
	stale, err := s.StaleIngestingFiles()
	if err != nil {
		t.Fatalf("StaleIngestingFiles: %v", err)
	}
	if len(stale) != 1 || stale[0].FileKey != "sessions/a.jsonl" {
		t.Fatalf("expected one stale file, got %+v", stale)
	}

	if err := s.MarkIdle("sessions/a.jsonl", 1024, now); err != nil {
		t.Fatalf("MarkIdle: %v", err)
	}
	stale, err = s.StaleIngestingFiles()
	if err != nil {
		t.Fatalf("StaleIngestingFiles: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale files after MarkIdle, got %+v", stale)
	}
}
