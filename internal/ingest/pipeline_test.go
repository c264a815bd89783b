package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "claudia.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTranscript(t *testing.T, dir string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, "session-abc.jsonl")
	body := ""
	for _, l := range lines {
		body += l + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func line(role, content, ts string) string {
	return fmt.Sprintf(`{"type":%q,"message":{"role":%q,"content":%q},"timestamp":%q}`, role, role, content, ts)
}

func TestIngestFileCreatesSessionAndEntries(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, []string{
		line("user", "hello", "2026-01-01T00:00:00Z"),
		line("assistant", "hi there", "2026-01-01T00:00:01Z"),
	})

	p := New(st, nil, NewJSONLinesParser(), config.IngestionConfig{IdleGapSeconds: 1800, MaxEntries: 200, MaxBytes: 1 << 20}, "claude-code")
	if err := p.IngestFile("session-abc.jsonl", path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	rec, err := st.SessionByExternalID("session-abc")
	if err != nil {
		t.Fatalf("expected a session created from the filename, got error: %v", err)
	}

	entries, err := st.EntriesBySession(rec.ID)
	if err != nil {
		t.Fatalf("EntriesBySession: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestIngestFileIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, []string{
		line("user", "hello", "2026-01-01T00:00:00Z"),
	})

	p := New(st, nil, NewJSONLinesParser(), config.IngestionConfig{IdleGapSeconds: 1800, MaxEntries: 200}, "claude-code")
	if err := p.IngestFile("session-abc.jsonl", path); err != nil {
		t.Fatalf("IngestFile (first): %v", err)
	}
	if err := p.IngestFile("session-abc.jsonl", path); err != nil {
		t.Fatalf("IngestFile (second): %v", err)
	}

	rec, _ := st.SessionByExternalID("session-abc")
	entries, err := st.EntriesBySession(rec.ID)
	if err != nil {
		t.Fatalf("EntriesBySession: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected re-ingesting an unchanged file to add no new entries, got %d", len(entries))
	}
}

func TestSegmentationStartsNewConversationAfterIdleGap(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, []string{
		line("user", "first segment", "2026-01-01T00:00:00Z"),
		line("user", "second segment", "2026-01-01T05:00:00Z"), // 5h later, past a 1800s idle gap
	})

	p := New(st, nil, NewJSONLinesParser(), config.IngestionConfig{IdleGapSeconds: 1800, MaxEntries: 200}, "claude-code")
	if err := p.IngestFile("session-abc.jsonl", path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	open, err := st.OpenConversation("session-abc.jsonl")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if open.EntryCount != 1 {
		t.Fatalf("expected the idle gap to start a fresh segment with 1 entry, got %d", open.EntryCount)
	}
}

func TestIngestFileNoChangeIsNoOp(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, nil)

	p := New(st, nil, NewJSONLinesParser(), config.IngestionConfig{}, "claude-code")
	if err := p.IngestFile("empty.jsonl", path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	state, err := st.FileIngestionStateByKey("empty.jsonl")
	if err != nil {
		t.Fatalf("FileIngestionStateByKey: %v", err)
	}
	if state.Status != store.IngestIdle {
		t.Fatalf("expected idle status after empty ingest, got %s", state.Status)
	}
}

func TestRecoverStaleReingestsCrashedFiles(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, []string{
		line("user", "hello", "2026-01-01T00:00:00Z"),
	})

	if err := st.MarkIngesting(path, "claude-code", time.Now(), 10); err != nil {
		t.Fatalf("MarkIngesting: %v", err)
	}

	p := New(st, nil, NewJSONLinesParser(), config.IngestionConfig{IdleGapSeconds: 1800, MaxEntries: 200}, "claude-code")
	if err := p.RecoverStale(); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}

	state, err := st.FileIngestionStateByKey(path)
	if err != nil {
		t.Fatalf("FileIngestionStateByKey: %v", err)
	}
	if state.Status != store.IngestIdle {
		t.Fatalf("expected recovery to mark the file idle again, got %s", state.Status)
	}
}

func TestPromoteReadyTransitionsIdleActiveConversations(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, []string{
		line("user", "hello", "2026-01-01T00:00:00Z"),
	})

	p := New(st, nil, NewJSONLinesParser(), config.IngestionConfig{IdleGapSeconds: 600, MaxEntries: 200}, "claude-code")
	if err := p.IngestFile("session-abc.jsonl", path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	conv, err := st.OpenConversation("session-abc.jsonl")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if conv.Status != store.ConversationActive {
		t.Fatalf("expected a freshly segmented conversation to be active, got %s", conv.Status)
	}

	// Not yet idle long enough: no promotion.
	promoted, err := p.PromoteReady(conv.LastMessageAt.Add(5 * time.Minute))
	if err != nil {
		t.Fatalf("PromoteReady: %v", err)
	}
	if promoted != 0 {
		t.Fatalf("expected 0 promotions before the idle gap elapses, got %d", promoted)
	}

	// Past the idle gap: promotion fires.
	promoted, err = p.PromoteReady(conv.LastMessageAt.Add(11 * time.Minute))
	if err != nil {
		t.Fatalf("PromoteReady: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected exactly 1 promotion past the idle gap, got %d", promoted)
	}

	got, err := st.Conversation(conv.ID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got.Status != store.ConversationReady {
		t.Fatalf("expected conversation promoted to ready, got %s", got.Status)
	}

	// Idempotent: a second poll finds nothing left in "active".
	promoted, err = p.PromoteReady(conv.LastMessageAt.Add(20 * time.Minute))
	if err != nil {
		t.Fatalf("PromoteReady: %v", err)
	}
	if promoted != 0 {
		t.Fatalf("expected re-running the poll to be a no-op, got %d promotions", promoted)
	}
}
