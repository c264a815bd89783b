package librarian

import (
	"testing"
	"time"

	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/store"
)

func TestExtractSummaryPrefersSummaryPrefix(t *testing.T) {
	got := extractSummary("some preamble\nSUMMARY: fixed the login bug")
	if got != "fixed the login bug" {
		t.Fatalf("expected parsed summary, got %q", got)
	}
}

func TestExtractSummaryFallsBackToLastLine(t *testing.T) {
	got := extractSummary("did some work\n\nall done here")
	if got != "all done here" {
		t.Fatalf("expected last non-empty line, got %q", got)
	}
}

func TestSkipRuleCatchesEmptyAndBelowThreshold(t *testing.T) {
	w := &Worker{cfg: config.LibrarianConfig{MinEntries: 3, MaxTranscriptBytes: 1000}}

	if reason, skip := w.skipRule(&store.Conversation{EntryCount: 0}, nil); !skip || reason == "" {
		t.Fatalf("expected a skip for zero entries, got skip=%v reason=%q", skip, reason)
	}

	entries := []*store.TranscriptEntry{{Role: "user", Content: "hi"}}
	if reason, skip := w.skipRule(&store.Conversation{EntryCount: 1}, entries); !skip || reason == "" {
		t.Fatalf("expected a skip below min entries, got skip=%v reason=%q", skip, reason)
	}
}

func TestSkipRuleCatchesOversizedTranscript(t *testing.T) {
	w := &Worker{cfg: config.LibrarianConfig{MaxTranscriptBytes: 10}}
	entries := []*store.TranscriptEntry{{Role: "user", Content: "this content is much longer than ten bytes"}}
	reason, skip := w.skipRule(&store.Conversation{EntryCount: 5}, entries)
	if !skip || reason == "" {
		t.Fatalf("expected oversized transcript to be skipped, got skip=%v reason=%q", skip, reason)
	}
}

func TestEntriesInConversationFiltersByFileAndWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	conv := &store.Conversation{SourceFile: "a.jsonl", FirstMessageAt: base, LastMessageAt: base.Add(time.Hour)}
	entries := []*store.TranscriptEntry{
		{SourceFile: "a.jsonl", Timestamp: base.Add(30 * time.Minute)},
		{SourceFile: "b.jsonl", Timestamp: base.Add(30 * time.Minute)},
		{SourceFile: "a.jsonl", Timestamp: base.Add(2 * time.Hour)},
	}
	filtered := entriesInConversation(entries, conv)
	if len(filtered) != 1 {
		t.Fatalf("expected 1 entry in window, got %d", len(filtered))
	}
}

func TestFormatTranscriptIncludesToolNames(t *testing.T) {
	entries := []*store.TranscriptEntry{
		{Role: "assistant", Content: "ran a search", ToolNames: []string{"grep"}},
	}
	out := formatTranscript(entries)
	if !contains(out, "assistant: ran a search") || !contains(out, "tools used: grep") {
		t.Fatalf("expected transcript to include role, content, and tool names, got %q", out)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
