package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/store"
)

// Pipeline reads changed transcript files reported by the watcher,
// extracts new entries since the last ingest, and segments them into
// conversations (§4.4).
type Pipeline struct {
	st     *store.Store
	events *bus.Bus
	parser Parser
	cfg    config.IngestionConfig
	source string

	// segmentBytes approximates the open conversation's accumulated byte
	// size for the size-threshold rule. It is process-local and resets on
	// restart, which is fine: the idle-gap and entry-count thresholds are
	// the durable signals, and this one only needs to catch an unusually
	// chatty run while this process is already watching it.
	mu           sync.Mutex
	segmentBytes map[string]int
}

// New builds a Pipeline over a single parser. source identifies which
// coding CLI produced the files this pipeline is pointed at (e.g.
// "claude-code"), recorded on every ingestion-state row.
func New(st *store.Store, events *bus.Bus, parser Parser, cfg config.IngestionConfig, source string) *Pipeline {
	return &Pipeline{st: st, events: events, parser: parser, cfg: cfg, source: source, segmentBytes: make(map[string]int)}
}

// RecoverStale rolls back every file left in the "ingesting" phase by a
// prior crash: it re-ingests from last_entry_timestamp forward rather than
// trusting last_processed_offset, since the crash may have happened after
// a partial write to the store but before the offset was committed (§4.4,
// §5).
func (p *Pipeline) RecoverStale() error {
	stale, err := p.st.StaleIngestingFiles()
	if err != nil {
		return fmt.Errorf("ingest: list stale files: %w", err)
	}
	for _, st := range stale {
		slog.Info("ingest: recovering crashed ingestion", "file", st.FileKey)
		if err := p.IngestFile(st.FileKey, st.FileKey); err != nil {
			slog.Error("ingest: recovery failed", "file", st.FileKey, "error", err)
		}
	}
	return nil
}

// PromoteReady transitions every "active" conversation whose last entry is
// older than gapMinutes to "ready" (§4.4 readiness promotion). A segment
// left open by a file that has simply gone quiet — no more writes, no
// natural close triggered by a later entry — would otherwise sit in
// "active" forever; this is the periodic poll that notices the idle gap
// from the clock rather than from the next entry that never arrives.
func (p *Pipeline) PromoteReady(now time.Time) (int, error) {
	gap := time.Duration(p.cfg.IdleGapSeconds) * time.Second
	if gap <= 0 {
		return 0, nil
	}
	stale, err := p.st.ActiveConversationsBefore(now.Add(-gap))
	if err != nil {
		return 0, fmt.Errorf("ingest: list stale active conversations: %w", err)
	}
	promoted := 0
	for _, conv := range stale {
		if err := p.st.TransitionConversation(conv.ID, store.ConversationReady); err != nil {
			slog.Error("ingest: readiness promotion failed", "conversation", conv.ID, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// IngestFile reads fileKey (relative path, the watcher's stable identity
// for a file) from absPath, appends any new entries to the store, and
// segments them into conversations. It is safe to call repeatedly for the
// same file; re-ingesting an unchanged file is a no-op.
func (p *Pipeline) IngestFile(fileKey, absPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("ingest: stat %s: %w", absPath, err)
	}

	existing, err := p.st.FileIngestionStateByKey(fileKey)
	var since time.Time
	if err == nil && existing.LastEntryTimestamp != nil {
		since = *existing.LastEntryTimestamp
	}

	if err := p.st.MarkIngesting(fileKey, p.source, info.ModTime(), info.Size()); err != nil {
		return fmt.Errorf("ingest: mark ingesting: %w", err)
	}

	entries, lastTimestamp, bytesRead, err := p.readEntriesSince(absPath, since)
	if err != nil {
		return fmt.Errorf("ingest: read %s: %w", absPath, err)
	}
	if len(entries) == 0 {
		return p.st.MarkIdle(fileKey, info.Size(), since)
	}

	// skip entries already committed by a crashed run that got as far as
	// the store write but not as far as MarkIdle (§4.4 crash recovery).
	alreadyCommitted, err := p.st.EntriesSince(fileKey, since)
	if err != nil {
		return fmt.Errorf("ingest: check committed entries: %w", err)
	}
	committedAt := make(map[int64]bool, len(alreadyCommitted))
	for _, e := range alreadyCommitted {
		committedAt[e.Timestamp.UnixNano()] = true
	}

	sessionID, err := p.resolveSession(fileKey)
	if err != nil {
		return fmt.Errorf("ingest: resolve session: %w", err)
	}

	for _, entry := range entries {
		if committedAt[entry.Timestamp.UnixNano()] {
			continue
		}
		if err := p.appendAndSegment(sessionID, fileKey, entry); err != nil {
			return fmt.Errorf("ingest: append entry: %w", err)
		}
	}

	return p.st.MarkIdle(fileKey, int64(bytesRead), lastTimestamp)
}

// readEntriesSince reads absPath line by line, parsing every line whose
// derived timestamp is strictly after since.
func (p *Pipeline) readEntriesSince(absPath string, since time.Time) (entries []*ParsedEntry, lastTimestamp time.Time, bytesRead int64, err error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, since, 0, err
	}
	defer f.Close()

	lastTimestamp = since
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 4<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		bytesRead += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		entry, perr := p.parser.ParseLine(line)
		if perr != nil {
			slog.Warn("ingest: unparsable line", "error", perr)
			continue
		}
		if entry == nil {
			continue
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		entries = append(entries, entry)
		if entry.Timestamp.After(lastTimestamp) {
			lastTimestamp = entry.Timestamp
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, lastTimestamp, bytesRead, err
	}
	return entries, lastTimestamp, bytesRead, nil
}

// appendAndSegment writes entry to the store and decides whether it
// belongs to the currently open conversation for sourceFile or starts a
// new one, per the idle-gap / entry-count / byte-size thresholds (§4.4).
func (p *Pipeline) appendAndSegment(sessionID, sourceFile string, entry *ParsedEntry) error {
	if _, err := p.st.AppendTranscriptEntry(&store.TranscriptEntry{
		SessionID:  sessionID,
		SourceFile: sourceFile,
		Role:       entry.Role,
		Content:    entry.Content,
		ToolNames:  entry.ToolNames,
		Timestamp:  entry.Timestamp,
		Cwd:        entry.Cwd,
	}); err != nil {
		return err
	}

	conv, err := p.st.OpenConversation(sourceFile)
	startNew := false
	switch {
	case err != nil || conv == nil:
		startNew = true
	case p.cfg.IdleGapSeconds > 0 &&
		entry.Timestamp.Sub(conv.LastMessageAt) > time.Duration(p.cfg.IdleGapSeconds)*time.Second:
		startNew = true
	case p.cfg.MaxEntries > 0 && conv.EntryCount >= p.cfg.MaxEntries:
		startNew = true
	case p.cfg.MaxBytes > 0 && p.segmentBytesFor(sourceFile) >= p.cfg.MaxBytes:
		startNew = true
	}

	if startNew {
		if conv != nil && !store.IsTerminal(conv.Status) {
			// previous segment never got a natural close signal; promote
			// it to ready so the librarian still picks it up.
			if err := p.st.TransitionConversation(conv.ID, store.ConversationReady); err != nil {
				slog.Warn("ingest: failed to close stale open segment", "conversation", conv.ID, "error", err)
			}
		}
		p.resetSegmentBytes(sourceFile)
		newConv, err := p.st.StartConversation(sessionID, sourceFile, entry.Timestamp)
		if err != nil {
			return err
		}
		p.addSegmentBytes(sourceFile, len(entry.Content))
		return p.st.ExtendConversation(newConv.ID, entry.Timestamp, 1)
	}

	p.addSegmentBytes(sourceFile, len(entry.Content))
	return p.st.ExtendConversation(conv.ID, entry.Timestamp, 1)
}

func (p *Pipeline) segmentBytesFor(sourceFile string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.segmentBytes[sourceFile]
}

func (p *Pipeline) addSegmentBytes(sourceFile string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segmentBytes[sourceFile] += n
}

func (p *Pipeline) resetSegmentBytes(sourceFile string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segmentBytes[sourceFile] = 0
}

// resolveSession maps a source file to a Claudia session, using the
// filename-as-externalSessionId heuristic coding CLIs follow: a transcript
// at ".../<externalSessionId>.jsonl" belongs to the session with that
// external id, created on first sight under a workspace derived from the
// file's parent directory (§4.4).
func (p *Pipeline) resolveSession(fileKey string) (string, error) {
	externalID := strings.TrimSuffix(filepath.Base(fileKey), filepath.Ext(fileKey))

	if rec, err := p.st.SessionByExternalID(externalID); err == nil {
		return rec.ID, nil
	}

	workspaceDir := filepath.Dir(fileKey)
	ws, err := p.st.GetOrCreateWorkspace(workspaceDir, filepath.Base(workspaceDir))
	if err != nil {
		return "", err
	}
	rec, err := p.st.CreateSession(ws.ID, "")
	if err != nil {
		return "", err
	}
	if err := p.st.SetExternalSessionID(rec.ID, externalID); err != nil {
		return "", err
	}
	return rec.ID, nil
}
