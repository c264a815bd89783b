// Package librarian drains ready conversations through a dedicated agent
// session, turning transcripts into an archived summary and a version
// controlled artifact commit (§4.5).
package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel/trace"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
	"github.com/claudia-dev/claudia/internal/store"
	"github.com/claudia-dev/claudia/internal/tracing"
)

const systemPrompt = `You are the Claudia librarian. You will be given one conversation's ` +
	`transcript plus a short history of previously archived summaries for context. Reply with ` +
	`either "SKIP: <reason>" if nothing worth keeping happened, or "SUMMARY: <summary>" describing ` +
	`what changed and why. You may use tools to write or edit files in the workspace before replying.`

// Worker is the single background goroutine servicing the conversations
// FIFO queue. Only one instance should run against a given store at a
// time; PopOldestQueued and AnyProcessing cooperate to make that safe even
// across a process restart.
type Worker struct {
	cfg      config.LibrarianConfig
	st       *store.Store
	sessions *agentsession.Manager
	tracer   *tracing.Tracer

	wake chan struct{}
}

// New builds a Worker. Run must be called to start its loop.
func New(cfg config.LibrarianConfig, st *store.Store, sessions *agentsession.Manager) *Worker {
	return &Worker{cfg: cfg, st: st, sessions: sessions, wake: make(chan struct{}, 1)}
}

// SetTracer attaches tracer so each processed conversation gets its own
// job span; nil disables span creation again.
func (w *Worker) SetTracer(tracer *tracing.Tracer) {
	w.tracer = tracer
}

// Wake nudges the worker to check the queue immediately rather than
// waiting for the next cron tick, used after memory.process queues work.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// QueueReady promotes up to batchSize "ready" conversations to "queued" in
// first-message order, the effect of an external memory.process call
// (§4.5). A batchSize of 0 uses the configured default.
func (w *Worker) QueueReady(batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = w.cfg.DefaultBatchSize
	}
	ready, err := w.st.ReadyConversations()
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, c := range ready {
		if queued >= batchSize {
			break
		}
		if err := w.st.TransitionConversation(c.ID, store.ConversationQueued); err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		w.Wake()
	}
	return queued, nil
}

// Run drives the main loop: on every due cron tick, promote ready
// conversations up to the default batch size; after such a tick or an
// explicit Wake (which promotes nothing), drain the queue one job at a
// time until it is empty or another process already has a conversation
// checked out.
func (w *Worker) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		return nil
	}

	gron := gronx.New()
	if !gron.IsValid(w.cfg.PollCron) {
		return fmt.Errorf("librarian: invalid poll_cron %q", w.cfg.PollCron)
	}

	// pollResolution is how often IsDue is checked, not the cron's own
	// granularity; a cron minute tick can land anywhere within its minute,
	// so this needs to be finer than the coarsest expression the operator
	// is likely to configure.
	const pollResolution = 15 * time.Second
	ticker := time.NewTicker(pollResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-ticker.C:
			due, err := gron.IsDue(w.cfg.PollCron)
			if err != nil {
				slog.Error("librarian: cron evaluation failed", "error", err)
				continue
			}
			if !due {
				continue
			}
			if _, err := w.QueueReady(0); err != nil {
				slog.Error("librarian: auto-promote failed", "error", err)
			}
		}
		w.drainQueue(ctx)
	}
}

// drainQueue pops and processes queued conversations until the queue is
// empty or the process-guard finds one already checked out (§4.5
// concurrency guarantee: at most one conversation in "processing" at a
// time).
func (w *Worker) drainQueue(ctx context.Context) {
	for {
		busy, err := w.st.AnyProcessing()
		if err != nil {
			slog.Error("librarian: check processing guard failed", "error", err)
			return
		}
		if busy {
			return
		}

		conv, err := w.st.PopOldestQueued()
		if err != nil {
			slog.Error("librarian: pop queue failed", "error", err)
			return
		}
		if conv == nil {
			return
		}

		if err := w.processConversation(ctx, conv); err != nil {
			slog.Error("librarian: job failed, requeuing for retry", "conversation", conv.ID, "error", err)
			if rerr := w.st.TransitionConversation(conv.ID, store.ConversationQueued); rerr != nil {
				slog.Error("librarian: failed to requeue after error", "conversation", conv.ID, "error", rerr)
			}
			return
		}
	}
}

var skipPattern = regexp.MustCompile(`(?is)^SKIP:\s*(.+)$`)
var summaryPattern = regexp.MustCompile(`(?ism)^SUMMARY:\s*(.+)$`)

// processConversation runs one full job: skip rules, dedicated session,
// transcript + context, reply parsing, and artifact commit (§4.5 steps
// 3-8).
func (w *Worker) processConversation(ctx context.Context, conv *store.Conversation) error {
	if w.tracer != nil {
		env := protocol.Envelope{}
		var span trace.Span
		ctx, span = w.tracer.StartSpan(ctx, "librarian.process_conversation", &env)
		defer span.End()
	}

	entries, err := w.st.EntriesBySession(conv.SessionID)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	entries = entriesInConversation(entries, conv)

	if reason, skip := w.skipRule(conv, entries); skip {
		return w.skipConversation(conv.ID, reason)
	}

	workspaceCwd := w.cfg.RepoPath
	if workspaceCwd == "" {
		workspaceCwd = "."
	}
	ws, err := w.st.GetOrCreateWorkspace(workspaceCwd, "librarian")
	if err != nil {
		return fmt.Errorf("get-or-create librarian workspace: %w", err)
	}

	sess, err := w.sessions.GetOrCreateSession(ctx, ws.ID, "", workspaceCwd)
	if err != nil {
		return fmt.Errorf("create librarian session: %w", err)
	}
	defer w.sessions.Close(sess.ID())

	events := sess.Subscribe()
	defer sess.Unsubscribe(events)

	contextBlock, err := w.buildContextBlock(conv)
	if err != nil {
		slog.Warn("librarian: failed to build context block, continuing without it", "error", err)
	}

	prompt := systemPrompt + "\n\n" + contextBlock + "\n\n" + formatTranscript(entries)
	if err := sess.Send(ctx, prompt); err != nil {
		return fmt.Errorf("send job prompt: %w", err)
	}

	timeout := time.Duration(w.cfg.ProcessTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	reply, err := awaitReply(ctx, events, timeout)
	if err != nil {
		return fmt.Errorf("await reply: %w", err)
	}

	if m := skipPattern.FindStringSubmatch(reply); m != nil {
		return w.skipConversation(conv.ID, strings.TrimSpace(m[1]))
	}

	summary := extractSummary(reply)
	filesWritten, err := commitArtifacts(w.cfg.RepoPath, conv.ID, summary)
	if err != nil {
		slog.Warn("librarian: artifact commit failed", "conversation", conv.ID, "error", err)
	}

	return w.st.CompleteConversation(conv.ID, summary, filesWritten)
}

// skipRule applies §4.5 step 3's three skip conditions.
func (w *Worker) skipRule(conv *store.Conversation, entries []*store.TranscriptEntry) (reason string, skip bool) {
	if len(entries) == 0 {
		return "no entries found", true
	}
	minEntries := w.cfg.MinEntries
	if minEntries <= 0 {
		minEntries = 2
	}
	if conv.EntryCount < minEntries {
		return fmt.Sprintf("entry count %d below threshold %d", conv.EntryCount, minEntries), true
	}
	ceiling := w.cfg.MaxTranscriptBytes
	if ceiling <= 0 {
		ceiling = 100 * 1024
	}
	if size := len(formatTranscript(entries)); size > ceiling {
		return fmt.Sprintf("formatted transcript %d bytes exceeds ceiling %d", size, ceiling), true
	}
	return "", false
}

func (w *Worker) skipConversation(id, reason string) error {
	return w.st.CompleteSkippedConversation(id, reason)
}

// buildContextBlock assembles up to ContextCount most recent archived
// conversations for the same session into a short history preamble.
func (w *Worker) buildContextBlock(conv *store.Conversation) (string, error) {
	n := w.cfg.ContextCount
	if n <= 0 {
		n = 2
	}
	recent, err := w.st.RecentArchivedConversations(conv.SessionID, n)
	if err != nil {
		return "", err
	}
	if len(recent) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Recent archived conversations for context:\n")
	for _, c := range recent {
		processedAt := c.CreatedAt
		if c.ProcessedAt != nil {
			processedAt = *c.ProcessedAt
		}
		fmt.Fprintf(&b, "- (%s) %s\n", processedAt.Format(time.RFC3339), c.Summary)
	}
	return b.String(), nil
}

// entriesInConversation filters a session's entries down to the ones this
// conversation actually covers (its source file and message-time window).
func entriesInConversation(entries []*store.TranscriptEntry, conv *store.Conversation) []*store.TranscriptEntry {
	var out []*store.TranscriptEntry
	for _, e := range entries {
		if e.SourceFile != conv.SourceFile {
			continue
		}
		if e.Timestamp.Before(conv.FirstMessageAt) || e.Timestamp.After(conv.LastMessageAt) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// formatTranscript renders entries as a plain role-prefixed transcript,
// the "formatted transcript" the skip ceiling and the job prompt both
// measure (§4.5).
func formatTranscript(entries []*store.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Content)
		if len(e.ToolNames) > 0 {
			fmt.Fprintf(&b, "  (tools used: %s)\n", strings.Join(e.ToolNames, ", "))
		}
	}
	return b.String()
}

// extractSummary parses a "SUMMARY: ..." reply, falling back to the last
// non-empty line when the agent didn't follow the expected format
// (§4.5 step 5).
func extractSummary(reply string) string {
	if m := summaryPattern.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// awaitReply accumulates content_block_delta text until a turn_stop event
// arrives or timeout elapses.
func awaitReply(ctx context.Context, events chan protocol.EventFrame, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var reply strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("timed out waiting for librarian session reply")
		case ev, ok := <-events:
			if !ok {
				return "", fmt.Errorf("session closed before replying")
			}
			switch ev.Event {
			case protocol.EventContentBlockDelta:
				var block struct {
					Type string `json:"type"`
					Text string `json:"text"`
				}
				if json.Unmarshal(ev.Payload, &block) == nil && block.Type == "text" {
					reply.WriteString(block.Text)
				}
			case protocol.EventTurnStop:
				return reply.String(), nil
			}
		}
	}
}

// commitArtifacts stages and commits everything changed in repoPath,
// returning the list of committed files. A repoPath of "" is a no-op
// (librarian running without a configured artifact repo). The commit
// message follows §6's librarian(<conversationId>): <summary> form so a
// `git log` over the artifact repo reads as a per-conversation audit trail.
func commitArtifacts(repoPath, conversationID, summary string) ([]string, error) {
	if repoPath == "" {
		return nil, nil
	}
	if err := runGit(repoPath, "add", "-A"); err != nil {
		return nil, err
	}
	staged, err := gitOutput(repoPath, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	files := splitNonEmptyLines(staged)
	if len(files) == 0 {
		return nil, nil
	}
	body := summary
	if body == "" {
		body = "archive conversation"
	}
	if len(body) > 100 {
		body = body[:100]
	}
	msg := fmt.Sprintf("librarian(%s): %s", conversationID, body)
	if err := runGit(repoPath, "commit", "-m", msg); err != nil {
		return nil, err
	}
	return files, nil
}

func runGit(repoPath string, args ...string) error {
	cmd := exec.Command("git", append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return nil
}

func gitOutput(repoPath string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
