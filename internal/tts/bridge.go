package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
)

// maxSentenceAttempts is how many times the bridge tries a single sentence
// against the synthesizer before giving up and emitting voice.error (§4.6:
// "one retry before surfacing a failure").
const maxSentenceAttempts = 2

// Bridge drives speech synthesis for every agent session with TTS enabled.
// It watches a session's content_block_delta/message_stop/turn_stop events
// via agentsession.Manager.Subscribe (not the bus directly, since the bus
// drops the per-session Envelope.Tags fanOut sets), chunks assistant text
// into sentences, synthesizes each sentence in FIFO order, and republishes
// the resulting audio on the bus scoped to the connection that owns the
// session's current turn.
type Bridge struct {
	mgr    *agentsession.Manager
	events *bus.Bus
	synth  Synthesizer
	cfg    config.TtsConfig

	limiter *rate.Limiter
	sem     chan struct{}

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is one session's chunker, sentence queue, and the
// connection its audio currently targets.
type sessionState struct {
	mu           sync.Mutex
	connectionID string
	chunker      *Chunker
	seq          int

	queue   chan string
	pending sync.WaitGroup // outstanding enqueued-but-not-yet-synthesized sentences, for awaiting drain on message_stop
	cancel  context.CancelFunc
}

// NewBridge builds a Bridge against cfg. Concurrency across all sessions
// is capped at cfg.MaxConcurrent outstanding synthesis connections, rate
// limited to cfg.RequestsPerSec request starts per second.
func NewBridge(mgr *agentsession.Manager, events *bus.Bus, synth Synthesizer, cfg config.TtsConfig) *Bridge {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	return &Bridge{
		mgr:      mgr,
		events:   events,
		synth:    synth,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(rps), maxConcurrent),
		sem:      make(chan struct{}, maxConcurrent),
		sessions: make(map[string]*sessionState),
	}
}

// NoteConnection records connectionID as the current destination for
// sessionID's audio, starting the session's watch loop the first time it
// is called. A later call for the same session (the next turn, possibly
// from a different connection after a client reload) retargets delivery
// without disturbing a chunker mid-sentence.
func (b *Bridge) NoteConnection(sessionID, workDir, connectionID string) error {
	if !b.cfg.Enabled {
		return nil
	}

	b.mu.Lock()
	if st, ok := b.sessions[sessionID]; ok {
		st.mu.Lock()
		st.connectionID = connectionID
		st.mu.Unlock()
		b.mu.Unlock()
		return nil
	}

	frames, err := b.mgr.Subscribe(sessionID, workDir)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &sessionState{
		connectionID: connectionID,
		chunker:      NewChunker(),
		queue:        make(chan string, 64),
		cancel:       cancel,
	}
	b.sessions[sessionID] = st
	b.mu.Unlock()

	go b.watchSession(ctx, sessionID, frames, st)
	go b.drainQueue(ctx, sessionID, st)
	return nil
}

// Close stops watching sessionID and releases its Manager subscription.
func (b *Bridge) Close(sessionID string) {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (b *Bridge) watchSession(ctx context.Context, sessionID string, frames chan protocol.EventFrame, st *sessionState) {
	defer b.mgr.Unsubscribe(sessionID, frames)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			b.handleFrame(sessionID, frame, st)
		}
	}
}

func (b *Bridge) handleFrame(sessionID string, frame protocol.EventFrame, st *sessionState) {
	switch frame.Event {
	case protocol.EventContentBlockDelta:
		var block agentsession.ContentBlock
		if err := json.Unmarshal(frame.Payload, &block); err != nil {
			return
		}
		if block.Type != "text" || block.Text == "" {
			return
		}
		for _, sentence := range st.chunker.Feed(block.Text) {
			b.enqueue(sentence, st)
		}
	case protocol.EventMessageStop:
		if rest := st.chunker.Flush(); rest != "" {
			b.enqueue(rest, st)
		}
		go func() {
			st.pending.Wait()
			b.publish(st, protocol.EventVoiceStreamEnd, voiceStreamEnd{Aborted: false})
		}()
	case protocol.EventTurnStop:
		var payload map[string]string
		_ = json.Unmarshal(frame.Payload, &payload)
		if payload["stop_reason"] == protocol.StopReasonAbort {
			st.chunker.Flush()
			b.publish(st, protocol.EventVoiceStreamEnd, voiceStreamEnd{Aborted: true})
		}
	}
}

func (b *Bridge) enqueue(sentence string, st *sessionState) {
	cleaned := CleanForSpeech(sentence)
	if cleaned == "" {
		return
	}
	st.pending.Add(1)
	select {
	case st.queue <- cleaned:
	default:
		st.pending.Done()
		slog.Warn("tts: sentence queue full, dropping sentence")
	}
}

func (b *Bridge) drainQueue(ctx context.Context, sessionID string, st *sessionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case sentence, ok := <-st.queue:
			if !ok {
				return
			}
			b.synthesizeSentence(ctx, sessionID, st, sentence)
			st.pending.Done()
		}
	}
}

type voiceAudioChunk struct {
	Seq  int    `json:"seq"`
	Data []byte `json:"data"`
}

type voiceStreamEnd struct {
	Aborted bool `json:"aborted"`
}

type voiceError struct {
	Message string `json:"message"`
}

// synthesizeSentence runs one sentence through the synthesizer, retrying
// once on failure before giving up and surfacing voice.error.
func (b *Bridge) synthesizeSentence(ctx context.Context, sessionID string, st *sessionState, sentence string) {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxSentenceAttempts; attempt++ {
		if err := b.synthesizeOnce(ctx, st, sentence); err != nil {
			lastErr = err
			slog.Warn("tts: synthesis attempt failed", "session", sessionID, "attempt", attempt+1, "error", err)
			continue
		}
		return
	}
	b.publish(st, protocol.EventVoiceError, voiceError{Message: lastErr.Error()})
}

func (b *Bridge) synthesizeOnce(ctx context.Context, st *sessionState, sentence string) error {
	ch, err := b.synth.Synthesize(ctx, sentence)
	if err != nil {
		return err
	}

	first := true
	for chunk := range ch {
		framed := chunk
		if first {
			framed = frameFirstChunk(chunk)
			first = false
		}
		st.mu.Lock()
		st.seq++
		seq := st.seq
		st.mu.Unlock()
		b.publish(st, protocol.EventVoiceAudioChunk, voiceAudioChunk{Seq: seq, Data: framed})
	}
	return nil
}

func (b *Bridge) publish(st *sessionState, event string, payload interface{}) {
	st.mu.Lock()
	connectionID := st.connectionID
	st.mu.Unlock()
	b.events.Publish(bus.Event{
		Name:         event,
		Payload:      payload,
		ConnectionID: connectionID,
	})
}
