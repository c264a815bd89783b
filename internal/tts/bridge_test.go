package tts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/claudia-dev/claudia/internal/agentsession"
	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
)

var errBoom = errors.New("synthesis failed")

// fakeSynthesizer returns scripted chunks (or an error) per call, in order,
// so tests can exercise retry and success paths deterministically.
type fakeSynthesizer struct {
	calls   int
	results [][][]byte
	errs    []error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	ch := make(chan []byte, len(f.results[i]))
	for _, chunk := range f.results[i] {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func newTestBridge(synth Synthesizer) (*Bridge, *bus.Bus) {
	events := bus.New()
	cfg := config.TtsConfig{Enabled: true, MaxConcurrent: 2, RequestsPerSec: 1000}
	b := NewBridge(nil, events, synth, cfg)
	return b, events
}

func contentBlockDeltaFrame(text string) protocol.EventFrame {
	raw, _ := json.Marshal(agentsession.ContentBlock{Type: "text", Text: text})
	return protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventContentBlockDelta, Payload: raw}
}

func TestBridgeHandleFrameChunksAndSynthesizesOnSentenceComplete(t *testing.T) {
	fake := &fakeSynthesizer{results: [][][]byte{{[]byte("pcmdata")}}}
	b, events := newTestBridge(fake)

	var got []voiceAudioChunk
	done := make(chan struct{})
	events.Subscribe("test", protocol.EventVoiceAudioChunk, "conn-1", func(e bus.Event) {
		got = append(got, e.Payload.(voiceAudioChunk))
		close(done)
	})

	st := &sessionState{connectionID: "conn-1", chunker: NewChunker(), queue: make(chan string, 8)}
	b.handleFrame("sess-1", contentBlockDeltaFrame("Hello world. "), st)

	select {
	case sentence := <-st.queue:
		b.synthesizeSentence(context.Background(), "sess-1", st, sentence)
	case <-time.After(time.Second):
		t.Fatal("expected a sentence on the queue")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a voice.audio_chunk event")
	}
	if len(got) != 1 || len(got[0].Data) == 0 {
		t.Fatalf("expected one framed audio chunk, got %v", got)
	}
}

func TestBridgeMessageStopFlushesTrailingFragment(t *testing.T) {
	b, _ := newTestBridge(&fakeSynthesizer{})
	st := &sessionState{connectionID: "conn-1", chunker: NewChunker(), queue: make(chan string, 8)}

	b.handleFrame("sess-1", contentBlockDeltaFrame("No terminal punctuation"), st)
	if len(st.queue) != 0 {
		t.Fatalf("expected nothing queued before message_stop")
	}

	b.handleFrame("sess-1", protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventMessageStop}, st)
	select {
	case sentence := <-st.queue:
		if sentence != "No terminal punctuation" {
			t.Fatalf("got %q", sentence)
		}
	default:
		t.Fatal("expected the trailing fragment queued on message_stop")
	}
}

func TestBridgeAbortEmitsStreamEndAndDiscardsFragment(t *testing.T) {
	b, events := newTestBridge(&fakeSynthesizer{})
	st := &sessionState{connectionID: "conn-1", chunker: NewChunker(), queue: make(chan string, 8)}
	st.chunker.Feed("an unfinished sentence")

	var gotEnd voiceStreamEnd
	done := make(chan struct{})
	events.Subscribe("test", protocol.EventVoiceStreamEnd, "conn-1", func(e bus.Event) {
		gotEnd = e.Payload.(voiceStreamEnd)
		close(done)
	})

	raw, _ := json.Marshal(map[string]string{"stop_reason": protocol.StopReasonAbort})
	b.handleFrame("sess-1", protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventTurnStop, Payload: raw}, st)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a voice.stream_end event")
	}
	if !gotEnd.Aborted {
		t.Fatalf("expected Aborted=true")
	}
	if final := st.chunker.Flush(); final != "" {
		t.Fatalf("expected the aborted fragment discarded, got %q", final)
	}
}

func TestBridgeRetriesOnceThenEmitsVoiceError(t *testing.T) {
	fakeErr := &fakeSynthesizer{
		results: [][][]byte{nil, nil},
		errs:    []error{errBoom, errBoom},
	}
	b, events := newTestBridge(fakeErr)
	st := &sessionState{connectionID: "conn-1", chunker: NewChunker(), queue: make(chan string, 8)}

	var gotErr voiceError
	done := make(chan struct{})
	events.Subscribe("test", protocol.EventVoiceError, "conn-1", func(e bus.Event) {
		gotErr = e.Payload.(voiceError)
		close(done)
	})

	b.synthesizeSentence(context.Background(), "sess-1", st, "hello")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a voice.error event after exhausting retries")
	}
	if fakeErr.calls != maxSentenceAttempts {
		t.Fatalf("expected %d attempts, got %d", maxSentenceAttempts, fakeErr.calls)
	}
	if gotErr.Message == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestBridgeNormalCompletionAwaitsDrainThenEmitsStreamEnd(t *testing.T) {
	fake := &fakeSynthesizer{results: [][][]byte{{[]byte("pcmdata")}}}
	b, events := newTestBridge(fake)
	st := &sessionState{connectionID: "conn-1", chunker: NewChunker(), queue: make(chan string, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.drainQueue(ctx, "sess-1", st)

	var gotEnd voiceStreamEnd
	done := make(chan struct{})
	events.Subscribe("test", protocol.EventVoiceStreamEnd, "conn-1", func(e bus.Event) {
		gotEnd = e.Payload.(voiceStreamEnd)
		close(done)
	})

	b.handleFrame("sess-1", contentBlockDeltaFrame("Trailing fragment"), st)
	b.handleFrame("sess-1", protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventMessageStop}, st)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a voice.stream_end event once the queue drains")
	}
	if gotEnd.Aborted {
		t.Fatalf("expected Aborted=false on normal completion")
	}
}
