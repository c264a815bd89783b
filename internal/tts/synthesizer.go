package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"

	"github.com/claudia-dev/claudia/internal/config"
)

// pcmSampleRate, pcmChannels, and pcmBitsPerSample describe the raw PCM the
// external vendor endpoint is configured to emit. The bridge wraps that PCM
// in a WAV container before forwarding it, so a client never needs to know
// the vendor's own wire format.
const (
	pcmSampleRate    = 24000
	pcmChannels      = 1
	pcmBitsPerSample = 16
)

// Synthesizer opens a streaming connection that turns one sentence of text
// into a sequence of raw PCM chunks. The returned channel is closed when
// the vendor signals completion or ctx is canceled; a synthesis failure
// mid-stream also just closes the channel. The channel carries no error,
// so the bridge cannot tell such a failure from completion: only an error
// returned by Synthesize itself counts as a failed attempt eligible for
// retry.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// HTTPSynthesizer streams synthesized audio from a vendor endpoint that
// accepts a JSON request body and responds with a chunked PCM byte stream.
// The exact vendor protocol is out of scope (§1); this satisfies the
// streaming contract the bridge needs against any endpoint shaped this way.
type HTTPSynthesizer struct {
	cfg    config.TtsConfig
	client *http.Client
}

// NewHTTPSynthesizer builds a Synthesizer against cfg.Endpoint.
func NewHTTPSynthesizer(cfg config.TtsConfig) *HTTPSynthesizer {
	return &HTTPSynthesizer{cfg: cfg, client: &http.Client{}}
}

func (h *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	body := fmt.Sprintf(`{"text":%q,"voice":%q}`, text, h.cfg.Voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("tts: vendor status %d", resp.StatusCode)
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

// wavHeader builds a 44-byte RIFF/WAVE header for a mono PCM stream of
// unknown total length. The size fields are set to the maximum value
// rather than a real total, the standard trick for a header written before
// the last byte of streamed audio is known; most decoders treat it as "play
// until the stream ends" rather than rejecting it.
func wavHeader(sampleRate, channels, bitsPerSample int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(0xFFFFFFFF))
	return buf.Bytes()
}

// frameFirstChunk prepends a WAV header to the first PCM chunk of a
// sentence's stream so the accumulated bytes form a self-describing
// container from the client's perspective; later chunks in the same
// sentence are raw PCM appended to that same stream.
func frameFirstChunk(pcm []byte) []byte {
	header := wavHeader(pcmSampleRate, pcmChannels, pcmBitsPerSample)
	framed := make([]byte, 0, len(header)+len(pcm))
	framed = append(framed, header...)
	framed = append(framed, pcm...)
	return framed
}

// drainSynthesis reads every chunk off ch until it closes, returning the
// concatenated PCM and true; if ctx is canceled first it returns what was
// read so far and false. A close caused by a mid-stream failure also
// reports true.
func drainSynthesis(ctx context.Context, ch <-chan []byte) ([]byte, bool) {
	var out bytes.Buffer
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out.Bytes(), true
			}
			out.Write(chunk)
		case <-ctx.Done():
			return out.Bytes(), false
		}
	}
}
