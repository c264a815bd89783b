// Package tts implements the streaming text-to-speech bridge: it chunks a
// session's assistant text into sentences, synthesizes each against an
// external streaming endpoint, and fans the resulting audio out to the
// client that started the turn (§4.6).
package tts

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxSentenceWidth caps how wide (in display columns, so a run of CJK
// text isn't under-split relative to its spoken length) a single chunk
// handed to the synthesizer can be. A sentence-less wall of text would
// otherwise become one huge synthesis request instead of several
// streamable ones.
const maxSentenceWidth = 240

// sentenceBoundary matches one or more sentence-ending punctuation marks
// followed by whitespace (§4.6 chunker contract). The trailing whitespace
// is consumed as part of the match so the next sentence never starts with
// a leading space.
var sentenceBoundary = regexp.MustCompile(`[.!?]+\s`)

// paragraphBreak matches a blank line, the chunker's other boundary.
var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Chunker is a stateful sentence splitter over streaming text. Feed and
// Flush always operate on the full accumulated buffer rather than the
// latest call's argument, which is what makes the chunker a
// prefix-homomorphism: feeding "a" then "b" produces the same sentence
// stream as feeding "a"+"b" in one call (§8).
type Chunker struct {
	buf strings.Builder
}

// NewChunker returns an empty Chunker.
func NewChunker() *Chunker {
	return &Chunker{}
}

// Feed appends text to the buffer and returns every sentence the new
// content completed, in order. Trailing text that does not yet end on a
// boundary stays buffered for the next Feed or Flush.
func (c *Chunker) Feed(text string) []string {
	c.buf.WriteString(text)
	return c.drain()
}

func (c *Chunker) drain() []string {
	var out []string
	for {
		s := c.buf.String()
		start, end := firstBoundary(s)
		if start < 0 {
			break
		}
		sentence := strings.TrimSpace(s[:end])
		c.buf.Reset()
		c.buf.WriteString(s[end:])
		if sentence != "" {
			out = append(out, splitOverlong(sentence)...)
		}
	}
	return out
}

// splitOverlong breaks s into word-boundary pieces no wider than
// maxSentenceWidth, only doing any work when s actually exceeds it.
func splitOverlong(s string) []string {
	if runewidth.StringWidth(s) <= maxSentenceWidth {
		return []string{s}
	}

	var out []string
	var piece strings.Builder
	width := 0
	for _, word := range strings.Fields(s) {
		wordWidth := runewidth.StringWidth(word)
		if width > 0 && width+1+wordWidth > maxSentenceWidth {
			out = append(out, piece.String())
			piece.Reset()
			width = 0
		}
		if width > 0 {
			piece.WriteByte(' ')
			width++
		}
		piece.WriteString(word)
		width += wordWidth
	}
	if piece.Len() > 0 {
		out = append(out, piece.String())
	}
	return out
}

// Flush yields whatever incomplete text remains once the source has ended
// (e.g. on message_stop), or "" if the buffer is empty. It does not split
// on width the way drain does: callers treat Flush's result as one final
// trailing fragment, not a stream of further chunks.
func (c *Chunker) Flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

// firstBoundary returns the [start,end) span of the earliest sentence or
// paragraph boundary in s, or (-1, -1) if none is present yet.
func firstBoundary(s string) (start, end int) {
	sLoc := sentenceBoundary.FindStringIndex(s)
	pLoc := paragraphBreak.FindStringIndex(s)
	switch {
	case sLoc == nil && pLoc == nil:
		return -1, -1
	case sLoc == nil:
		return pLoc[0], pLoc[1]
	case pLoc == nil:
		return sLoc[0], sLoc[1]
	case sLoc[0] <= pLoc[0]:
		return sLoc[0], sLoc[1]
	default:
		return pLoc[0], pLoc[1]
	}
}
