package tts

import (
	"regexp"
	"strings"
)

// Cleaning patterns, each scoped to one concern (§4.6: strip code blocks,
// markdown syntax, URLs, file paths, list lines, emoji before synthesis).
// Grounded on the teacher's per-concern regex-and-guard shape in
// internal/agent/sanitize.go.
var (
	fencedCodeBlockPattern = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern      = regexp.MustCompile("`[^`\n]*`")
	markdownLinkPattern    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownEmphasisChars  = regexp.MustCompile(`[*_~]{1,3}`)
	headingMarkerPattern   = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	urlPattern             = regexp.MustCompile(`https?://\S+`)
	filePathPattern        = regexp.MustCompile(`(?:/[\w.\-]+)+\.\w{1,6}\b`)
	listLinePattern        = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	emojiPattern           = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{2190}-\x{21FF}]`)
	extraWhitespacePattern = regexp.MustCompile(`\s+`)
)

// CleanForSpeech strips text of everything a speech synthesizer should
// never read aloud literally: code, markdown syntax, links, paths, list
// bullets, and emoji. The result is meant to be fed to a single sentence's
// worth of text, not a whole message.
func CleanForSpeech(text string) string {
	if text == "" {
		return text
	}

	cleaned := fencedCodeBlockPattern.ReplaceAllString(text, "")
	cleaned = inlineCodePattern.ReplaceAllString(cleaned, "")
	cleaned = markdownLinkPattern.ReplaceAllString(cleaned, "$1")
	cleaned = urlPattern.ReplaceAllString(cleaned, "")
	cleaned = filePathPattern.ReplaceAllString(cleaned, "")
	cleaned = listLinePattern.ReplaceAllString(cleaned, "")
	cleaned = headingMarkerPattern.ReplaceAllString(cleaned, "")
	cleaned = markdownEmphasisChars.ReplaceAllString(cleaned, "")
	cleaned = emojiPattern.ReplaceAllString(cleaned, "")
	cleaned = extraWhitespacePattern.ReplaceAllString(cleaned, " ")


	return strings.TrimSpace(cleaned)
}
