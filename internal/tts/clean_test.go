package tts

import "testing"

func TestCleanForSpeechStripsMarkdownAndCode(t *testing.T) {
	in := "Run `go test` like this:\n```go\nfunc main() {}\n```\nSee **bold** and _italic_ text."
	got := CleanForSpeech(in)
	want := "Run like this: See bold and italic text."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCleanForSpeechStripsLinksURLsAndPaths(t *testing.T) {
	in := "Check [the docs](https://example.com/docs) or visit https://example.com directly, see /usr/local/bin/claudia.sh for the script."
	got := CleanForSpeech(in)
	if containsAny(got, []string{"http://", "https://", "(", ")", "/usr/local"}) {
		t.Fatalf("expected links/urls/paths stripped, got %q", got)
	}
	if !containsAny(got, []string{"the docs"}) {
		t.Fatalf("expected link text preserved, got %q", got)
	}
}

func TestCleanForSpeechStripsListMarkersAndHeadings(t *testing.T) {
	in := "# Heading\n- first item\n* second item\n1. third item"
	got := CleanForSpeech(in)
	if containsAny(got, []string{"#", "- ", "* ", "1."}) {
		t.Fatalf("expected markers stripped, got %q", got)
	}
}

func TestCleanForSpeechStripsEmoji(t *testing.T) {
	in := "All done \U0001F389 great work"
	got := CleanForSpeech(in)
	if containsAny(got, []string{"\U0001F389"}) {
		t.Fatalf("expected emoji stripped, got %q", got)
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
