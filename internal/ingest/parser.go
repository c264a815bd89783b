// Package ingest reads coding-CLI transcript files the watcher reports as
// changed, parses new lines into transcript entries, and segments them
// into conversations for the librarian (§4.4).
package ingest

import "time"

// ParsedEntry is one message a Parser extracts from a raw transcript line.
type ParsedEntry struct {
	Role      string
	Content   string
	ToolNames []string
	Timestamp time.Time
	Cwd       string
}

// Parser turns one raw transcript line into zero or one entries (some
// lines are session metadata, not messages, and parse to nothing). Every
// concrete transcript format Claudia supports implements this contract;
// IngestFile is agnostic to which one it's handed (§4.4 parser contract).
type Parser interface {
	Name() string
	ParseLine(line []byte) (*ParsedEntry, error)
}
