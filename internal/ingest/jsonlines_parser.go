package ingest

import (
	"encoding/json"
	"time"
)

// jsonLine is the wire shape of one line in a coding CLI's JSONL
// transcript: a single user or assistant message plus the tool names it
// invoked, keyed by the concrete format this parser targets.
type jsonLine struct {
	Type      string          `json:"type"` // "user" | "assistant" | anything else is metadata, skipped
	Message   json.RawMessage `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
}

type jsonLineMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type jsonLineContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool_use block's tool name
}

// JSONLinesParser parses the line-delimited JSON transcript format written
// by Claudia's supported coding CLIs.
type JSONLinesParser struct{}

// NewJSONLinesParser constructs the default transcript parser.
func NewJSONLinesParser() *JSONLinesParser { return &JSONLinesParser{} }

// Name identifies this parser in logs and ingestion state.
func (p *JSONLinesParser) Name() string { return "jsonlines" }

// ParseLine extracts a ParsedEntry from one JSONL transcript line, or nil
// when the line is metadata (e.g. a session-init record) rather than a
// message.
func (p *JSONLinesParser) ParseLine(line []byte) (*ParsedEntry, error) {
	var raw jsonLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	if raw.Type != "user" && raw.Type != "assistant" {
		return nil, nil
	}

	var msg jsonLineMessage
	if raw.Message != nil {
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			return nil, err
		}
	}

	content, toolNames := flattenContent(msg.Content)
	ts := time.Now()
	if raw.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			ts = parsed
		}
	}

	return &ParsedEntry{
		Role:      raw.Type,
		Content:   content,
		ToolNames: toolNames,
		Timestamp: ts,
		Cwd:       raw.Cwd,
	}, nil
}

// flattenContent accepts either a bare string content field or an array of
// content blocks (text / tool_use), returning the concatenated text and
// the tool names used.
func flattenContent(raw json.RawMessage) (string, []string) {
	if len(raw) == 0 {
		return "", nil
	}

	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		return asString, nil
	}

	var blocks []jsonLineContentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return "", nil
	}

	var text string
	var tools []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case "tool_use":
			tools = append(tools, b.Name)
		}
	}
	return text, tools
}
