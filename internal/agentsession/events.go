package agentsession

import "encoding/json"

// CLILine is one parsed NDJSON line from the spawned coding CLI's stdout.
// The schema mirrors the stream-json output format shared by the coding
// CLIs Claudia fronts: a small discriminated union keyed on Type.
type CLILine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`

	// control_request: an interactive tool call needing a human or
	// policy decision before the CLI proceeds (§4.3).
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	SlashCommands []string `json:"slash_commands,omitempty"`

	// stream_event: inner partial-message delta, present when the CLI was
	// launched with partial-message streaming enabled.
	Event json.RawMessage `json:"event,omitempty"`
}

// ContentBlock is one unit of assistant output (text, tool_use, or
// tool_result), the same shape across message_start/delta/stop events.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// AssistantMessage is the message field of a CLILine with Type "assistant".
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
	Usage   struct {
		InputTokens              int `json:"input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		OutputTokens             int `json:"output_tokens"`
	} `json:"usage"`
}

// stdinUserMessage is the wire shape written to the CLI's stdin to submit
// a user turn.
type stdinUserMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// stdinControlResponse answers a control_request (an interactive tool
// permission prompt) on the CLI's stdin.
type stdinControlResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}
