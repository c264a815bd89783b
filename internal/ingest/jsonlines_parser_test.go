package ingest

import "testing"

func TestParseLineSkipsMetadataRecords(t *testing.T) {
	p := NewJSONLinesParser()
	entry, err := p.ParseLine([]byte(`{"type":"summary","text":"not a message"}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected metadata line to parse to nil, got %+v", entry)
	}
}

func TestParseLineExtractsStringContent(t *testing.T) {
	p := NewJSONLinesParser()
	entry, err := p.ParseLine([]byte(`{"type":"user","message":{"role":"user","content":"hello there"},"timestamp":"2026-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if entry == nil || entry.Content != "hello there" {
		t.Fatalf("expected content %q, got %+v", "hello there", entry)
	}
	if entry.Role != "user" {
		t.Fatalf("expected role user, got %s", entry.Role)
	}
}

func TestParseLineExtractsTextAndToolNamesFromBlocks(t *testing.T) {
	p := NewJSONLinesParser()
	line := `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"let me check"},
		{"type":"tool_use","name":"bash"}
	]}}`
	entry, err := p.ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if entry.Content != "let me check" {
		t.Fatalf("expected text content, got %q", entry.Content)
	}
	if len(entry.ToolNames) != 1 || entry.ToolNames[0] != "bash" {
		t.Fatalf("expected tool names [bash], got %v", entry.ToolNames)
	}
}
