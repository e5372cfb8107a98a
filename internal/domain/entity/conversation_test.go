package entity

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatTurn_PlainTextCollapsesToString(t *testing.T) {
	turn := UserText("hello")
	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"role":"user","content":"hello"}`
	if string(data) != want {
		t.Fatalf("got %s want %s", data, want)
	}
}

func TestChatTurn_BlockTurnMarshalsAsArray(t *testing.T) {
	turn := AssistantBlocks([]ContentBlock{
		TextBlock("I'll read the file."),
		ToolUseBlock("toolu_1", "read_file", json.RawMessage(`{"path":"main.go"}`)),
	})

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		`"role":"assistant"`,
		`"type":"text"`,
		`"type":"tool_use"`,
		`"id":"toolu_1"`,
		`"input":{"path":"main.go"}`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("marshaled turn missing %q: %s", want, s)
		}
	}
}

func TestChatTurn_ToolResultShape(t *testing.T) {
	turn := UserToolResults([]ContentBlock{
		ToolResultBlock("toolu_1", "file contents", false),
		ToolResultBlock("toolu_2", "Access denied", true),
	})

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"tool_use_id":"toolu_1"`) {
		t.Fatalf("missing tool_use_id: %s", s)
	}
	if !strings.Contains(s, `"is_error":true`) {
		t.Fatalf("error flag must be present on failed results: %s", s)
	}
	if strings.Contains(s, `"is_error":false`) {
		t.Fatalf("is_error should be omitted when false: %s", s)
	}
}

func TestChatTurn_UnmarshalBothShapes(t *testing.T) {
	var plain ChatTurn
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &plain); err != nil {
		t.Fatalf("unmarshal plain failed: %v", err)
	}
	if plain.Role != "user" || plain.Text != "hi" || plain.Blocks != nil {
		t.Fatalf("unexpected plain turn: %+v", plain)
	}

	var blocks ChatTurn
	raw := `{"role":"assistant","content":[{"type":"text","text":"a"},{"type":"tool_use","id":"x","name":"read_file","input":{}}]}`
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		t.Fatalf("unmarshal blocks failed: %v", err)
	}
	if len(blocks.Blocks) != 2 || blocks.Blocks[1].Name != "read_file" {
		t.Fatalf("unexpected block turn: %+v", blocks)
	}
}

func TestChatTurn_PlainText(t *testing.T) {
	turn := AssistantBlocks([]ContentBlock{
		TextBlock("one "),
		ToolUseBlock("id", "tool", nil),
		TextBlock("two"),
	})
	if got := turn.PlainText(); got != "one two" {
		t.Fatalf("PlainText got %q", got)
	}
}

func TestEventLines(t *testing.T) {
	if got := TokenLine("hi"); got != `{"token":"hi","done":false}` {
		t.Fatalf("token line: %s", got)
	}
	if got := DoneLine("", "claude-sonnet-4-6", 42); got != `{"token":"","done":true,"model":"claude-sonnet-4-6","total_tokens":42}` {
		t.Fatalf("done line: %s", got)
	}
	if got := ToolCallLine("toolu_1", "read_file", nil); !strings.Contains(got, `"tool_input":{}`) {
		t.Fatalf("tool_call line should default input to {}: %s", got)
	}
	if got := ToolResultLine("toolu_1", "ok", false); got != `{"type":"tool_result","tool_use_id":"toolu_1","result":"ok","is_error":false}` {
		t.Fatalf("tool_result line: %s", got)
	}
}
