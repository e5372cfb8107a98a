package entity

import (
	"encoding/json"
)

// Block type discriminators matching the Anthropic Messages wire format.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one tagged content element of a chat turn. The Type field
// selects which of the remaining fields are meaningful:
//
//	text        → Text
//	tool_use    → ID, Name, Input
//	tool_result → ToolUseID, Content, IsError
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ChatTurn is one element of the conversation sent upstream. Content is
// either a plain string (Text) or an ordered block sequence (Blocks); when
// Blocks is non-nil it takes precedence. Pure-text turns collapse to a plain
// string on the wire for compactness.
type ChatTurn struct {
	Role   string
	Text   string
	Blocks []ContentBlock
}

// UserText builds a plain-text user turn.
func UserText(text string) ChatTurn {
	return ChatTurn{Role: "user", Text: text}
}

// AssistantText builds a plain-text assistant turn.
func AssistantText(text string) ChatTurn {
	return ChatTurn{Role: "assistant", Text: text}
}

// AssistantBlocks builds an assistant turn from content blocks.
func AssistantBlocks(blocks []ContentBlock) ChatTurn {
	return ChatTurn{Role: "assistant", Blocks: blocks}
}

// UserToolResults builds the user turn that answers an assistant turn's
// tool_use blocks. Result order must match tool-use order.
func UserToolResults(blocks []ContentBlock) ChatTurn {
	return ChatTurn{Role: "user", Blocks: blocks}
}

type wireTurnBlocks struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type wireTurnText struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MarshalJSON emits {"role","content"} with content as a string for plain
// turns and as a block array otherwise.
func (t ChatTurn) MarshalJSON() ([]byte, error) {
	if t.Blocks != nil {
		return json.Marshal(wireTurnBlocks{Role: t.Role, Content: t.Blocks})
	}
	return json.Marshal(wireTurnText{Role: t.Role, Content: t.Text})
}

// UnmarshalJSON accepts both wire shapes.
func (t *ChatTurn) UnmarshalJSON(data []byte) error {
	var asText wireTurnText
	if err := json.Unmarshal(data, &asText); err == nil {
		t.Role = asText.Role
		t.Text = asText.Content
		t.Blocks = nil
		return nil
	}
	var asBlocks wireTurnBlocks
	if err := json.Unmarshal(data, &asBlocks); err != nil {
		return err
	}
	t.Role = asBlocks.Role
	t.Blocks = asBlocks.Content
	t.Text = ""
	return nil
}

// PlainText returns the text content of the turn: the Text field for plain
// turns, otherwise the concatenation of text blocks.
func (t ChatTurn) PlainText() string {
	if t.Blocks == nil {
		return t.Text
	}
	var out string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolDef describes one tool exposed to the upstream model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}
