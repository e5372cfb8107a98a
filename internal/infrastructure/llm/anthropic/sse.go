package anthropic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
)

// TurnResult is the shadow copy collected while transcoding one streaming
// turn: the assistant text, the tool_use blocks in arrival order, and the
// trailing stop_reason / usage.
type TurnResult struct {
	Text         string
	ToolUses     []entity.ContentBlock
	StopReason   string
	OutputTokens int
	Model        string
}

// pendingTool tracks a tool_use block whose input streams in as
// input_json_delta fragments.
type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

// streamEvent covers the subset of Anthropic SSE payloads the transcoder
// reads. Unknown events unmarshal to zero values and are skipped.
type streamEvent struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Model string `json:"model"`
	} `json:"message"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Transcode reads an Anthropic SSE stream and emits one NDJSON line per
// semantic event:
//
//   - text_delta        → {token, done:false}
//   - completed tool_use → {type:"tool_call", ...}
//
// The terminal {done:true} line is the caller's responsibility — the agentic
// loop decides whether another turn follows. Parse rules: blank lines and
// ":"-comments are discarded, "data: " lines carry JSON or the "[DONE]"
// sentinel, a tool input accumulator that fails to parse falls back to {}.
func Transcode(reader io.Reader, emit func(line string), logger *zap.Logger) (*TurnResult, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	result := &TurnResult{}
	var textBuilder strings.Builder
	var pending *pendingTool

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		// The "event: <type>" lines are redundant — every data payload
		// repeats its type, so only data lines are parsed.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			logger.Debug("Skip unparseable SSE payload", zap.Error(err))
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				result.Model = event.Message.Model
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending = &pendingTool{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					textBuilder.WriteString(event.Delta.Text)
					emit(entity.TokenLine(event.Delta.Text))
				}
			case "input_json_delta":
				if pending != nil {
					pending.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if pending == nil {
				continue
			}
			input := json.RawMessage(pending.args.String())
			if !json.Valid(input) || len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			emit(entity.ToolCallLine(pending.id, pending.name, input))
			result.ToolUses = append(result.ToolUses, entity.ToolUseBlock(pending.id, pending.name, input))
			pending = nil

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				result.StopReason = event.Delta.StopReason
			}
			if event.Usage != nil && event.Usage.OutputTokens > 0 {
				result.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop", "ping":
			// message_stop closes the turn; the caller emits the terminal line.

		default:
			logger.Debug("Unknown Anthropic SSE event type", zap.String("type", event.Type))
		}
	}

	result.Text = textBuilder.String()

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("SSE scan error: %w", err)
	}
	return result, nil
}
