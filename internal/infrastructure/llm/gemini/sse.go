package gemini

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
)

// StreamResult is the shadow copy collected while transcoding one Gemini
// streaming response.
type StreamResult struct {
	Text        string
	TotalTokens int
}

// chunk is one streamGenerateContent SSE payload.
type chunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Transcode reads a Gemini SSE stream and emits {token,done:false} lines for
// candidates[0].content.parts[0].text, capturing totalTokenCount. The caller
// emits the terminal line.
func Transcode(reader io.Reader, emit func(line string), logger *zap.Logger) (*StreamResult, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	result := &StreamResult{}
	var textBuilder strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}

		var event chunk
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			logger.Debug("Skip unparseable Gemini SSE chunk", zap.Error(err))
			continue
		}

		if event.UsageMetadata != nil && event.UsageMetadata.TotalTokenCount > 0 {
			result.TotalTokens = event.UsageMetadata.TotalTokenCount
		}

		if len(event.Candidates) == 0 || len(event.Candidates[0].Content.Parts) == 0 {
			continue
		}
		text := event.Candidates[0].Content.Parts[0].Text
		if text != "" {
			textBuilder.WriteString(text)
			emit(entity.TokenLine(text))
		}
	}

	result.Text = textBuilder.String()

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("SSE scan error: %w", err)
	}
	return result, nil
}
