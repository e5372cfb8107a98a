package gemini

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

const geminiStream = `data: {"candidates":[{"content":{"parts":[{"text":"Cześć"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":", świecie"}]}}],"usageMetadata":{"totalTokenCount":7}}

data: [DONE]
`

func TestTranscode_GeminiStream(t *testing.T) {
	var lines []string
	result, err := Transcode(strings.NewReader(geminiStream), func(line string) {
		lines = append(lines, line)
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("transcode failed: %v", err)
	}

	if result.Text != "Cześć, świecie" {
		t.Fatalf("text: got %q", result.Text)
	}
	if result.TotalTokens != 7 {
		t.Fatalf("total tokens: got %d", result.TotalTokens)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 token lines, got %v", lines)
	}
	if lines[0] != `{"token":"Cześć","done":false}` {
		t.Fatalf("first line: %s", lines[0])
	}
}

func TestTranscode_EmptyCandidatesSkipped(t *testing.T) {
	stream := "data: {\"candidates\":[]}\ndata: {\"usageMetadata\":{\"totalTokenCount\":3}}\n"
	result, err := Transcode(strings.NewReader(stream), func(string) {
		t.Fatal("no token lines expected")
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("transcode failed: %v", err)
	}
	if result.TotalTokens != 3 {
		t.Fatalf("usage should still be captured, got %d", result.TotalTokens)
	}
}
