package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/llm/anthropic"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// UpstreamAdapter implements service.Upstream over the dispatcher and the
// SSE transcoder. The agentic loop talks only to this.
type UpstreamAdapter struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewUpstreamAdapter(dispatcher *Dispatcher, logger *zap.Logger) *UpstreamAdapter {
	return &UpstreamAdapter{dispatcher: dispatcher, logger: logger}
}

var _ service.Upstream = (*UpstreamAdapter)(nil)

// StreamTurn runs one streaming Messages call, forwarding NDJSON lines and
// returning the shadow copy. A mid-stream network failure returns whatever
// was collected plus the error.
func (a *UpstreamAdapter) StreamTurn(ctx context.Context, req *service.UpstreamRequest, emit func(line string)) (*service.TurnOutcome, error) {
	resp, err := a.dispatcher.SendAnthropic(ctx, &anthropic.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		Stream:      true,
	}, req.Timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, apperrors.NewUpstreamError(
			fmt.Sprintf("Anthropic API returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	turn, err := anthropic.Transcode(resp.Body, emit, a.logger)
	outcome := &service.TurnOutcome{
		Text:         turn.Text,
		ToolUses:     turn.ToolUses,
		StopReason:   turn.StopReason,
		OutputTokens: turn.OutputTokens,
	}
	if err != nil {
		return outcome, apperrors.NewUpstreamError("stream interrupted", err)
	}
	return outcome, nil
}

// Complete runs one non-streaming Messages call and returns the assistant
// content blocks. The auto-fix phase runs on this path.
func (a *UpstreamAdapter) Complete(ctx context.Context, req *service.UpstreamRequest) ([]entity.ContentBlock, error) {
	resp, err := a.dispatcher.SendAnthropic(ctx, &anthropic.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
	}, req.Timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewUpstreamError("read Anthropic response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewUpstreamError(
			fmt.Sprintf("Anthropic API returned %d: %s", resp.StatusCode, snippetOf(body, 300)), nil)
	}

	var parsed struct {
		Content []entity.ContentBlock `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewUpstreamError("parse Anthropic response", err)
	}
	return parsed.Content, nil
}

func snippetOf(raw []byte, max int) string {
	s := string(raw)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
