package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/pkg/safego"
)

// ChatContext is the per-request execution context resolved before the loop
// starts.
type ChatContext struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	MaxIterations    int
	WorkingDirectory string
	SessionID        string
	SystemPrompt     string
}

// UpstreamRequest is one model call issued by the engine.
type UpstreamRequest struct {
	Model       string
	MaxTokens   int
	System      string
	Messages    []entity.ChatTurn
	Tools       []entity.ToolDef
	Temperature *float64
	Timeout     time.Duration
}

// TurnOutcome is the shadow copy of one streaming turn.
type TurnOutcome struct {
	Text         string
	ToolUses     []entity.ContentBlock
	StopReason   string
	OutputTokens int
}

// Upstream abstracts the provider dispatch for the engine. StreamTurn runs
// one streaming call, forwarding NDJSON lines (text tokens and tool_call
// events) to emit while collecting the shadow copy. Complete runs one
// non-streaming call and returns the assistant content blocks.
type Upstream interface {
	StreamTurn(ctx context.Context, req *UpstreamRequest, emit func(line string)) (*TurnOutcome, error)
	Complete(ctx context.Context, req *UpstreamRequest) ([]entity.ContentBlock, error)
}

// ToolRunner dispatches tool calls with a per-call deadline. Implementations
// never fail the loop — failures are (message, is_error=true) results.
type ToolRunner interface {
	Definitions() []entity.ToolDef
	ExecuteWithTimeout(ctx context.Context, name string, input json.RawMessage, timeout time.Duration) (string, bool)
}

// EngineConfig bounds one agentic run.
type EngineConfig struct {
	RunTimeout     time.Duration // global wall clock, measured from the first upstream call
	StreamTimeout  time.Duration // per streaming upstream call
	UtilityTimeout time.Duration // auto-fix and synthesis calls
	ToolTimeout    time.Duration // per tool dispatch (MCP overrides internally)
}

// DefaultEngineConfig returns the production budgets.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RunTimeout:     300 * time.Second,
		StreamTimeout:  300 * time.Second,
		UtilityTimeout: 30 * time.Second,
		ToolTimeout:    60 * time.Second,
	}
}

// changeIntentKeywords trigger the auto-fix phase when the assistant
// described edits without ever writing a file. English and Polish stems.
var changeIntentKeywords = []string{
	"fix", "napraw", "zmian", "popraw", "zastosow",
	"write_file", "edit_file", "zmieni", "edytu", "zapisa",
}

// ExecutedTool records one tool dispatch for session persistence.
type ExecutedTool struct {
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
	Result    string
	IsError   bool
}

// RunResult is filled in by the time the event channel closes.
type RunResult struct {
	FinalText     string
	ToolsExecuted []ExecutedTool
	Model         string
	TotalTokens   int
	Iterations    int
}

// Engine drives the multi-turn tool_use loop: stream a turn, dispatch any
// requested tools, fold results back into the conversation, repeat until the
// model stops, a budget is exhausted, or the wall clock runs out. Errors
// never escape as Go errors — they are materialised into the NDJSON stream.
type Engine struct {
	upstream Upstream
	config   EngineConfig
	logger   *zap.Logger
}

func NewEngine(upstream Upstream, config EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{upstream: upstream, config: config, logger: logger}
}

// dynamicIterationCap scales the tool budget with prompt size.
func dynamicIterationCap(promptLen int) int {
	switch {
	case promptLen < 200:
		return 15
	case promptLen < 1000:
		return 20
	default:
		return 25
	}
}

// contextBudget is the per-result truncation budget, shrinking as the
// conversation grows.
func contextBudget(iteration int) int {
	switch {
	case iteration < 3:
		return 25000
	case iteration < 6:
		return 15000
	default:
		return 8000
	}
}

// Run starts the loop in the background. The returned channel carries one
// NDJSON line per event and is closed after the terminal done event; the
// RunResult is complete once the channel closes. The conversation slice is
// owned by the loop task from this point on.
func (e *Engine) Run(ctx context.Context, chatCtx *ChatContext, conversation []entity.ChatTurn, runner ToolRunner) (*RunResult, <-chan string) {
	events := make(chan string, 256)
	result := &RunResult{Model: chatCtx.Model}

	safego.Go(e.logger, "agent-loop", func() {
		defer close(events)
		e.runLoop(ctx, chatCtx, conversation, runner, result, events)
	})

	return result, events
}

func (e *Engine) runLoop(
	ctx context.Context,
	chatCtx *ChatContext,
	conversation []entity.ChatTurn,
	runner ToolRunner,
	result *RunResult,
	events chan<- string,
) {
	emit := func(line string) {
		select {
		case events <- line:
		case <-ctx.Done():
		}
	}
	finish := func(token string, totalTokens int) {
		emit(entity.DoneLine(token, chatCtx.Model, totalTokens))
	}

	toolDefs := runner.Definitions()

	promptLen := 0
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == "user" {
			promptLen = len(conversation[i].PlainText())
			break
		}
	}
	maxIterations := chatCtx.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}
	if dynamicCap := dynamicIterationCap(promptLen); dynamicCap < maxIterations {
		maxIterations = dynamicCap
	}

	temperature := chatCtx.Temperature
	start := time.Now()
	iteration := 0
	hasWrittenFile := false
	var fullText strings.Builder
	totalTokens := 0

	for {
		iteration++
		result.Iterations = iteration

		if ctx.Err() != nil {
			e.logger.Info("Client disconnected, stopping loop", zap.Int("iteration", iteration))
			return
		}
		if time.Since(start) >= e.config.RunTimeout {
			e.logger.Warn("Global execution timeout reached", zap.Int("iteration", iteration))
			finish("\n[Execution timeout — 5 minutes reached]", totalTokens)
			return
		}
		if iteration > maxIterations {
			finish("\n[Max tool iterations reached]", totalTokens)
			return
		}

		outcome, err := e.upstream.StreamTurn(ctx, &UpstreamRequest{
			Model:       chatCtx.Model,
			MaxTokens:   chatCtx.MaxTokens,
			System:      chatCtx.SystemPrompt,
			Messages:    conversation,
			Tools:       toolDefs,
			Temperature: &temperature,
			Timeout:     e.config.StreamTimeout,
		}, emit)
		if err != nil {
			e.logger.Error("Upstream turn failed", zap.Int("iteration", iteration), zap.Error(err))
			finish(fmt.Sprintf("\n[API error: %v]", err), totalTokens)
			return
		}

		fullText.WriteString(outcome.Text)
		if outcome.OutputTokens > 0 {
			totalTokens = outcome.OutputTokens
		}
		result.TotalTokens = totalTokens

		if outcome.StopReason == "tool_use" && len(outcome.ToolUses) > 0 {
			// Fold the assistant turn: text block (if any) then tool uses.
			var blocks []entity.ContentBlock
			if outcome.Text != "" {
				blocks = append(blocks, entity.TextBlock(outcome.Text))
			}
			blocks = append(blocks, outcome.ToolUses...)
			conversation = append(conversation, entity.AssistantBlocks(blocks))

			// Dispatch sequentially; the tool_result user turn mirrors the
			// tool_use order.
			budget := contextBudget(iteration)
			results := make([]entity.ContentBlock, 0, len(outcome.ToolUses))
			for _, tu := range outcome.ToolUses {
				toolResult, isError := runner.ExecuteWithTimeout(ctx, tu.Name, tu.Input, e.config.ToolTimeout)
				if !isError && isWriteTool(tu.Name) {
					hasWrittenFile = true
				}

				emit(entity.ToolResultLine(tu.ID, toolResult, isError))

				truncated := TruncateForContext(toolResult, budget)
				results = append(results, entity.ToolResultBlock(tu.ID, truncated, isError))
				result.ToolsExecuted = append(result.ToolsExecuted, ExecutedTool{
					ToolUseID: tu.ID,
					ToolName:  tu.Name,
					ToolInput: tu.Input,
					Result:    truncated,
					IsError:   isError,
				})
			}
			conversation = append(conversation, entity.UserToolResults(results))

			if iteration >= 3 {
				conversation = append(conversation, entity.UserText(e.iterationNudge(conversation, iteration, maxIterations)))
			}
			continue
		}

		// Terminal turn: stop_reason != tool_use.
		text := fullText.String()

		if !hasWrittenFile && len(text) > 50 && containsChangeIntent(text) {
			conversation = e.autoFixPhase(ctx, chatCtx, conversation, toolDefs, runner, result, emit)
		}

		if len(text) < 100 {
			e.forcedSynthesis(ctx, chatCtx, conversation, text, emit)
		}

		result.FinalText = fullText.String()
		finish("", totalTokens)
		return
	}
}

// iterationNudge builds the system-style user message announcing context
// size and remaining budget, escalating near the limit.
func (e *Engine) iterationNudge(conversation []entity.ChatTurn, iteration, maxIterations int) string {
	approxBytes := 0
	for _, turn := range conversation {
		if data, err := json.Marshal(turn); err == nil {
			approxBytes += len(data)
		}
	}
	hint := fmt.Sprintf("[CONTEXT: ~%dKB, %d msgs, iter %d/%d]",
		approxBytes/1024, len(conversation), iteration, maxIterations)

	switch {
	case iteration >= 12:
		return fmt.Sprintf("[SYSTEM: Approaching limit. %s Wrap up and apply any pending changes.]", hint)
	case iteration >= 8:
		return fmt.Sprintf("[SYSTEM: %s Consider applying edits now.]", hint)
	default:
		return fmt.Sprintf("[SYSTEM: %s %d iterations remaining.]", hint, maxIterations-iteration)
	}
}

// autoFixPhase runs once when the assistant described changes but never
// invoked a writing tool: a corrective user turn plus one non-streaming call
// restricted to the file-write tools. Tool invocations execute immediately
// and surface on the stream as if part of the main loop.
func (e *Engine) autoFixPhase(
	ctx context.Context,
	chatCtx *ChatContext,
	conversation []entity.ChatTurn,
	toolDefs []entity.ToolDef,
	runner ToolRunner,
	result *RunResult,
	emit func(string),
) []entity.ChatTurn {
	var editTools []entity.ToolDef
	for _, def := range toolDefs {
		if isWriteTool(def.Name) {
			editTools = append(editTools, def)
		}
	}
	if len(editTools) == 0 {
		return conversation
	}

	e.logger.Info("Auto-fix phase — assistant described changes but never wrote files")
	conversation = append(conversation, entity.UserText(
		"[SYSTEM: You described changes but never applied them. Use write_file NOW to apply the changes you described. Do not explain — just make the edits.]"))

	blocks, err := e.upstream.Complete(ctx, &UpstreamRequest{
		Model:     chatCtx.Model,
		MaxTokens: chatCtx.MaxTokens,
		System:    chatCtx.SystemPrompt,
		Messages:  conversation,
		Tools:     editTools,
		Timeout:   e.config.UtilityTimeout,
	})
	if err != nil {
		e.logger.Warn("Auto-fix call failed", zap.Error(err))
		return conversation
	}

	for _, block := range blocks {
		switch block.Type {
		case entity.BlockToolUse:
			emit(entity.ToolCallLine(block.ID, block.Name, block.Input))
			toolResult, isError := runner.ExecuteWithTimeout(ctx, block.Name, block.Input, e.config.ToolTimeout)
			emit(entity.ToolResultLine(block.ID, toolResult, isError))
			result.ToolsExecuted = append(result.ToolsExecuted, ExecutedTool{
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
				Result:    TruncateForContext(toolResult, contextBudget(99)),
				IsError:   isError,
			})
		case entity.BlockText:
			if block.Text != "" {
				emit(entity.TokenLine(block.Text))
			}
		}
	}
	return conversation
}

// forcedSynthesis requests a short summary when the whole run produced
// almost no assistant text, streaming the summary tokens to the client.
func (e *Engine) forcedSynthesis(
	ctx context.Context,
	chatCtx *ChatContext,
	conversation []entity.ChatTurn,
	collectedText string,
	emit func(string),
) {
	e.logger.Info("Forced synthesis — requesting summary",
		zap.Int("text_bytes", len(collectedText)))

	if collectedText != "" {
		conversation = append(conversation, entity.AssistantText(collectedText))
	}
	conversation = append(conversation,
		entity.UserText("[SYSTEM: Summarize what you did. Be concise but list all changes made.]"),
	)

	_, err := e.upstream.StreamTurn(ctx, &UpstreamRequest{
		Model:     chatCtx.Model,
		MaxTokens: 1024,
		System:    chatCtx.SystemPrompt,
		Messages:  conversation,
		Timeout:   e.config.UtilityTimeout,
	}, emit)
	if err != nil {
		e.logger.Warn("Forced synthesis call failed", zap.Error(err))
	}
}

func isWriteTool(name string) bool {
	return name == "write_file" || name == "edit_file"
}

func containsChangeIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range changeIntentKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
