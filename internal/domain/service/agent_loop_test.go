package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
)

// scriptedTurn is one upstream response the fake plays back.
type scriptedTurn struct {
	lines   []string
	outcome TurnOutcome
	err     error
}

// fakeUpstream plays scripted turns and records every request.
type fakeUpstream struct {
	turns    []scriptedTurn
	requests []*UpstreamRequest

	completeBlocks []entity.ContentBlock
	completeErr    error
	completeReqs   []*UpstreamRequest
}

func (f *fakeUpstream) StreamTurn(_ context.Context, req *UpstreamRequest, emit func(string)) (*TurnOutcome, error) {
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.turns) {
		idx = len(f.turns) - 1
	}
	turn := f.turns[idx]
	if turn.err != nil {
		return nil, turn.err
	}
	for _, line := range turn.lines {
		emit(line)
	}
	outcome := turn.outcome
	return &outcome, nil
}

func (f *fakeUpstream) Complete(_ context.Context, req *UpstreamRequest) ([]entity.ContentBlock, error) {
	f.completeReqs = append(f.completeReqs, req)
	return f.completeBlocks, f.completeErr
}

// fakeRunner records dispatches and returns canned results.
type fakeRunner struct {
	defs     []entity.ToolDef
	results  map[string]string
	errors   map[string]bool
	executed []string
}

func (f *fakeRunner) Definitions() []entity.ToolDef { return f.defs }

func (f *fakeRunner) ExecuteWithTimeout(_ context.Context, name string, _ json.RawMessage, _ time.Duration) (string, bool) {
	f.executed = append(f.executed, name)
	result, ok := f.results[name]
	if !ok {
		result = "ok"
	}
	return result, f.errors[name]
}

func defaultDefs() []entity.ToolDef {
	return []entity.ToolDef{
		{Name: "read_file", Description: "read", InputSchema: map[string]interface{}{"type": "object"}},
		{Name: "write_file", Description: "write", InputSchema: map[string]interface{}{"type": "object"}},
	}
}

func collect(t *testing.T, events <-chan string) []string {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-events:
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func runEngine(t *testing.T, upstream *fakeUpstream, runner *fakeRunner, chatCtx *ChatContext) (*RunResult, []string) {
	t.Helper()
	engine := NewEngine(upstream, DefaultEngineConfig(), zap.NewNop())
	result, events := engine.Run(context.Background(), chatCtx, []entity.ChatTurn{entity.UserText("read file main.go please")}, runner)
	lines := collect(t, events)
	return result, lines
}

func basicCtx() *ChatContext {
	return &ChatContext{
		Model:         "claude-sonnet-4-6",
		MaxTokens:     4096,
		Temperature:   0.7,
		MaxIterations: 10,
		SystemPrompt:  "help the user",
	}
}

func TestEngine_ToolLoopThenFinalText(t *testing.T) {
	input := json.RawMessage(`{"path":"main.go"}`)
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{
			lines: []string{entity.ToolCallLine("toolu_1", "read_file", input)},
			outcome: TurnOutcome{
				StopReason: "tool_use",
				ToolUses:   []entity.ContentBlock{entity.ToolUseBlock("toolu_1", "read_file", input)},
			},
		},
		{
			lines: []string{entity.TokenLine("The file defines the entrypoint of the gateway binary and wires the config loader into the server lifecycle.")},
			outcome: TurnOutcome{
				Text:         "The file defines the entrypoint of the gateway binary and wires the config loader into the server lifecycle.",
				StopReason:   "end_turn",
				OutputTokens: 55,
			},
		},
	}}
	runner := &fakeRunner{defs: defaultDefs(), results: map[string]string{"read_file": "package main"}}

	result, lines := runEngine(t, upstream, runner, basicCtx())

	if len(upstream.requests) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(upstream.requests))
	}
	if runner.executed[0] != "read_file" {
		t.Fatalf("tool not executed: %v", runner.executed)
	}

	// Event order: tool_call, tool_result, text token, done.
	var kinds []string
	for _, line := range lines {
		switch {
		case strings.Contains(line, `"type":"tool_call"`):
			kinds = append(kinds, "tool_call")
		case strings.Contains(line, `"type":"tool_result"`):
			kinds = append(kinds, "tool_result")
		case strings.Contains(line, `"done":true`):
			kinds = append(kinds, "done")
		case strings.Contains(line, `"done":false`):
			kinds = append(kinds, "token")
		}
	}
	want := []string{"tool_call", "tool_result", "token", "done"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("event order %v, want %v", kinds, want)
	}

	// The second upstream call must carry the folded conversation:
	// user, assistant(tool_use), user(tool_result).
	second := upstream.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("folded conversation length %d", len(second.Messages))
	}
	if second.Messages[1].Role != "assistant" || second.Messages[1].Blocks[0].Type != entity.BlockToolUse {
		t.Fatalf("assistant tool_use turn missing: %+v", second.Messages[1])
	}
	tr := second.Messages[2]
	if tr.Role != "user" || tr.Blocks[0].Type != entity.BlockToolResult || tr.Blocks[0].ToolUseID != "toolu_1" {
		t.Fatalf("tool_result turn malformed: %+v", tr)
	}
	if tr.Blocks[0].Content != "package main" {
		t.Fatalf("tool result content: %q", tr.Blocks[0].Content)
	}

	if result.TotalTokens != 55 || result.Iterations != 2 {
		t.Fatalf("result: %+v", result)
	}
	if len(result.ToolsExecuted) != 1 || result.ToolsExecuted[0].ToolName != "read_file" {
		t.Fatalf("executed tools: %+v", result.ToolsExecuted)
	}
}

func TestEngine_EveryToolCallHasMatchingResult(t *testing.T) {
	in := json.RawMessage(`{}`)
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{
			lines: []string{
				entity.ToolCallLine("toolu_a", "read_file", in),
				entity.ToolCallLine("toolu_b", "read_file", in),
			},
			outcome: TurnOutcome{
				StopReason: "tool_use",
				ToolUses: []entity.ContentBlock{
					entity.ToolUseBlock("toolu_a", "read_file", in),
					entity.ToolUseBlock("toolu_b", "read_file", in),
				},
			},
		},
		{outcome: TurnOutcome{Text: strings.Repeat("done and summarized in detail ", 5), StopReason: "end_turn"}},
	}}
	upstream.turns[1].lines = []string{entity.TokenLine(upstream.turns[1].outcome.Text)}
	runner := &fakeRunner{defs: defaultDefs()}

	_, lines := runEngine(t, upstream, runner, basicCtx())

	calls := map[string]int{}
	results := map[string]int{}
	for i, line := range lines {
		var event struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
		}
		json.Unmarshal([]byte(line), &event)
		switch event.Type {
		case "tool_call":
			calls[event.ToolUseID] = i
		case "tool_result":
			results[event.ToolUseID] = i
		}
	}
	if len(calls) != 2 || len(results) != 2 {
		t.Fatalf("calls=%v results=%v", calls, results)
	}
	for id, callIdx := range calls {
		resultIdx, ok := results[id]
		if !ok {
			t.Fatalf("tool_call %s has no tool_result", id)
		}
		if resultIdx <= callIdx {
			t.Fatalf("tool_result %s precedes its tool_call", id)
		}
	}
}

func TestEngine_IterationCap(t *testing.T) {
	in := json.RawMessage(`{}`)
	// The upstream always replies tool_use.
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{
			lines: []string{entity.ToolCallLine("toolu_x", "read_file", in)},
			outcome: TurnOutcome{
				StopReason: "tool_use",
				ToolUses:   []entity.ContentBlock{entity.ToolUseBlock("toolu_x", "read_file", in)},
			},
		},
	}}
	runner := &fakeRunner{defs: defaultDefs()}

	chatCtx := basicCtx()
	chatCtx.MaxIterations = 4

	result, lines := runEngine(t, upstream, runner, chatCtx)

	if len(upstream.requests) != 4 {
		t.Fatalf("expected exactly max_tool_iterations=4 upstream calls, got %d", len(upstream.requests))
	}
	last := lines[len(lines)-1]
	if !strings.Contains(last, "[Max tool iterations reached]") || !strings.Contains(last, `"done":true`) {
		t.Fatalf("terminal line: %s", last)
	}
	if result.Iterations != 5 {
		t.Fatalf("iterations counter: %d", result.Iterations)
	}
}

func TestEngine_DynamicCapShrinksWithShortPrompt(t *testing.T) {
	in := json.RawMessage(`{}`)
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{outcome: TurnOutcome{
			StopReason: "tool_use",
			ToolUses:   []entity.ContentBlock{entity.ToolUseBlock("toolu_x", "read_file", in)},
		}},
	}}
	runner := &fakeRunner{defs: defaultDefs()}

	chatCtx := basicCtx()
	chatCtx.MaxIterations = 50 // the dynamic cap wins for short prompts

	engine := NewEngine(upstream, DefaultEngineConfig(), zap.NewNop())
	_, events := engine.Run(context.Background(), chatCtx, []entity.ChatTurn{entity.UserText("hi")}, runner)
	collect(t, events)

	// "hi" is < 200 chars → cap 15.
	if len(upstream.requests) != 15 {
		t.Fatalf("expected 15 upstream calls for a short prompt, got %d", len(upstream.requests))
	}
}

func TestEngine_ToolErrorsDoNotAbortLoop(t *testing.T) {
	in := json.RawMessage(`{"path":"/etc/passwd"}`)
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{outcome: TurnOutcome{
			StopReason: "tool_use",
			ToolUses:   []entity.ContentBlock{entity.ToolUseBlock("toolu_1", "read_file", in)},
		}},
		{outcome: TurnOutcome{Text: strings.Repeat("that path is blocked, explained at length ", 4), StopReason: "end_turn"}},
	}}
	upstream.turns[1].lines = []string{entity.TokenLine(upstream.turns[1].outcome.Text)}
	runner := &fakeRunner{
		defs:    defaultDefs(),
		results: map[string]string{"read_file": "access denied: path is outside allowed directories"},
		errors:  map[string]bool{"read_file": true},
	}

	_, lines := runEngine(t, upstream, runner, basicCtx())

	foundErrorResult := false
	for _, line := range lines {
		if strings.Contains(line, `"type":"tool_result"`) && strings.Contains(line, `"is_error":true`) {
			foundErrorResult = true
		}
	}
	if !foundErrorResult {
		t.Fatal("tool failure must surface as is_error tool_result")
	}
	if !strings.Contains(lines[len(lines)-1], `"done":true`) {
		t.Fatal("loop must still terminate cleanly")
	}
	// The folded tool_result block carries the error flag.
	second := upstream.requests[1]
	if !second.Messages[2].Blocks[0].IsError {
		t.Fatal("conversation tool_result must carry is_error")
	}
}

func TestEngine_UpstreamErrorEmitsTerminalDone(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{err: errors.New("[SERVICE_UNAVAILABLE] circuit breaker is open")},
	}}
	runner := &fakeRunner{defs: defaultDefs()}

	_, lines := runEngine(t, upstream, runner, basicCtx())

	if len(lines) != 1 {
		t.Fatalf("expected only the terminal line, got %v", lines)
	}
	if !strings.Contains(lines[0], "[API error:") || !strings.Contains(lines[0], `"done":true`) {
		t.Fatalf("terminal line: %s", lines[0])
	}
}

func TestEngine_AutoFixPhase(t *testing.T) {
	writeInput := json.RawMessage(`{"path":"main.go","content":"fixed"}`)
	upstream := &fakeUpstream{
		turns: []scriptedTurn{
			{
				lines: []string{entity.TokenLine("I would fix the bug by changing the handler validation branch, then write_file the patched version with the corrected status mapping.")},
				outcome: TurnOutcome{
					Text:       "I would fix the bug by changing the handler validation branch, then write_file the patched version with the corrected status mapping.",
					StopReason: "end_turn",
				},
			},
		},
		completeBlocks: []entity.ContentBlock{
			entity.ToolUseBlock("toolu_fix", "write_file", writeInput),
		},
	}
	runner := &fakeRunner{defs: defaultDefs()}

	result, lines := runEngine(t, upstream, runner, basicCtx())

	if len(upstream.completeReqs) != 1 {
		t.Fatalf("auto-fix must make exactly one non-streaming call, got %d", len(upstream.completeReqs))
	}
	fixReq := upstream.completeReqs[0]
	for _, def := range fixReq.Tools {
		if !isWriteTool(def.Name) {
			t.Fatalf("fix call must restrict tools to writers, got %s", def.Name)
		}
	}
	if len(runner.executed) != 1 || runner.executed[0] != "write_file" {
		t.Fatalf("fix tool not executed: %v", runner.executed)
	}

	foundCall, foundResult := false, false
	for _, line := range lines {
		if strings.Contains(line, `"tool_use_id":"toolu_fix"`) {
			if strings.Contains(line, `"type":"tool_call"`) {
				foundCall = true
			}
			if strings.Contains(line, `"type":"tool_result"`) {
				foundResult = true
			}
		}
	}
	if !foundCall || !foundResult {
		t.Fatalf("fix events missing from stream: call=%v result=%v", foundCall, foundResult)
	}
	if len(result.ToolsExecuted) != 1 {
		t.Fatalf("fix execution not recorded: %+v", result.ToolsExecuted)
	}
}

func TestEngine_ForcedSynthesisOnTinyOutput(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{
			lines:   []string{entity.TokenLine("ok")},
			outcome: TurnOutcome{Text: "ok", StopReason: "end_turn"},
		},
		{
			lines:   []string{entity.TokenLine("Summary: nothing needed doing.")},
			outcome: TurnOutcome{Text: "Summary: nothing needed doing.", StopReason: "end_turn"},
		},
	}}
	runner := &fakeRunner{defs: defaultDefs()}

	_, lines := runEngine(t, upstream, runner, basicCtx())

	if len(upstream.requests) != 2 {
		t.Fatalf("expected synthesis follow-up call, got %d calls", len(upstream.requests))
	}
	synth := upstream.requests[1]
	if len(synth.Tools) != 0 {
		t.Fatal("synthesis call must carry no tools")
	}
	if synth.MaxTokens != 1024 {
		t.Fatalf("synthesis max_tokens: %d", synth.MaxTokens)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "Summary: nothing needed doing.") {
		t.Fatal("synthesis tokens must be forwarded")
	}
}

func TestEngine_NoSynthesisWhenOutputSubstantial(t *testing.T) {
	long := strings.Repeat("a thorough explanation of the change ", 5)
	upstream := &fakeUpstream{turns: []scriptedTurn{
		{
			lines:   []string{entity.TokenLine(long)},
			outcome: TurnOutcome{Text: long, StopReason: "end_turn"},
		},
	}}
	runner := &fakeRunner{defs: defaultDefs()}

	_, _ = runEngine(t, upstream, runner, basicCtx())

	if len(upstream.requests) != 1 {
		t.Fatalf("no synthesis expected for substantial output, got %d calls", len(upstream.requests))
	}
}
