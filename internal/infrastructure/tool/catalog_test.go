package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	dir := sandboxDir(t)
	return NewExecutor([]string{dir}, nil, nil, nil, zap.NewNop()), dir
}

func TestExecutor_UnknownTool(t *testing.T) {
	e, _ := newTestExecutor(t)
	result, isErr := e.Execute(context.Background(), "teleport", nil)
	if !isErr {
		t.Fatal("unknown tool must be an error")
	}
	if result != "Unknown tool: teleport" {
		t.Fatalf("unexpected message: %q", result)
	}
}

func TestExecutor_InvalidInputJSON(t *testing.T) {
	e, _ := newTestExecutor(t)
	result, isErr := e.Execute(context.Background(), "read_file", json.RawMessage(`{broken`))
	if !isErr || !strings.Contains(result, "Invalid tool input JSON") {
		t.Fatalf("invalid JSON must be a tool error, got %q", result)
	}
}

func TestExecutor_MCPUnavailableWithoutFederation(t *testing.T) {
	e, _ := newTestExecutor(t)
	result, isErr := e.Execute(context.Background(), "mcp_srv_hello", json.RawMessage(`{}`))
	if !isErr {
		t.Fatalf("mcp dispatch without federation should error, got %q", result)
	}
}

// fakeMCP routes one tool.
type fakeMCP struct {
	timeout time.Duration
	called  bool
}

func (f *fakeMCP) ResolveTool(name string) (string, string, bool) {
	if name == "mcp_srv_hello" {
		return "srv-1", "hello", true
	}
	return "", "", false
}

func (f *fakeMCP) CallTool(_ context.Context, _, _ string, _ json.RawMessage) (string, bool) {
	f.called = true
	return "federated result", false
}

func (f *fakeMCP) ListAllTools() []entity.ToolDef {
	return []entity.ToolDef{{Name: "mcp_srv_hello", Description: "says hello", InputSchema: map[string]interface{}{"type": "object"}}}
}

func (f *fakeMCP) Timeout(string) time.Duration { return f.timeout }

func TestExecutor_MCPDispatch(t *testing.T) {
	dir := sandboxDir(t)
	mcp := &fakeMCP{timeout: 10 * time.Second}
	e := NewExecutor([]string{dir}, mcp, nil, nil, zap.NewNop())

	result, isErr := e.Execute(context.Background(), "mcp_srv_hello", json.RawMessage(`{}`))
	if isErr || result != "federated result" {
		t.Fatalf("mcp dispatch: %q err=%v", result, isErr)
	}
	if !mcp.called {
		t.Fatal("federation was not invoked")
	}

	defs := e.Definitions()
	found := false
	for _, d := range defs {
		if d.Name == "mcp_srv_hello" {
			found = true
		}
	}
	if !found {
		t.Fatal("definitions must include federated tools")
	}
}

func TestExecutor_ExecuteWithTimeout(t *testing.T) {
	e, dir := newTestExecutor(t)
	_ = dir

	// A fast local call completes inside the window.
	result, isErr := e.ExecuteWithTimeout(context.Background(), "list_directory",
		json.RawMessage(`{"path":"."}`), 5*time.Second)
	if isErr {
		t.Fatalf("list failed: %q", result)
	}
}

func TestExecutor_WithWorkingDirectory(t *testing.T) {
	e, dir := newTestExecutor(t)

	wd := sandboxDir(t)
	scoped := e.WithWorkingDirectory(wd)

	// Relative paths resolve against the working directory first.
	result, isErr := scoped.Execute(context.Background(), "write_file",
		json.RawMessage(`{"path":"wd.txt","content":"scoped"}`))
	if isErr {
		t.Fatalf("write failed: %q", result)
	}
	if !strings.Contains(result, wd) {
		t.Fatalf("write should land in the working directory, got %q", result)
	}

	// The original executor still resolves against its own first dir.
	result, isErr = e.Execute(context.Background(), "write_file",
		json.RawMessage(`{"path":"base.txt","content":"base"}`))
	if isErr {
		t.Fatalf("write failed: %q", result)
	}
	if !strings.Contains(result, dir) {
		t.Fatalf("unscoped write should land in the base dir, got %q", result)
	}
}

func TestExecutor_DefinitionsCoverStaticTable(t *testing.T) {
	e, _ := newTestExecutor(t)
	defs := e.Definitions()

	want := []string{
		"read_file", "list_directory", "write_file", "search_in_files",
		"fetch_webpage", "crawl_website",
		"git_status", "git_log", "git_diff", "git_commit",
		"list_zip", "extract_zip_file", "read_pdf", "ocr_document",
	}
	byName := map[string]bool{}
	for _, d := range defs {
		byName[d.Name] = true
		if d.InputSchema == nil {
			t.Errorf("tool %s has no input schema", d.Name)
		}
	}
	for _, name := range want {
		if !byName[name] {
			t.Errorf("missing tool definition: %s", name)
		}
	}
}
