package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
)

// McpFederation is the slice of the MCP manager the catalog dispatches to.
type McpFederation interface {
	ResolveTool(prefixedName string) (serverID, toolName string, ok bool)
	CallTool(ctx context.Context, serverID, toolName string, arguments json.RawMessage) (string, bool)
	ListAllTools() []entity.ToolDef
	Timeout(serverID string) time.Duration
}

// VisionClient is the Gemini vision path used by the document tools.
type VisionClient interface {
	GenerateVision(ctx context.Context, model, prompt, mimeType, base64Data string, timeout time.Duration) (string, error)
}

// Executor is the tool catalog: a static local table plus federated MCP
// tools. Execute never returns a Go error — failures become
// (message, is_error=true) results for the model.
type Executor struct {
	mu          sync.RWMutex
	allowedDirs []string

	http         *http.Client
	mcp          McpFederation
	vision       VisionClient
	visionModel  func(ctx context.Context) string
	serviceToken func(ctx context.Context, service string) string
	logger       *zap.Logger
}

// NewExecutor builds the catalog. mcp and vision may be nil — the matching
// tools then report unavailability as tool errors.
func NewExecutor(allowedDirs []string, mcp McpFederation, vision VisionClient, visionModel func(ctx context.Context) string, logger *zap.Logger) *Executor {
	if visionModel == nil {
		visionModel = func(context.Context) string { return "gemini-2.5-flash" }
	}
	return &Executor{
		allowedDirs: append([]string(nil), allowedDirs...),
		http:        &http.Client{},
		mcp:         mcp,
		vision:      vision,
		visionModel: visionModel,
		logger:      logger,
	}
}

// SetServiceTokenResolver wires the encrypted service-token lookup used by
// the HTTP-backed tools (GitHub). The resolver returns "" when no token is
// stored.
func (e *Executor) SetServiceTokenResolver(resolve func(ctx context.Context, service string) string) {
	e.serviceToken = resolve
}

// SetAllowedDirs swaps the sandbox allow-list (config hot reload).
func (e *Executor) SetAllowedDirs(dirs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowedDirs = append([]string(nil), dirs...)
}

// WithWorkingDirectory returns a view whose relative paths resolve against
// wd (prepended to the allow-list). Empty wd returns the executor unchanged.
func (e *Executor) WithWorkingDirectory(wd string) *Executor {
	if wd == "" {
		return e
	}
	e.mu.RLock()
	dirs := append([]string{wd}, e.allowedDirs...)
	e.mu.RUnlock()

	return &Executor{
		allowedDirs:  dirs,
		http:         e.http,
		mcp:          e.mcp,
		vision:       e.vision,
		visionModel:  e.visionModel,
		serviceToken: e.serviceToken,
		logger:       e.logger,
	}
}

func (e *Executor) dirs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.allowedDirs...)
}

// Execute dispatches one tool call: mcp_-prefixed names go to the
// federation, everything else hits the static table. Unknown names are a
// tool error, not a crash.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	if strings.HasPrefix(name, "mcp_") {
		return e.executeMCP(ctx, name, input)
	}

	args := map[string]interface{}{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return fmt.Sprintf("Invalid tool input JSON: %v", err), true
		}
	}

	dirs := e.dirs()

	switch name {
	case "read_file":
		return execReadFile(args, dirs)
	case "list_directory":
		return execListDirectory(args, dirs)
	case "write_file":
		return execWriteFile(args, dirs)
	case "search_in_files":
		return execSearchInFiles(args, dirs)
	case "fetch_webpage":
		return e.execFetchWebpage(ctx, args)
	case "crawl_website":
		return e.execCrawlWebsite(ctx, args)
	case "git_status":
		return execGitStatus(ctx, args)
	case "git_log":
		return execGitLog(ctx, args)
	case "git_diff":
		return execGitDiff(ctx, args)
	case "git_commit":
		return execGitCommit(ctx, args)
	case "github_repo_info":
		return e.execGithubRepoInfo(ctx, args)
	case "github_list_issues":
		return e.execGithubListIssues(ctx, args)
	case "list_zip":
		return execListZip(args, dirs)
	case "extract_zip_file":
		return execExtractZipFile(args, dirs)
	case "read_pdf":
		return e.execReadPdf(ctx, args, dirs)
	case "ocr_document":
		return e.execOcrDocument(ctx, args, dirs)
	default:
		return fmt.Sprintf("Unknown tool: %s", name), true
	}
}

// ExecuteWithTimeout bounds one dispatch. MCP tools substitute their
// server's configured timeout for the default. The underlying call is not
// pre-empted on timeout, but it is abandoned and its context cancelled.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, name string, input json.RawMessage, timeout time.Duration) (string, bool) {
	if strings.HasPrefix(name, "mcp_") && e.mcp != nil {
		if serverID, _, ok := e.mcp.ResolveTool(name); ok {
			if serverTimeout := e.mcp.Timeout(serverID); serverTimeout > 0 {
				timeout = serverTimeout
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result  string
		isError bool
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		result, isError := e.Execute(callCtx, name, input)
		done <- outcome{result, isError}
	}()

	select {
	case o := <-done:
		e.logger.Info("Tool executed",
			zap.String("tool", name),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("is_error", o.isError),
		)
		return o.result, o.isError
	case <-callCtx.Done():
		e.logger.Warn("Tool timed out",
			zap.String("tool", name),
			zap.Duration("timeout", timeout),
		)
		return fmt.Sprintf("Tool '%s' timed out after %ds", name, int(timeout.Seconds())), true
	}
}

func (e *Executor) executeMCP(ctx context.Context, prefixedName string, input json.RawMessage) (string, bool) {
	if e.mcp == nil {
		return fmt.Sprintf("MCP tool '%s' unavailable: federation disabled", prefixedName), true
	}
	serverID, toolName, ok := e.mcp.ResolveTool(prefixedName)
	if !ok {
		return fmt.Sprintf("MCP tool '%s' not found on any connected server", prefixedName), true
	}
	return e.mcp.CallTool(ctx, serverID, toolName, input)
}

// Definitions returns the static tool table plus the federated MCP tools,
// ready for the upstream request body.
func (e *Executor) Definitions() []entity.ToolDef {
	defs := staticDefinitions()
	if e.mcp != nil {
		defs = append(defs, e.mcp.ListAllTools()...)
	}
	return defs
}

func staticDefinitions() []entity.ToolDef {
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		schema := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	integer := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}
	boolean := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "boolean", "description": desc}
	}

	return []entity.ToolDef{
		{
			Name:        "read_file",
			Description: "Read the contents of a file at the given path. Returns the text content (truncated if exceeding max_lines).",
			InputSchema: obj(map[string]interface{}{
				"path":      str("Absolute or relative path to the file"),
				"max_lines": integer("Maximum number of lines to return (default 500)"),
			}, "path"),
		},
		{
			Name:        "list_directory",
			Description: "List files and directories at the given path. Returns names, types (file/dir), and sizes.",
			InputSchema: obj(map[string]interface{}{
				"path":      str("Absolute or relative path to list"),
				"recursive": boolean("Whether to list recursively (default false)"),
				"max_depth": integer("Max recursion depth (default 3)"),
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file if it doesn't exist. Creates a .bak backup if the file already exists.",
			InputSchema: obj(map[string]interface{}{
				"path":        str("Absolute or relative path to write"),
				"content":     str("Content to write to the file"),
				"create_dirs": boolean("Create parent directories if needed (default false)"),
			}, "path", "content"),
		},
		{
			Name:        "search_in_files",
			Description: "Search for a regex pattern in files under a directory. Returns matching lines with file paths and line numbers.",
			InputSchema: obj(map[string]interface{}{
				"path":        str("Directory to search in"),
				"pattern":     str("Regex pattern to search for"),
				"file_glob":   str("File glob filter, e.g. '*.go' (default: all files)"),
				"max_results": integer("Maximum number of matching lines to return (default 50)"),
			}, "path", "pattern"),
		},
		{
			Name:        "fetch_webpage",
			Description: "Fetch a web page and return its readable text content.",
			InputSchema: obj(map[string]interface{}{
				"url":       str("The URL to fetch"),
				"max_chars": integer("Maximum characters of extracted text (default 20000)"),
			}, "url"),
		},
		{
			Name:        "crawl_website",
			Description: "Crawl a website breadth-first within its domain and return readable text per page. Bounded by page count and wall clock.",
			InputSchema: obj(map[string]interface{}{
				"url":       str("The starting URL"),
				"max_pages": integer("Maximum pages to visit (default 20)"),
			}, "url"),
		},
		{
			Name:        "git_status",
			Description: "Show the working tree status of a git repository.",
			InputSchema: obj(map[string]interface{}{
				"repo_path": str("Path to the git repository"),
			}, "repo_path"),
		},
		{
			Name:        "git_log",
			Description: "Show commit history of a git repository.",
			InputSchema: obj(map[string]interface{}{
				"repo_path": str("Path to the git repository"),
				"count":     integer("Number of commits to show (default 20, max 50)"),
			}, "repo_path"),
		},
		{
			Name:        "git_diff",
			Description: "Show changes in a git repository. Use target='staged' for staged changes, or a commit hash/branch name.",
			InputSchema: obj(map[string]interface{}{
				"repo_path": str("Path to the git repository"),
				"target":    str("What to diff: 'staged', a commit hash, or a branch name (default: working tree --stat)"),
			}, "repo_path"),
		},
		{
			Name:        "git_commit",
			Description: "Stage files and create a git commit. Does NOT push. Use files='all' to stage everything, or comma-separated paths.",
			InputSchema: obj(map[string]interface{}{
				"repo_path": str("Path to the git repository"),
				"message":   str("Commit message"),
				"files":     str("Files to stage: 'all' for everything, or comma-separated paths. If omitted, commits already-staged files."),
			}, "repo_path", "message"),
		},
		{
			Name:        "github_repo_info",
			Description: "Fetch metadata about a GitHub repository: description, default branch, language, stars, open issues.",
			InputSchema: obj(map[string]interface{}{
				"owner": str("Repository owner"),
				"repo":  str("Repository name"),
			}, "owner", "repo"),
		},
		{
			Name:        "github_list_issues",
			Description: "List issues of a GitHub repository.",
			InputSchema: obj(map[string]interface{}{
				"owner": str("Repository owner"),
				"repo":  str("Repository name"),
				"state": str("Issue state filter: open, closed, or all (default open)"),
				"limit": integer("Maximum issues to return (default 20, max 50)"),
			}, "owner", "repo"),
		},
		{
			Name:        "list_zip",
			Description: "List the contents of a ZIP archive. Shows file names, sizes, and compressed sizes.",
			InputSchema: obj(map[string]interface{}{
				"path": str("Path to the ZIP file"),
			}, "path"),
		},
		{
			Name:        "extract_zip_file",
			Description: "Extract and read a single file from a ZIP archive. Returns text content or a hex preview for binary files.",
			InputSchema: obj(map[string]interface{}{
				"path":      str("Path to the ZIP archive"),
				"file_path": str("Path of the file within the ZIP archive to extract"),
			}, "path", "file_path"),
		},
		{
			Name:        "read_pdf",
			Description: "Extract text content from a PDF file. Returns the extracted text, optionally filtered to specific pages.",
			InputSchema: obj(map[string]interface{}{
				"path":       str("Path to the PDF file"),
				"page_range": str("Optional page range like '1-5' or '3' (1-indexed)"),
			}, "path"),
		},
		{
			Name:        "ocr_document",
			Description: "Extract text from an image or PDF using AI Vision OCR. Returns text with preserved formatting: tables as markdown, headers, lists, paragraphs. Supports PNG, JPEG, WebP, GIF, PDF.",
			InputSchema: obj(map[string]interface{}{
				"path": str("Path to the image or PDF file"),
			}, "path"),
		},
	}
}
