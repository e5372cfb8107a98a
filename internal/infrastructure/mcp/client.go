package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

// protocolVersion is the MCP revision sent in the initialize handshake.
const protocolVersion = "2025-03-26"

const (
	clientName    = "hydragate"
	clientVersion = "1.0.0"
)

// Tool is one tool discovered on an MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Connection is a live link to one MCP server.
type Connection struct {
	ServerID   string
	ServerName string
	Tools      []Tool
	Timeout    time.Duration
	transport  transport
}

// ToolStore mirrors discovered tools to persistence (delete-then-insert).
type ToolStore interface {
	ReplaceTools(ctx context.Context, serverID string, tools []models.McpToolModel) error
}

// Manager owns the MCP connections: discovery, namespacing, dispatch, and
// lifecycle. Tool calls take the read lock only to grab the connection
// handle, then release it before issuing the RPC.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	store       ToolStore
	client      *http.Client
	logger      *zap.Logger
}

func NewManager(store ToolStore, logger *zap.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		store:       store,
		client:      &http.Client{},
		logger:      logger,
	}
}

// Connect establishes a connection per the server config: initialize,
// notifications/initialized, tools/list. Discovered tools are mirrored to
// the store. authToken is the already-decrypted bearer token for HTTP.
func (m *Manager) Connect(ctx context.Context, cfg *models.McpServerModel, authToken string) ([]Tool, error) {
	timeoutSecs := cfg.TimeoutSecs
	if timeoutSecs < 5 {
		timeoutSecs = 5
	}
	timeout := time.Duration(timeoutSecs) * time.Second

	var tr transport
	switch cfg.Transport {
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires url")
		}
		tr = &httpTransport{url: cfg.URL, authToken: authToken, client: m.client}
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
		var args []string
		if cfg.Args != "" {
			if err := json.Unmarshal([]byte(cfg.Args), &args); err != nil {
				m.logger.Warn("mcp: invalid args JSON, ignoring", zap.String("server", cfg.Name), zap.Error(err))
			}
		}
		env := map[string]string{}
		if cfg.Env != "" {
			if err := json.Unmarshal([]byte(cfg.Env), &env); err != nil {
				m.logger.Warn("mcp: invalid env JSON, ignoring", zap.String("server", cfg.Name), zap.Error(err))
			}
		}
		stdioTr, err := newStdioTransport(cfg.Command, args, env)
		if err != nil {
			return nil, fmt.Errorf("spawn MCP stdio server %q: %w", cfg.Command, err)
		}
		tr = stdioTr
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}

	tools, err := m.handshake(ctx, tr, timeout)
	if err != nil {
		tr.close()
		return nil, err
	}

	if m.store != nil {
		rows := make([]models.McpToolModel, 0, len(tools))
		for _, t := range tools {
			rows = append(rows, models.McpToolModel{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: string(t.InputSchema),
			})
		}
		if err := m.store.ReplaceTools(ctx, cfg.ID, rows); err != nil {
			m.logger.Warn("mcp: failed to mirror discovered tools",
				zap.String("server", cfg.Name), zap.Error(err))
		}
	}

	conn := &Connection{
		ServerID:   cfg.ID,
		ServerName: cfg.Name,
		Tools:      tools,
		Timeout:    timeout,
		transport:  tr,
	}

	m.mu.Lock()
	if old, exists := m.connections[cfg.ID]; exists {
		old.transport.close()
	}
	m.connections[cfg.ID] = conn
	m.mu.Unlock()

	m.logger.Info("mcp: connected",
		zap.String("server", cfg.Name),
		zap.String("transport", cfg.Transport),
		zap.Int("tools", len(tools)),
	)
	return tools, nil
}

func (m *Manager) handshake(ctx context.Context, tr transport, timeout time.Duration) ([]Tool, error) {
	initParams := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := tr.request(ctx, "initialize", initParams, timeout); err != nil {
		return nil, fmt.Errorf("MCP initialize failed: %w", err)
	}
	if err := tr.notify(ctx, "notifications/initialized", map[string]interface{}{}, timeout); err != nil {
		// Notification delivery is best-effort; some servers close the
		// request early.
		m.logger.Debug("mcp: initialized notification failed", zap.Error(err))
	}

	result, err := tr.request(ctx, "tools/list", map[string]interface{}{}, timeout)
	if err != nil {
		return nil, fmt.Errorf("MCP tools/list failed: %w", err)
	}
	return parseToolsList(result)
}

// Disconnect drops a connection. Stdio children are killed.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	conn, exists := m.connections[serverID]
	if exists {
		delete(m.connections, serverID)
	}
	m.mu.Unlock()

	if exists {
		conn.transport.close()
		m.logger.Info("mcp: disconnected", zap.String("server", conn.ServerName))
	}
}

// Shutdown drops every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.transport.close()
	}
}

// HasConnections reports whether any server is connected.
func (m *Manager) HasConnections() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections) > 0
}

// ConnectedToolCount returns the tool count for one server, for listings.
func (m *Manager) ConnectedToolCount(serverID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.connections[serverID]; ok {
		return len(conn.Tools)
	}
	return 0
}

// ListAllTools returns every connected server's tools under their external
// mcp_{slug}_{tool} names, ready for the upstream tool catalog.
func (m *Manager) ListAllTools() []entity.ToolDef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []entity.ToolDef
	for _, conn := range m.connections {
		serverSlug := Slug(conn.ServerName)
		for _, tool := range conn.Tools {
			schema := map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
			if len(tool.InputSchema) > 0 {
				var parsed map[string]interface{}
				if err := json.Unmarshal(tool.InputSchema, &parsed); err == nil {
					schema = parsed
				}
			}
			defs = append(defs, entity.ToolDef{
				Name:        fmt.Sprintf("mcp_%s_%s", serverSlug, tool.Name),
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return defs
}

// ResolveTool maps a prefixed external name back to (server_id, tool_name).
// A prefix that matches no connected server's tool is rejected.
func (m *Manager) ResolveTool(prefixedName string) (serverID, toolName string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.connections {
		prefix := "mcp_" + Slug(conn.ServerName) + "_"
		name, found := strings.CutPrefix(prefixedName, prefix)
		if !found {
			continue
		}
		for _, tool := range conn.Tools {
			if tool.Name == name {
				return conn.ServerID, name, true
			}
		}
	}
	return "", "", false
}

// CallTool invokes tools/call on a connected server. The per-call deadline
// is the server's configured timeout. Returns (result_text, is_error).
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments json.RawMessage) (string, bool) {
	m.mu.RLock()
	conn, exists := m.connections[serverID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Sprintf("MCP server '%s' not connected", serverID), true
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	params := map[string]interface{}{
		"name":      toolName,
		"arguments": arguments,
	}

	result, err := conn.transport.request(ctx, "tools/call", params, conn.Timeout)
	if err != nil {
		return fmt.Sprintf("MCP tools/call failed: %v", err), true
	}
	return extractToolResult(result)
}

// Timeout returns a connected server's per-call timeout, or 0 when not
// connected. The engine substitutes it for the default tool timeout.
func (m *Manager) Timeout(serverID string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.connections[serverID]; ok {
		return conn.Timeout
	}
	return 0
}

// Slug converts a server name to its namespacing form: lowercase,
// non-alphanumerics replaced with underscores, leading/trailing
// underscores trimmed.
func Slug(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c + ('a' - 'A'))
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// parseToolsList decodes a tools/list result.
func parseToolsList(result json.RawMessage) ([]Tool, error) {
	var parsed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	tools := parsed.Tools[:0]
	for _, t := range parsed.Tools {
		if t.Name != "" {
			tools = append(tools, t)
		}
	}
	return tools, nil
}

// extractToolResult flattens a tools/call result to text: text parts are
// concatenated, non-text parts become bracketed placeholders, and isError
// maps to the second return value.
func extractToolResult(result json.RawMessage) (string, bool) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		// Not the standard shape — hand back the raw JSON.
		return string(result), false
	}

	var parts []string
	for _, c := range parsed.Content {
		switch c.Type {
		case "text":
			parts = append(parts, c.Text)
		case "":
		default:
			parts = append(parts, fmt.Sprintf("[%s content]", c.Type))
		}
	}

	combined := strings.Join(parts, "\n")
	if combined == "" {
		combined = string(result)
	}
	return combined, parsed.IsError
}

// ── JSON-RPC 2.0 transports ──

type transport interface {
	request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
	notify(ctx context.Context, method string, params interface{}, timeout time.Duration) error
	close()
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpTransport posts JSON-RPC to a Streamable-HTTP MCP endpoint.
type httpTransport struct {
	url       string
	authToken string
	client    *http.Client
}

func (t *httpTransport) request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP %s returned HTTP %d: %s", method, resp.StatusCode, snippet(raw, 500))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("MCP JSON-RPC parse error: %w — body: %s", err, snippet(raw, 200))
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) notify(ctx context.Context, method string, params interface{}, timeout time.Duration) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *httpTransport) close() {}

// stdioTransport frames line-delimited JSON-RPC over a child process's
// stdin/stdout. A single reader loop owns stdout for the life of the
// transport and routes each response to its pending request by id, so an
// abandoned (timed-out) request can never steal a later call's response.
// Lines without a matching pending id are server notifications and are
// dropped.
type stdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcResponse

	closed  chan struct{}
	readErr error // valid once closed is closed
}

func newStdioTransport(command string, args []string, env map[string]string) (*stdioTransport, error) {
	cmd := exec.Command(command, args...)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := newStdioPipes(stdin, stdout)
	t.cmd = cmd
	return t, nil
}

// newStdioPipes builds the transport over raw pipes and starts the reader
// loop. Split out from process spawning so the routing can be exercised
// without a child process.
func newStdioPipes(stdin io.WriteCloser, stdout io.Reader) *stdioTransport {
	t := &stdioTransport{
		stdin:   stdin,
		pending: make(map[string]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

// readLoop is the sole stdout reader. It runs until the pipe breaks (child
// exit or close), then fails every waiter.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			t.pendingMu.Lock()
			t.readErr = fmt.Errorf("MCP stdio read: %w", err)
			for id, ch := range t.pending {
				delete(t.pending, id)
				close(ch)
			}
			t.pendingMu.Unlock()
			close(t.closed)
			return
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			continue
		}
		var respID string
		if err := json.Unmarshal(resp.ID, &respID); err != nil || respID == "" {
			// Notification — no id, nothing waits on it.
			continue
		}

		t.pendingMu.Lock()
		ch, waiting := t.pending[respID]
		if waiting {
			delete(t.pending, respID)
		}
		t.pendingMu.Unlock()

		if waiting {
			ch <- resp
		}
		// else: response to an abandoned request — dropped.
	}
}

func (t *stdioTransport) request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	ch := make(chan rpcResponse, 1)
	t.pendingMu.Lock()
	if t.readErr != nil {
		err := t.readErr
		t.pendingMu.Unlock()
		return nil, err
	}
	t.pending[id] = ch
	t.pendingMu.Unlock()

	abandon := func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}

	t.writeMu.Lock()
	_, err = t.stdin.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		abandon()
		return nil, fmt.Errorf("MCP stdio write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, t.readErr
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP JSON-RPC error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		abandon()
		return nil, fmt.Errorf("MCP stdio: timeout waiting for response to %q", method)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-t.closed:
		abandon()
		return nil, t.readErr
	}
}

func (t *stdioTransport) notify(ctx context.Context, method string, params interface{}, _ time.Duration) error {
	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(line)
	return err
}

// close kills the child process; the broken pipe stops the reader loop.
func (t *stdioTransport) close() {
	t.stdin.Close()
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		go t.cmd.Wait()
	}
}

func snippet(raw []byte, max int) string {
	s := string(raw)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
