package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Server", "my_server"},
		{"news-now", "news_now"},
		{"__weird__", "weird"},
		{"UPPER123", "upper123"},
		{"żółw", "w"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrefixInjectivity(t *testing.T) {
	// Distinct (slug, tool) pairs must map to distinct external names.
	pairs := [][2]string{
		{"serverA", "hello"},
		{"serverB", "hello"},
		{"serverA", "world"},
	}
	seen := map[string]bool{}
	for _, p := range pairs {
		name := "mcp_" + Slug(p[0]) + "_" + p[1]
		if seen[name] {
			t.Fatalf("collision on %q", name)
		}
		seen[name] = true
	}
}

// fakeRPCServer implements the MCP handshake and one tool over HTTP.
func fakeRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}

		// Notifications carry no id and expect no response body.
		if req.ID == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []map[string]interface{}{
					{
						"name":        "hello",
						"description": "Says hello",
						"inputSchema": map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
					},
				},
			}
		case "tools/call":
			if req.Params.Name != "hello" {
				result = map[string]interface{}{
					"content": []map[string]interface{}{{"type": "text", "text": "unknown tool"}},
					"isError": true,
				}
			} else {
				result = map[string]interface{}{
					"content": []map[string]interface{}{
						{"type": "text", "text": "hello from mcp"},
						{"type": "image", "data": "..."},
					},
					"isError": false,
				}
			}
		default:
			t.Errorf("unexpected method %q", req.Method)
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": result}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestManager_ConnectDiscoverAndCall(t *testing.T) {
	server := fakeRPCServer(t)
	defer server.Close()

	m := NewManager(nil, zap.NewNop())
	cfg := &models.McpServerModel{
		ID:          "srv-1",
		Name:        "Test Server",
		Transport:   "http",
		URL:         server.URL,
		TimeoutSecs: 10,
	}

	tools, err := m.Connect(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "hello" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	defs := m.ListAllTools()
	if len(defs) != 1 || defs[0].Name != "mcp_test_server_hello" {
		t.Fatalf("unexpected external names: %+v", defs)
	}

	serverID, toolName, ok := m.ResolveTool("mcp_test_server_hello")
	if !ok || serverID != "srv-1" || toolName != "hello" {
		t.Fatalf("resolve failed: %q %q %v", serverID, toolName, ok)
	}

	result, isError := m.CallTool(context.Background(), serverID, toolName, json.RawMessage(`{}`))
	if isError {
		t.Fatalf("call errored: %s", result)
	}
	if result != "hello from mcp\n[image content]" {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestManager_ResolveRejectsUnknownTool(t *testing.T) {
	server := fakeRPCServer(t)
	defer server.Close()

	m := NewManager(nil, zap.NewNop())
	cfg := &models.McpServerModel{ID: "srv-1", Name: "Test Server", Transport: "http", URL: server.URL, TimeoutSecs: 10}
	if _, err := m.Connect(context.Background(), cfg, ""); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if _, _, ok := m.ResolveTool("mcp_test_server_nope"); ok {
		t.Fatal("unknown tool behind a valid prefix must be rejected")
	}
	if _, _, ok := m.ResolveTool("mcp_other_server_hello"); ok {
		t.Fatal("unknown server prefix must be rejected")
	}
}

func TestManager_CallToolNotConnected(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	result, isError := m.CallTool(context.Background(), "ghost", "hello", nil)
	if !isError {
		t.Fatalf("expected is_error for unconnected server, got %q", result)
	}
}

func TestManager_ConnectValidatesTransportConfig(t *testing.T) {
	m := NewManager(nil, zap.NewNop())

	if _, err := m.Connect(context.Background(), &models.McpServerModel{
		ID: "x", Name: "x", Transport: "http",
	}, ""); err == nil {
		t.Fatal("http without url must fail")
	}
	if _, err := m.Connect(context.Background(), &models.McpServerModel{
		ID: "y", Name: "y", Transport: "stdio",
	}, ""); err == nil {
		t.Fatal("stdio without command must fail")
	}
	if _, err := m.Connect(context.Background(), &models.McpServerModel{
		ID: "z", Name: "z", Transport: "carrier-pigeon",
	}, ""); err == nil {
		t.Fatal("unknown transport must fail")
	}
}

// fakeStdioServer speaks line-delimited JSON-RPC over pipes, with a
// per-method hook deciding what (if anything) to write back.
type fakeStdioServer struct {
	fromClient *io.PipeReader
	toClient   *io.PipeWriter
}

func newStdioPair() (*stdioTransport, *fakeStdioServer) {
	clientOut, serverIn := io.Pipe()   // client stdin → server
	serverOut, clientIn := io.Pipe()   // server → client stdout
	transport := newStdioPipes(serverIn, serverOut)
	return transport, &fakeStdioServer{fromClient: clientOut, toClient: clientIn}
}

func (f *fakeStdioServer) serve(t *testing.T, respond func(id, method string) []string) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(f.fromClient)
		for scanner.Scan() {
			var req struct {
				ID     string `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			for _, line := range respond(req.ID, req.Method) {
				if _, err := io.WriteString(f.toClient, line+"\n"); err != nil {
					return
				}
			}
		}
	}()
}

func (f *fakeStdioServer) closePipes() {
	f.fromClient.Close()
	f.toClient.Close()
}

func TestStdioTransport_RoutesResponseSkippingNotifications(t *testing.T) {
	transport, server := newStdioPair()
	defer transport.close()
	defer server.closePipes()

	server.serve(t, func(id, method string) []string {
		return []string{
			`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`,
			`{"jsonrpc":"2.0","id":"` + id + `","result":{"ok":true}}`,
		}
	})

	result, err := transport.request(context.Background(), "tools/list", map[string]interface{}{}, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestStdioTransport_TimeoutDoesNotStealNextResponse(t *testing.T) {
	transport, server := newStdioPair()
	defer transport.close()
	defer server.closePipes()

	calls := 0
	server.serve(t, func(id, method string) []string {
		calls++
		if calls == 1 {
			// Never answer the first request.
			return nil
		}
		return []string{`{"jsonrpc":"2.0","id":"` + id + `","result":{"call":2}}`}
	})

	if _, err := transport.request(context.Background(), "tools/call", nil, 50*time.Millisecond); err == nil {
		t.Fatal("first request should time out")
	}

	// The abandoned request must not poison the transport: the second call
	// gets its own response.
	result, err := transport.request(context.Background(), "tools/call", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if string(result) != `{"call":2}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestStdioTransport_LateResponseForDeadRequestIsDropped(t *testing.T) {
	transport, server := newStdioPair()
	defer transport.close()
	defer server.closePipes()

	var firstID string
	calls := 0
	server.serve(t, func(id, method string) []string {
		calls++
		if calls == 1 {
			firstID = id
			return nil
		}
		// Answer the dead request first, then the live one.
		return []string{
			`{"jsonrpc":"2.0","id":"` + firstID + `","result":{"stale":true}}`,
			`{"jsonrpc":"2.0","id":"` + id + `","result":{"fresh":true}}`,
		}
	})

	if _, err := transport.request(context.Background(), "tools/call", nil, 50*time.Millisecond); err == nil {
		t.Fatal("first request should time out")
	}

	result, err := transport.request(context.Background(), "tools/call", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if string(result) != `{"fresh":true}` {
		t.Fatalf("stale response leaked through: %s", result)
	}
}

func TestStdioTransport_RPCErrorSurfaces(t *testing.T) {
	transport, server := newStdioPair()
	defer transport.close()
	defer server.closePipes()

	server.serve(t, func(id, method string) []string {
		return []string{`{"jsonrpc":"2.0","id":"` + id + `","error":{"code":-32601,"message":"method not found"}}`}
	})

	if _, err := transport.request(context.Background(), "nope", nil, 2*time.Second); err == nil {
		t.Fatal("JSON-RPC error must surface")
	}
}

func TestStdioTransport_ReaderExitFailsWaiters(t *testing.T) {
	transport, server := newStdioPair()
	defer transport.close()

	server.serve(t, func(id, method string) []string { return nil })

	done := make(chan error, 1)
	go func() {
		_, err := transport.request(context.Background(), "tools/list", nil, 5*time.Second)
		done <- err
	}()

	// Give the request a moment to register, then break the pipe.
	time.Sleep(20 * time.Millisecond)
	server.closePipes()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("waiter must fail when the reader loop dies")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never failed after pipe close")
	}
}
