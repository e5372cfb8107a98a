package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestWriteNDJSON_DrainsChannelAndTerminates(t *testing.T) {
	gin.SetMode(gin.TestMode)

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/claude/chat/stream", nil)

	events := make(chan string, 4)
	events <- `{"token":"Hello","done":false}`
	events <- `{"type":"tool_call","tool_use_id":"toolu_1","tool_name":"read_file","tool_input":{}}`
	events <- `{"token":"","done":true,"model":"claude-sonnet-4-6","total_tokens":5}`
	close(events)

	writeNDJSON(c, events)

	if got := recorder.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("content type: %q", got)
	}
	if got := recorder.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff header: %q", got)
	}

	lines := strings.Split(strings.TrimRight(recorder.Body.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 NDJSON lines, got %d: %v", len(lines), lines)
	}
	if !strings.HasSuffix(recorder.Body.String(), "\n") {
		t.Fatal("every event line must be newline-terminated")
	}
	if !strings.Contains(lines[2], `"done":true`) {
		t.Fatalf("terminal line: %s", lines[2])
	}
}

func TestStream_RejectsEmptyMessages(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := &ChatHandler{}
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/claude/chat/stream",
		strings.NewReader(`{"messages":[]}`))
	c.Request.Header.Set("Content-Type", "application/json")

	h.Stream(c)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}
