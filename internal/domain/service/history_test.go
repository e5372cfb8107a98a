package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeHistoryStore struct {
	mu       sync.Mutex
	messages []HistoryMessage
	err      error

	appended []struct {
		sessionID, content, model string
		tools                     []ExecutedTool
	}
}

func (f *fakeHistoryStore) RecentMessages(_ context.Context, _ string, limit int) ([]HistoryMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.messages) > limit {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

func (f *fakeHistoryStore) AppendAssistantMessage(_ context.Context, sessionID, content, model string, tools []ExecutedTool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, struct {
		sessionID, content, model string
		tools                     []ExecutedTool
	}{sessionID, content, model, tools})
	return nil
}

func TestBuildConversation_SessionHistoryCompression(t *testing.T) {
	store := &fakeHistoryStore{}
	long := strings.Repeat("y", 600)
	for i := 0; i < 10; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		store.messages = append(store.messages, HistoryMessage{Role: role, Content: long})
	}

	adapter := NewHistoryAdapter(store, nil, zap.NewNop())
	conversation := adapter.BuildConversation(context.Background(), &ChatRequest{
		SessionID: "sess-1",
		Messages:  []ClientMessage{{Role: "user", Content: "new question"}},
	})

	// 10 history messages + the new user message.
	if len(conversation) != 11 {
		t.Fatalf("conversation length %d", len(conversation))
	}

	// Everything older than the last 6 history messages is compressed.
	for i := 0; i < 4; i++ {
		if !strings.Contains(conversation[i].Text, "[message truncated for context efficiency]") {
			t.Errorf("message %d should be compressed", i)
		}
		if len(conversation[i].Text) > 600 {
			t.Errorf("message %d not actually shortened: %d bytes", i, len(conversation[i].Text))
		}
	}
	for i := 4; i < 10; i++ {
		if conversation[i].Text != long {
			t.Errorf("recent message %d must stay verbatim", i)
		}
	}

	if conversation[10].Role != "user" || conversation[10].Text != "new question" {
		t.Fatalf("new user message missing: %+v", conversation[10])
	}
}

func TestBuildConversation_NoSessionForwardsVerbatim(t *testing.T) {
	adapter := NewHistoryAdapter(&fakeHistoryStore{}, nil, zap.NewNop())

	conversation := adapter.BuildConversation(context.Background(), &ChatRequest{
		Messages: []ClientMessage{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "second"},
			{Role: "user", Content: "third"},
		},
	})

	if len(conversation) != 3 {
		t.Fatalf("length %d", len(conversation))
	}
	if conversation[2].Text != "third" {
		t.Fatalf("unexpected tail: %+v", conversation[2])
	}
}

func TestFilterClientPriming(t *testing.T) {
	messages := []ClientMessage{
		{Role: "user", Content: "Setup: " + AssistantIdentity + " Please behave accordingly."},
		{Role: "assistant", Content: "Understood."},
		{Role: "user", Content: "real question"},
	}

	filtered := FilterClientPriming(messages)
	if len(filtered) != 1 || filtered[0].Text != "real question" {
		t.Fatalf("priming pair not stripped: %+v", filtered)
	}

	// A conversation not starting with the priming pair passes through.
	plain := []ClientMessage{{Role: "user", Content: "hello"}}
	if got := FilterClientPriming(plain); len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("plain conversation altered: %+v", got)
	}
}

func TestPersistRun_WritesInBackground(t *testing.T) {
	store := &fakeHistoryStore{}
	adapter := NewHistoryAdapter(store, nil, zap.NewNop())

	adapter.PersistRun("sess-9", &RunResult{
		FinalText: "all done",
		Model:     "claude-sonnet-4-6",
		ToolsExecuted: []ExecutedTool{
			{ToolUseID: "toolu_1", ToolName: "read_file", Result: "content"},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.appended)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("assistant message never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	got := store.appended[0]
	if got.sessionID != "sess-9" || got.content != "all done" || len(got.tools) != 1 {
		t.Fatalf("persisted row mismatch: %+v", got)
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Fix the login bug"`, "Fix the login bug"},
		{`'Quoted title'`, "Quoted title"},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := CleanTitle(tt.in); got != tt.want {
			t.Errorf("CleanTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := CleanTitle(strings.Repeat("t", 600))
	if len([]rune(long)) != MaxTitleLength {
		t.Fatalf("title must clamp to %d runes, got %d", MaxTitleLength, len([]rune(long)))
	}
}
