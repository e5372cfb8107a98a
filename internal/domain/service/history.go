package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/pkg/safego"
)

const (
	// historyWindow is how many recent messages are replayed into the
	// conversation; compressKeepLast of those stay uncompressed.
	historyWindow    = 20
	compressKeepLast = 6

	// MaxTitleLength is the public rune-count cap for session titles.
	MaxTitleLength = 500
)

// HistoryMessage is the adapter's view of a persisted message.
type HistoryMessage struct {
	Role    string
	Content string
}

// HistoryStore is the slice of persistence the adapter needs.
type HistoryStore interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]HistoryMessage, error)
	AppendAssistantMessage(ctx context.Context, sessionID, content, model string, tools []ExecutedTool) error
}

// UsageRecorder persists one token-usage row; callers never wait on it.
type UsageRecorder interface {
	Record(ctx context.Context, model string, inputTokens, outputTokens, latencyMs int, success bool) error
}

// HistoryAdapter rebuilds the initial conversation from persistence and
// writes the run's outputs back, all persistence being fire-and-forget.
type HistoryAdapter struct {
	store  HistoryStore
	usage  UsageRecorder
	logger *zap.Logger
}

func NewHistoryAdapter(store HistoryStore, usage UsageRecorder, logger *zap.Logger) *HistoryAdapter {
	return &HistoryAdapter{store: store, usage: usage, logger: logger}
}

// BuildConversation assembles the initial conversation for the loop. With a
// session: the last 20 persisted messages in order, everything older than
// the last 6 compressed to a 500-char prefix, plus the new user message.
// Without one: the request messages verbatim, minus the client priming pair.
func (h *HistoryAdapter) BuildConversation(ctx context.Context, req *ChatRequest) []entity.ChatTurn {
	if req.SessionID == "" {
		return FilterClientPriming(req.Messages)
	}

	messages, err := h.store.RecentMessages(ctx, req.SessionID, historyWindow)
	if err != nil {
		h.logger.Warn("History load failed, falling back to request messages",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return FilterClientPriming(req.Messages)
	}

	conversation := make([]entity.ChatTurn, 0, len(messages)+1)
	for i, msg := range messages {
		content := msg.Content
		if i < len(messages)-compressKeepLast {
			content = CompressMessage(content)
		}
		conversation = append(conversation, entity.ChatTurn{Role: msg.Role, Text: content})
	}

	if last := req.LastUserMessage(); last != "" {
		conversation = append(conversation, entity.UserText(last))
	}
	return conversation
}

// FilterClientPriming strips the known client-injected priming pair — a
// user turn carrying the assistant identity followed by an "Understood"
// acknowledgment — from the head. The server-built system prompt is
// authoritative.
func FilterClientPriming(messages []ClientMessage) []entity.ChatTurn {
	skip := 0
	if len(messages) >= 2 &&
		messages[0].Role == "user" &&
		strings.Contains(messages[0].Content, AssistantIdentity) &&
		messages[1].Role == "assistant" &&
		strings.Contains(messages[1].Content, "Understood") {
		skip = 2
	}

	conversation := make([]entity.ChatTurn, 0, len(messages)-skip)
	for _, msg := range messages[skip:] {
		conversation = append(conversation, entity.ChatTurn{Role: msg.Role, Text: msg.Content})
	}
	return conversation
}

// PersistRun writes the assistant message plus one tool-interaction row per
// executed tool, in the background. Failures are logged, never surfaced.
func (h *HistoryAdapter) PersistRun(sessionID string, result *RunResult) {
	if sessionID == "" || result == nil {
		return
	}
	safego.Go(h.logger, "session-writer", func() {
		if err := h.store.AppendAssistantMessage(context.Background(), sessionID, result.FinalText, result.Model, result.ToolsExecuted); err != nil {
			h.logger.Warn("Failed to persist assistant message",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// RecordUsage writes a usage row in the background.
func (h *HistoryAdapter) RecordUsage(model string, inputTokens, outputTokens, latencyMs int, success bool) {
	if h.usage == nil {
		return
	}
	safego.Go(h.logger, "usage-writer", func() {
		if err := h.usage.Record(context.Background(), model, inputTokens, outputTokens, latencyMs, success); err != nil {
			h.logger.Warn("Failed to record usage", zap.Error(err))
		}
	})
}

// CleanTitle strips surrounding quotes and clamps a generated title.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'")
	title = strings.TrimSpace(title)
	return TruncateRunes(title, MaxTitleLength)
}
