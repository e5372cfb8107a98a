package persistence

import (
	"context"
	"encoding/json"

	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

// StoreAdapter bridges the repositories to the domain-service interfaces
// (history store, settings source, session source, usage recorder).
type StoreAdapter struct {
	sessions *SessionRepository
	settings *SettingsRepository
	usage    *UsageRepository
}

func NewStoreAdapter(sessions *SessionRepository, settings *SettingsRepository, usage *UsageRepository) *StoreAdapter {
	return &StoreAdapter{sessions: sessions, settings: settings, usage: usage}
}

var (
	_ service.HistoryStore   = (*StoreAdapter)(nil)
	_ service.SettingsSource = (*StoreAdapter)(nil)
	_ service.SessionSource  = (*StoreAdapter)(nil)
	_ service.UsageRecorder  = (*StoreAdapter)(nil)
)

// RecentMessages implements service.HistoryStore.
func (a *StoreAdapter) RecentMessages(ctx context.Context, sessionID string, limit int) ([]service.HistoryMessage, error) {
	rows, err := a.sessions.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]service.HistoryMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, service.HistoryMessage{Role: row.Role, Content: row.Content})
	}
	return out, nil
}

// AppendAssistantMessage implements service.HistoryStore.
func (a *StoreAdapter) AppendAssistantMessage(ctx context.Context, sessionID, content, model string, tools []service.ExecutedTool) error {
	interactions := make([]ToolInteraction, 0, len(tools))
	for _, tool := range tools {
		input := string(tool.ToolInput)
		if input == "" || !json.Valid(tool.ToolInput) {
			input = "{}"
		}
		interactions = append(interactions, ToolInteraction{
			ToolUseID: tool.ToolUseID,
			ToolName:  tool.ToolName,
			ToolInput: input,
			Result:    tool.Result,
			IsError:   tool.IsError,
		})
	}
	_, err := a.sessions.AddMessage(ctx, sessionID, "assistant", content, model, "", interactions)
	return err
}

// Settings implements service.SettingsSource.
func (a *StoreAdapter) Settings(ctx context.Context) (service.Settings, error) {
	row, err := a.settings.Get(ctx)
	if err != nil {
		return service.Settings{}, err
	}
	return service.Settings{
		DefaultModel:     row.DefaultModel,
		WorkingDirectory: row.WorkingDirectory,
		Language:         row.Language,
		Temperature:      row.Temperature,
		MaxTokens:        row.MaxTokens,
		MaxIterations:    row.MaxIterations,
		ABModelB:         row.ABModelB,
		ABSplit:          row.ABSplit,
	}, nil
}

// SessionWorkingDirectory implements service.SessionSource.
func (a *StoreAdapter) SessionWorkingDirectory(ctx context.Context, sessionID string) (string, bool) {
	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil || session.WorkingDirectory == "" {
		return "", false
	}
	return session.WorkingDirectory, true
}

// Record implements service.UsageRecorder.
func (a *StoreAdapter) Record(ctx context.Context, model string, inputTokens, outputTokens, latencyMs int, success bool) error {
	return a.usage.Insert(ctx, &models.AgentUsageModel{
		Model:        model,
		Tier:         TierForModel(model),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		LatencyMs:    latencyMs,
		Success:      success,
	})
}
