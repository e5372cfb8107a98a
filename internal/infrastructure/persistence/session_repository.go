package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// SessionRepository persists sessions, messages, and tool interactions.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session with the given title.
func (r *SessionRepository) Create(ctx context.Context, title string) (*models.SessionModel, error) {
	session := &models.SessionModel{
		ID:    uuid.NewString(),
		Title: title,
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to create session", err)
	}
	return session, nil
}

// Get returns one session without its children.
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.SessionModel, error) {
	var session models.SessionModel
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("session not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to load session", err)
	}
	return &session, nil
}

// List returns sessions newest-first with message counts.
type SessionSummary struct {
	models.SessionModel
	MessageCount int64
}

func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]SessionSummary, error) {
	var sessions []models.SessionModel
	err := r.db.WithContext(ctx).
		Order("updated_at desc").
		Limit(limit).
		Offset(offset).
		Find(&sessions).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to list sessions", err)
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		var count int64
		r.db.WithContext(ctx).Model(&models.MessageModel{}).Where("session_id = ?", s.ID).Count(&count)
		summaries = append(summaries, SessionSummary{SessionModel: s, MessageCount: count})
	}
	return summaries, nil
}

// UpdateTitle renames a session.
func (r *SessionRepository) UpdateTitle(ctx context.Context, id, title string) error {
	result := r.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"title": title, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update session", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("session not found")
	}
	return nil
}

// UpdateWorkingDirectory sets the per-session working directory.
func (r *SessionRepository) UpdateWorkingDirectory(ctx context.Context, id, wd string) error {
	result := r.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"working_directory": wd, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update working directory", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("session not found")
	}
	return nil
}

// Delete removes a session; messages and tool interactions cascade.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Select("Messages").Delete(&models.SessionModel{ID: id})
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to delete session", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("session not found")
	}
	return nil
}

// ToolInteraction is the write-side shape for one tool dispatch record.
type ToolInteraction struct {
	ToolUseID string
	ToolName  string
	ToolInput string
	Result    string
	IsError   bool
}

// AddMessage appends a message (with optional tool interactions) and bumps
// the session's updated_at.
func (r *SessionRepository) AddMessage(ctx context.Context, sessionID, role, content, model, agent string, interactions []ToolInteraction) (*models.MessageModel, error) {
	var session models.SessionModel
	if err := r.db.WithContext(ctx).Select("id").First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("session not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to check session", err)
	}

	message := &models.MessageModel{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Model:     model,
		Agent:     agent,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, ti := range interactions {
			row := &models.ToolInteractionModel{
				ID:         uuid.NewString(),
				MessageID:  message.ID,
				ToolUseID:  ti.ToolUseID,
				ToolName:   ti.ToolName,
				ToolInput:  ti.ToolInput,
				Result:     ti.Result,
				IsError:    ti.IsError,
				ExecutedAt: now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.SessionModel{}).
			Where("id = ?", sessionID).
			Update("updated_at", now).Error
	})
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to add message", err)
	}
	return message, nil
}

// Messages returns a session's messages in chronological order with their
// tool interactions preloaded.
func (r *SessionRepository) Messages(ctx context.Context, sessionID string, limit, offset int) ([]models.MessageModel, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("session_id = ?", sessionID).Count(&total).Error; err != nil {
		return nil, 0, apperrors.NewInternalErrorWithCause("failed to count messages", err)
	}

	var messages []models.MessageModel
	err := r.db.WithContext(ctx).
		Preload("ToolInteractions").
		Where("session_id = ?", sessionID).
		Order("created_at asc").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, 0, apperrors.NewInternalErrorWithCause("failed to load messages", err)
	}
	return messages, total, nil
}

// RecentMessages returns the last limit messages in chronological order.
// Used by the history adapter to rebuild the conversation.
func (r *SessionRepository) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageModel, error) {
	var messages []models.MessageModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at desc").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load recent messages", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// FirstUserMessage returns the first user message of a session, for title
// generation.
func (r *SessionRepository) FirstUserMessage(ctx context.Context, sessionID string) (string, error) {
	var message models.MessageModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND role = ?", sessionID, "user").
		Order("created_at asc").
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperrors.NewNotFoundError("session has no user messages")
		}
		return "", apperrors.NewInternalErrorWithCause("failed to load first message", err)
	}
	return message.Content, nil
}
