package handlers

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
	"github.com/hydragate/hydragate/internal/infrastructure/registry"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

const maxMessageLength = 100_000

// SessionHandler serves session CRUD, message append, and AI title
// generation.
type SessionHandler struct {
	sessions *persistence.SessionRepository
	upstream service.Upstream
	registry *registry.Registry
	audit    *audit.Sink
	logger   *zap.Logger
}

func NewSessionHandler(sessions *persistence.SessionRepository, upstream service.Upstream, reg *registry.Registry, auditSink *audit.Sink, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, upstream: upstream, registry: reg, audit: auditSink, logger: logger}
}

func statusFor(err error) int {
	switch {
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.CodeOf(err) == apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	summaries, err := h.sessions.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": "failed to list sessions"})
		return
	}

	out := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, gin.H{
			"id":                s.ID,
			"title":             s.Title,
			"created_at":        s.CreatedAt.Format(time.RFC3339),
			"message_count":     s.MessageCount,
			"working_directory": s.WorkingDirectory,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len([]rune(req.Title)) > service.MaxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title too long"})
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), req.Title)
	if err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         session.ID,
		"title":      session.Title,
		"created_at": session.CreatedAt.Format(time.RFC3339),
		"messages":   []gin.H{},
	})
}

// Get handles GET /api/sessions/:id with paginated messages and their tool
// interactions.
func (h *SessionHandler) Get(c *gin.Context) {
	id := c.Param("id")

	session, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "session not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit < 1 || limit > 500 {
		limit = 200
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	messages, total, err := h.sessions.Messages(c.Request.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("Failed to load session messages", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": "failed to load messages"})
		return
	}

	entries := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		entry := gin.H{
			"id":        m.ID,
			"role":      m.Role,
			"content":   m.Content,
			"model":     m.Model,
			"agent":     m.Agent,
			"timestamp": m.CreatedAt.Format(time.RFC3339),
		}
		if len(m.ToolInteractions) > 0 {
			interactions := make([]gin.H, 0, len(m.ToolInteractions))
			for _, ti := range m.ToolInteractions {
				interactions = append(interactions, gin.H{
					"tool_use_id": ti.ToolUseID,
					"tool_name":   ti.ToolName,
					"tool_input":  ti.ToolInput,
					"result":      ti.Result,
					"is_error":    ti.IsError,
				})
			}
			entry["tool_interactions"] = interactions
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                session.ID,
		"title":             session.Title,
		"created_at":        session.CreatedAt.Format(time.RFC3339),
		"working_directory": session.WorkingDirectory,
		"messages":          entries,
		"pagination":        gin.H{"total": total, "limit": limit, "offset": offset},
	})
}

// Update handles PATCH /api/sessions/:id (rename).
func (h *SessionHandler) Update(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len([]rune(req.Title)) > service.MaxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title too long"})
		return
	}

	if err := h.sessions.UpdateTitle(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "title": req.Title})
}

// UpdateWorkingDirectory handles PATCH /api/sessions/:id/working-directory.
func (h *SessionHandler) UpdateWorkingDirectory(c *gin.Context) {
	var req struct {
		WorkingDirectory string `json:"working_directory"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wd := strings.TrimSpace(req.WorkingDirectory)
	if wd != "" {
		if info, err := os.Stat(wd); err != nil || !info.IsDir() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "working directory does not exist"})
			return
		}
	}

	if err := h.sessions.UpdateWorkingDirectory(c.Request.Context(), c.Param("id"), wd); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"working_directory": wd})
}

// Delete handles DELETE /api/sessions/:id. Messages and tool interactions
// cascade.
func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.audit.Log("delete_session", map[string]interface{}{"session_id": id}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

// AddMessage handles POST /api/sessions/:id/messages.
func (h *SessionHandler) AddMessage(c *gin.Context) {
	var req struct {
		Role             string `json:"role" binding:"required"`
		Content          string `json:"content" binding:"required"`
		Model            string `json:"model"`
		Agent            string `json:"agent"`
		ToolInteractions []struct {
			ToolUseID string `json:"tool_use_id"`
			ToolName  string `json:"tool_name"`
			ToolInput string `json:"tool_input"`
			Result    string `json:"result"`
			IsError   bool   `json:"is_error"`
		} `json:"tool_interactions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Content) > maxMessageLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content too long"})
		return
	}

	interactions := make([]persistence.ToolInteraction, 0, len(req.ToolInteractions))
	for _, ti := range req.ToolInteractions {
		interactions = append(interactions, persistence.ToolInteraction{
			ToolUseID: ti.ToolUseID,
			ToolName:  ti.ToolName,
			ToolInput: ti.ToolInput,
			Result:    ti.Result,
			IsError:   ti.IsError,
		})
	}

	message, err := h.sessions.AddMessage(c.Request.Context(), c.Param("id"), req.Role, req.Content, req.Model, req.Agent, interactions)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        message.ID,
		"role":      message.Role,
		"content":   message.Content,
		"model":     message.Model,
		"timestamp": message.CreatedAt.Format(time.RFC3339),
	})
}

// GenerateTitle handles POST /api/sessions/:id/generate-title: the first
// user message, truncated to 500 characters, goes to the executor tier with
// a short prompt; the cleaned result is persisted.
func (h *SessionHandler) GenerateTitle(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	firstMessage, err := h.sessions.FirstUserMessage(ctx, id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	snippet := service.TruncateRunes(firstMessage, 500)
	model := h.registry.ModelForTier(ctx, "executor")

	prompt := "Generate a concise 3-7 word title for a chat that starts with this message. " +
		"Return ONLY the title text, no quotes, no explanation.\n\nMessage: " + snippet

	blocks, err := h.upstream.Complete(ctx, &service.UpstreamRequest{
		Model:     model,
		MaxTokens: 64,
		Messages:  []entity.ChatTurn{entity.UserText(prompt)},
		Timeout:   15 * time.Second,
	})
	if err != nil {
		h.logger.Error("Title generation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "title generation failed"})
		return
	}

	var raw strings.Builder
	for _, block := range blocks {
		raw.WriteString(block.Text)
	}
	title := service.CleanTitle(raw.String())
	if title == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "empty title from model"})
		return
	}

	if err := h.sessions.UpdateTitle(ctx, id, title); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}
