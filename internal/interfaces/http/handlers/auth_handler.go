package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/credential"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// AuthHandler serves the OAuth PKCE endpoints for both providers.
type AuthHandler struct {
	anthropic *credential.AnthropicStore
	google    *credential.GoogleStore
	audit     *audit.Sink
	logger    *zap.Logger
}

func NewAuthHandler(anthropicStore *credential.AnthropicStore, googleStore *credential.GoogleStore, auditSink *audit.Sink, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{anthropic: anthropicStore, google: googleStore, audit: auditSink, logger: logger}
}

type callbackRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

// AnthropicStatus handles GET /api/auth/status.
func (h *AuthHandler) AnthropicStatus(c *gin.Context) {
	authenticated, expired, expiresAt := h.anthropic.Status(c.Request.Context())
	if !authenticated {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"expired":       expired,
		"expires_at":    expiresAt,
	})
}

// AnthropicLogin handles POST /api/auth/login.
func (h *AuthHandler) AnthropicLogin(c *gin.Context) {
	authURL, state, err := h.anthropic.StartOAuth()
	if err != nil {
		h.logger.Error("Anthropic OAuth start failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start OAuth"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL, "state": state})
}

// AnthropicCallback handles POST /api/auth/callback.
func (h *AuthHandler) AnthropicCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.anthropic.CompleteOAuth(c.Request.Context(), req.Code, req.State); err != nil {
		status := http.StatusBadGateway
		if apperrors.CodeOf(err) == apperrors.CodeInvalidInput {
			status = http.StatusBadRequest
		}
		h.logger.Error("Anthropic OAuth callback failed", zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.audit.Log("oauth_login", map[string]interface{}{"provider": "anthropic"}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "authenticated": true})
}

// AnthropicLogout handles POST /api/auth/logout.
func (h *AuthHandler) AnthropicLogout(c *gin.Context) {
	if err := h.anthropic.Logout(c.Request.Context()); err != nil {
		h.logger.Warn("Anthropic logout failed", zap.Error(err))
	}
	h.audit.Log("oauth_logout", map[string]interface{}{"provider": "anthropic"}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GoogleStatus handles GET /api/auth/google/status.
func (h *AuthHandler) GoogleStatus(c *gin.Context) {
	authenticated, expired, expiresAt := h.google.Status(c.Request.Context())
	if !authenticated {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"expired":       expired,
		"expires_at":    expiresAt,
	})
}

// GoogleLogin handles POST /api/auth/google/login.
func (h *AuthHandler) GoogleLogin(c *gin.Context) {
	authURL, state, err := h.google.StartOAuth()
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.CodeOf(err) == apperrors.CodeInvalidInput {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL, "state": state})
}

// GoogleCallback handles GET /api/auth/google/callback — the redirect target
// derived from the local port, so code and state arrive as query params.
func (h *AuthHandler) GoogleCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
		return
	}

	if err := h.google.CompleteOAuth(c.Request.Context(), code, state); err != nil {
		status := http.StatusBadGateway
		if apperrors.CodeOf(err) == apperrors.CodeInvalidInput {
			status = http.StatusBadRequest
		}
		h.logger.Error("Google OAuth callback failed", zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.audit.Log("oauth_login", map[string]interface{}{"provider": "google"}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "authenticated": true})
}

// GoogleLogout handles POST /api/auth/google/logout.
func (h *AuthHandler) GoogleLogout(c *gin.Context) {
	if err := h.google.Logout(c.Request.Context()); err != nil {
		h.logger.Warn("Google logout failed", zap.Error(err))
	}
	h.audit.Log("oauth_logout", map[string]interface{}{"provider": "google"}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
