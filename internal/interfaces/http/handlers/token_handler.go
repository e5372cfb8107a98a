package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
)

// TokenHandler manages the encrypted service-token table (github, vercel,
// fly, ...). Values are vault-encrypted on write and never returned.
type TokenHandler struct {
	tokens *persistence.ServiceTokenRepository
	vault  *crypto.Vault
	audit  *audit.Sink
	logger *zap.Logger
}

func NewTokenHandler(tokens *persistence.ServiceTokenRepository, vault *crypto.Vault, auditSink *audit.Sink, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, vault: vault, audit: auditSink, logger: logger}
}

// Set handles PUT /api/service-tokens/:service.
func (h *TokenHandler) Set(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	service := c.Param("service")
	if err := h.tokens.Set(c.Request.Context(), service, h.vault.Encrypt(req.Token)); err != nil {
		h.logger.Error("Failed to store service token", zap.String("service", service), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store token"})
		return
	}

	h.audit.Log("service_token_set", map[string]interface{}{"service": service}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"service": service, "stored": true})
}

// Delete handles DELETE /api/service-tokens/:service.
func (h *TokenHandler) Delete(c *gin.Context) {
	service := c.Param("service")
	if err := h.tokens.Delete(c.Request.Context(), service); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete token"})
		return
	}
	h.audit.Log("service_token_deleted", map[string]interface{}{"service": service}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"service": service, "deleted": true})
}
