package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/mcp"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

// McpHandler serves MCP server configuration and lifecycle.
type McpHandler struct {
	repo    *persistence.McpRepository
	manager *mcp.Manager
	vault   *crypto.Vault
	audit   *audit.Sink
	logger  *zap.Logger
}

func NewMcpHandler(repo *persistence.McpRepository, manager *mcp.Manager, vault *crypto.Vault, auditSink *audit.Sink, logger *zap.Logger) *McpHandler {
	return &McpHandler{repo: repo, manager: manager, vault: vault, audit: auditSink, logger: logger}
}

// List handles GET /api/mcp/servers.
func (h *McpHandler) List(c *gin.Context) {
	servers, err := h.repo.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list MCP servers"})
		return
	}

	out := make([]gin.H, 0, len(servers))
	for _, s := range servers {
		out = append(out, gin.H{
			"id":           s.ID,
			"name":         s.Name,
			"transport":    s.Transport,
			"command":      s.Command,
			"url":          s.URL,
			"enabled":      s.Enabled,
			"timeout_secs": s.TimeoutSecs,
			"tool_count":   h.manager.ConnectedToolCount(s.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"servers": out})
}

type createMcpRequest struct {
	Name        string            `json:"name" binding:"required"`
	Transport   string            `json:"transport" binding:"required"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	URL         string            `json:"url"`
	AuthToken   string            `json:"auth_token"`
	Enabled     *bool             `json:"enabled"`
	TimeoutSecs int               `json:"timeout_secs"`
}

// Create handles POST /api/mcp/servers: validate the transport invariants,
// encrypt the auth token, persist, and connect when enabled.
func (h *McpHandler) Create(c *gin.Context) {
	var req createMcpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Transport {
	case "stdio":
		if req.Command == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stdio transport requires command"})
			return
		}
	case "http":
		if req.URL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "http transport requires url"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "transport must be http or stdio"})
		return
	}

	args, _ := json.Marshal(req.Args)
	env, _ := json.Marshal(req.Env)
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	timeoutSecs := req.TimeoutSecs
	if timeoutSecs < 5 {
		timeoutSecs = 30
	}

	server := &models.McpServerModel{
		Name:        req.Name,
		Transport:   req.Transport,
		Command:     req.Command,
		Args:        string(args),
		Env:         string(env),
		URL:         req.URL,
		Enabled:     enabled,
		TimeoutSecs: timeoutSecs,
	}
	if req.AuthToken != "" {
		server.AuthToken = h.vault.Encrypt(req.AuthToken)
	}

	if err := h.repo.Create(c.Request.Context(), server); err != nil {
		h.logger.Error("Failed to create MCP server", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create MCP server"})
		return
	}

	toolCount := 0
	if enabled {
		tools, err := h.manager.Connect(c.Request.Context(), server, req.AuthToken)
		if err != nil {
			h.logger.Warn("MCP connect failed after create",
				zap.String("server", server.Name), zap.Error(err))
		} else {
			toolCount = len(tools)
		}
	}

	h.audit.Log("mcp_server_added", map[string]interface{}{
		"name": server.Name, "transport": server.Transport,
	}, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{
		"id": server.ID, "name": server.Name, "tool_count": toolCount,
	})
}

// Delete handles DELETE /api/mcp/servers/:id: disconnect (killing stdio
// children) then remove the config with its mirrored tools.
func (h *McpHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	h.manager.Disconnect(id)
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.audit.Log("mcp_server_removed", map[string]interface{}{"server_id": id}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

// Connect handles POST /api/mcp/servers/:id/connect — (re)discovery.
func (h *McpHandler) Connect(c *gin.Context) {
	server, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	authToken := ""
	if server.AuthToken != "" {
		if decrypted, derr := h.vault.Decrypt(server.AuthToken); derr == nil {
			authToken = decrypted
		} else {
			h.logger.Warn("MCP auth token decrypt failed", zap.Error(derr))
		}
	}

	tools, err := h.manager.Connect(c.Request.Context(), server, authToken)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true, "tool_count": len(tools)})
}

// Disconnect handles POST /api/mcp/servers/:id/disconnect.
func (h *McpHandler) Disconnect(c *gin.Context) {
	h.manager.Disconnect(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"connected": false})
}
