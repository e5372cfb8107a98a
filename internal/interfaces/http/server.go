package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/credential"
	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/llm"
	"github.com/hydragate/hydragate/internal/infrastructure/mcp"
	"github.com/hydragate/hydragate/internal/infrastructure/monitoring"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
	"github.com/hydragate/hydragate/internal/infrastructure/registry"
	"github.com/hydragate/hydragate/internal/infrastructure/tool"
	"github.com/hydragate/hydragate/internal/interfaces/http/handlers"
)

// Deps wires every subsystem into the HTTP layer.
type Deps struct {
	Engine     *service.Engine
	Resolver   *service.ContextResolver
	History    *service.HistoryAdapter
	Upstream   service.Upstream
	Dispatcher *llm.Dispatcher
	Tools      *tool.Executor
	Registry   *registry.Registry
	Pins       *persistence.PinRepository
	Sessions   *persistence.SessionRepository
	Settings   *persistence.SettingsRepository
	McpRepo    *persistence.McpRepository
	Tokens     *persistence.ServiceTokenRepository
	McpManager *mcp.Manager
	Anthropic  *credential.AnthropicStore
	Google     *credential.GoogleStore
	Vault      *crypto.Vault
	Monitor    *monitoring.Monitor
	Audit      *audit.Sink
	Logger     *zap.Logger
}

// Server is the gin front of the gateway.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// NewServer builds the router. CORS and richer middleware belong to the
// deployment layer in front of the gateway.
func NewServer(host string, port int, mode string, deps Deps) *Server {
	if mode != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	chat := handlers.NewChatHandler(deps.Engine, deps.Resolver, deps.History, deps.Upstream, deps.Dispatcher, deps.Tools, deps.Logger)
	sessions := handlers.NewSessionHandler(deps.Sessions, deps.Upstream, deps.Registry, deps.Audit, deps.Logger)
	auth := handlers.NewAuthHandler(deps.Anthropic, deps.Google, deps.Audit, deps.Logger)
	modelsH := handlers.NewModelHandler(deps.Registry, deps.Pins, deps.Audit, deps.Logger)
	mcpH := handlers.NewMcpHandler(deps.McpRepo, deps.McpManager, deps.Vault, deps.Audit, deps.Logger)
	health := handlers.NewHealthHandler(deps.Monitor, deps.Dispatcher, deps.Logger)
	settings := handlers.NewSettingsHandler(deps.Settings, deps.Logger)
	tokens := handlers.NewTokenHandler(deps.Tokens, deps.Vault, deps.Audit, deps.Logger)

	api := router.Group("/api")
	{
		api.POST("/claude/chat/stream", chat.Stream)

		api.GET("/sessions", sessions.List)
		api.POST("/sessions", sessions.Create)
		api.GET("/sessions/:id", sessions.Get)
		api.PATCH("/sessions/:id", sessions.Update)
		api.PATCH("/sessions/:id/working-directory", sessions.UpdateWorkingDirectory)
		api.DELETE("/sessions/:id", sessions.Delete)
		api.POST("/sessions/:id/messages", sessions.AddMessage)
		api.POST("/sessions/:id/generate-title", sessions.GenerateTitle)

		api.GET("/auth/status", auth.AnthropicStatus)
		api.POST("/auth/login", auth.AnthropicLogin)
		api.POST("/auth/callback", auth.AnthropicCallback)
		api.POST("/auth/logout", auth.AnthropicLogout)
		api.GET("/auth/google/status", auth.GoogleStatus)
		api.POST("/auth/google/login", auth.GoogleLogin)
		api.GET("/auth/google/callback", auth.GoogleCallback)
		api.POST("/auth/google/logout", auth.GoogleLogout)

		api.GET("/models", modelsH.List)
		api.POST("/models/refresh", modelsH.Refresh)
		api.POST("/models/pin", modelsH.Pin)
		api.DELETE("/models/pin/:use_case", modelsH.Unpin)
		api.GET("/models/pins", modelsH.Pins)

		api.GET("/mcp/servers", mcpH.List)
		api.POST("/mcp/servers", mcpH.Create)
		api.DELETE("/mcp/servers/:id", mcpH.Delete)
		api.POST("/mcp/servers/:id/connect", mcpH.Connect)
		api.POST("/mcp/servers/:id/disconnect", mcpH.Disconnect)

		api.PUT("/service-tokens/:service", tokens.Set)
		api.DELETE("/service-tokens/:service", tokens.Delete)

		api.GET("/settings", settings.Get)
		api.PUT("/settings", settings.Update)

		api.GET("/health", health.Health)
		api.GET("/ready", health.Ready)
	}

	return &Server{
		engine: router,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: deps.Logger,
	}
}

// Start blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
