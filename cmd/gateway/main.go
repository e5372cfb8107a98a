package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/config"
	"github.com/hydragate/hydragate/internal/infrastructure/credential"
	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/llm"
	"github.com/hydragate/hydragate/internal/infrastructure/llm/anthropic"
	"github.com/hydragate/hydragate/internal/infrastructure/llm/gemini"
	"github.com/hydragate/hydragate/internal/infrastructure/logger"
	"github.com/hydragate/hydragate/internal/infrastructure/mcp"
	"github.com/hydragate/hydragate/internal/infrastructure/monitoring"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
	"github.com/hydragate/hydragate/internal/infrastructure/registry"
	"github.com/hydragate/hydragate/internal/infrastructure/tool"
	httpiface "github.com/hydragate/hydragate/internal/interfaces/http"
	"github.com/hydragate/hydragate/pkg/safego"
)

const (
	appName    = "hydragate"
	appVersion = "1.0.0"
)

func main() {
	root := &cobra.Command{
		Use:   appName,
		Short: "Stateful AI gateway fronting Anthropic and Gemini with an agentic tool loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting Hydra Gateway",
		zap.String("version", appVersion),
		zap.Int("port", cfg.Gateway.Port),
		zap.String("db", cfg.Database.Type),
	)

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		log.Error("Database init failed", zap.Error(err))
		return err
	}

	// Repositories.
	sessions := persistence.NewSessionRepository(db)
	settings := persistence.NewSettingsRepository(db)
	oauthRepo := persistence.NewOAuthRepository(db)
	pins := persistence.NewPinRepository(db)
	mcpRepo := persistence.NewMcpRepository(db)
	usage := persistence.NewUsageRepository(db)
	serviceTokens := persistence.NewServiceTokenRepository(db)

	// Credential vault and per-provider stores.
	vault := crypto.NewVault(cfg.Auth.EncryptionKey, log)
	anthropicCreds := credential.NewAnthropicStore(vault, oauthRepo, cfg.Auth.AnthropicAPIKey, log)
	googleCreds := credential.NewGoogleStore(vault, oauthRepo, cfg.Auth.GoogleAPIKey,
		cfg.Auth.GoogleClientID, cfg.Auth.GoogleClientSecret, cfg.Gateway.Port, log)

	// Upstream clients, breaker-guarded dispatcher, model registry.
	anthropicClient := anthropic.NewClient("", anthropicCreds, log)
	geminiClient := gemini.NewClient("", googleCreds, log)
	dispatcher := llm.NewDispatcher(anthropicClient, geminiClient,
		cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout, cfg.Engine.RetryBackoff, log)
	upstream := llm.NewUpstreamAdapter(dispatcher, log)
	modelRegistry := registry.New(anthropicClient, geminiClient, pins, log)

	// MCP federation: connect enabled servers at startup.
	mcpManager := mcp.NewManager(mcpRepo, log)
	startupConnectMCP(mcpManager, mcpRepo, vault, log)

	// Tool catalog with the sandbox allow-list.
	executor := tool.NewExecutor(cfg.Tools.AllowedDirs, mcpManager, geminiClient,
		func(ctx context.Context) string { return modelRegistry.ModelForTier(ctx, "flash") }, log)
	executor.SetServiceTokenResolver(func(ctx context.Context, serviceName string) string {
		stored, err := serviceTokens.Get(ctx, serviceName)
		if err != nil || stored == "" {
			return ""
		}
		token, err := vault.Decrypt(stored)
		if err != nil {
			log.Warn("Service token decrypt failed", zap.String("service", serviceName), zap.Error(err))
			return ""
		}
		return token
	})

	// Domain services.
	promptCache := service.NewPromptCache(log)
	store := persistence.NewStoreAdapter(sessions, settings, usage)
	resolver := service.NewContextResolver(store, store, modelRegistry, promptCache, registry.ClassifyComplexity, log)
	history := service.NewHistoryAdapter(store, store, log)
	engine := service.NewEngine(upstream, service.EngineConfig{
		RunTimeout:     cfg.Engine.RunTimeout,
		StreamTimeout:  cfg.Engine.StreamTimeout,
		UtilityTimeout: cfg.Engine.UtilityTimeout,
		ToolTimeout:    cfg.Engine.ToolTimeout,
	}, log)

	auditSink := audit.NewSink(db, log)
	monitor := monitoring.NewMonitor(modelRegistry, promptCache, settings, log)
	watchdog := monitoring.NewWatchdog(db, modelRegistry, anthropicClient, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	safego.Go(log, "startup-warmup", func() { monitor.Startup(ctx) })
	safego.Go(log, "watchdog", func() { watchdog.Run(ctx) })

	if watcher := config.NewWatcher(config.ConfigFilePath(), func(updated *config.Config) {
		executor.SetAllowedDirs(updated.Tools.AllowedDirs)
	}, log); watcher != nil {
		safego.Go(log, "config-watcher", func() { watcher.Run(ctx) })
	}

	server := httpiface.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.Mode, httpiface.Deps{
		Engine:     engine,
		Resolver:   resolver,
		History:    history,
		Upstream:   upstream,
		Dispatcher: dispatcher,
		Tools:      executor,
		Registry:   modelRegistry,
		Pins:       pins,
		Sessions:   sessions,
		Settings:   settings,
		McpRepo:    mcpRepo,
		Tokens:     serviceTokens,
		McpManager: mcpManager,
		Anthropic:  anthropicCreds,
		Google:     googleCreds,
		Vault:      vault,
		Monitor:    monitor,
		Audit:      auditSink,
		Logger:     log,
	})

	errCh := make(chan error, 1)
	safego.Go(log, "http-server", func() { errCh <- server.Start() })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			return err
		}
	}

	cancel()
	mcpManager.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Gateway stopped")
	return nil
}

// startupConnectMCP connects every enabled MCP server, decrypting stored
// auth tokens. Failures are logged; the gateway starts regardless.
func startupConnectMCP(manager *mcp.Manager, repo *persistence.McpRepository, vault *crypto.Vault, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	servers, err := repo.ListEnabled(ctx)
	if err != nil {
		log.Warn("MCP startup: failed to list servers", zap.Error(err))
		return
	}

	for i := range servers {
		server := &servers[i]
		authToken := ""
		if server.AuthToken != "" {
			if decrypted, derr := vault.Decrypt(server.AuthToken); derr == nil {
				authToken = decrypted
			} else {
				log.Warn("MCP startup: auth token decrypt failed",
					zap.String("server", server.Name), zap.Error(derr))
			}
		}
		if _, cerr := manager.Connect(ctx, server, authToken); cerr != nil {
			log.Error("MCP startup: connect failed",
				zap.String("server", server.Name), zap.Error(cerr))
		}
	}
}
