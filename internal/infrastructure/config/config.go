package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig holds agentic-loop runtime parameters.
type EngineConfig struct {
	StreamTimeout  time.Duration `mapstructure:"stream_timeout"`  // per upstream streaming call
	UtilityTimeout time.Duration `mapstructure:"utility_timeout"` // per utility (non-chat) call
	RunTimeout     time.Duration `mapstructure:"run_timeout"`     // global wall clock per request
	ToolTimeout    time.Duration `mapstructure:"tool_timeout"`    // per tool dispatch
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`   // wait before the single retry
}

// ToolsConfig configures the local tool layer.
type ToolsConfig struct {
	AllowedDirs []string `mapstructure:"allowed_dirs"` // filesystem sandbox allow-list
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// AuthConfig carries credential material sourced from the environment.
type AuthConfig struct {
	AnthropicAPIKey    string `mapstructure:"anthropic_api_key"`
	GoogleAPIKey       string `mapstructure:"google_api_key"`
	EncryptionKey      string `mapstructure:"encryption_key"`
	GoogleClientID     string `mapstructure:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret"`
}

// Load reads configuration in layers: defaults → config.yaml → environment.
// The environment surface matches the deployment contract: PORT, DATABASE_URL,
// ANTHROPIC_API_KEY, GOOGLE_API_KEY/GEMINI_API_KEY, OAUTH_ENCRYPTION_KEY
// (fallback AUTH_SECRET), GOOGLE_OAUTH_CLIENT_ID/_SECRET, ALLOWED_FILE_DIRS.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range []string{"./config", "."} {
		if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err == nil {
			v.AddConfigPath(dir)
			break
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// ConfigFilePath returns the path of the config file in use, or "" when the
// gateway runs on defaults + env only. The fsnotify watcher uses this.
func ConfigFilePath() string {
	for _, dir := range []string{"./config", "."} {
		p := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 3001)
	v.SetDefault("gateway.mode", "local")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "hydragate.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.stream_timeout", "300s")
	v.SetDefault("engine.utility_timeout", "30s")
	v.SetDefault("engine.run_timeout", "300s")
	v.SetDefault("engine.tool_timeout", "60s")
	v.SetDefault("engine.retry_backoff", "2s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")
}

// applyEnv overlays the well-known environment variables on top of whatever
// the file layer produced. Env always wins.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.Gateway.Port = p
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			cfg.Database.Type = "postgres"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Auth.AnthropicAPIKey = key
	}
	if key := firstEnv("GOOGLE_API_KEY", "GEMINI_API_KEY"); key != "" {
		cfg.Auth.GoogleAPIKey = key
	}
	if key := firstEnv("OAUTH_ENCRYPTION_KEY", "AUTH_SECRET"); key != "" {
		cfg.Auth.EncryptionKey = key
	}
	if id := os.Getenv("GOOGLE_OAUTH_CLIENT_ID"); id != "" {
		cfg.Auth.GoogleClientID = id
	}
	if secret := os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"); secret != "" {
		cfg.Auth.GoogleClientSecret = secret
	}
	if dirs := os.Getenv("ALLOWED_FILE_DIRS"); dirs != "" {
		var parsed []string
		for _, d := range strings.Split(dirs, ";") {
			if d = strings.TrimSpace(d); d != "" {
				parsed = append(parsed, d)
			}
		}
		if len(parsed) > 0 {
			cfg.Tools.AllowedDirs = parsed
		}
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
