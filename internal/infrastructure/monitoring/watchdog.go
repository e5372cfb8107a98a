package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydragate/hydragate/internal/infrastructure/llm/anthropic"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
	"github.com/hydragate/hydragate/internal/infrastructure/registry"
)

const (
	watchdogInterval = 60 * time.Second
	dbPingTimeout    = 5 * time.Second
)

// Watchdog is the periodic health loop: DB ping, model-cache staleness
// refresh, and an Anthropic reachability probe. It only observes and
// refreshes — it never takes the gateway down.
type Watchdog struct {
	db        *gorm.DB
	registry  *registry.Registry
	anthropic *anthropic.Client
	logger    *zap.Logger
}

func NewWatchdog(db *gorm.DB, reg *registry.Registry, anthropicClient *anthropic.Client, logger *zap.Logger) *Watchdog {
	return &Watchdog{db: db, registry: reg, anthropic: anthropicClient, logger: logger}
}

// Run loops until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("watchdog: started", zap.Duration("interval", watchdogInterval))

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog: stopped")
			return
		case <-ticker.C:
			dbOK := w.checkDB(ctx)
			cacheOK := w.checkCache(ctx)
			apiOK := w.checkAnthropic(ctx)

			if dbOK && cacheOK && apiOK {
				w.logger.Debug("watchdog: all checks passed")
			} else {
				w.logger.Warn("watchdog: degraded",
					zap.Bool("db", dbOK),
					zap.Bool("cache_fresh", cacheOK),
					zap.Bool("api", apiOK),
				)
			}
		}
	}
}

func (w *Watchdog) checkDB(ctx context.Context) bool {
	done := make(chan error, 1)
	go func() { done <- persistence.Ping(w.db) }()

	select {
	case err := <-done:
		if err != nil {
			w.logger.Error("watchdog: DB ping failed", zap.Error(err))
			return false
		}
		return true
	case <-time.After(dbPingTimeout):
		w.logger.Error("watchdog: DB ping timed out", zap.Duration("timeout", dbPingTimeout))
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Watchdog) checkCache(ctx context.Context) bool {
	if !w.registry.IsStale() {
		return true
	}
	w.logger.Info("watchdog: model cache stale, refreshing")
	total, errs := w.registry.Refresh(ctx)
	w.logger.Info("watchdog: cache refreshed", zap.Int("models", total))
	for _, e := range errs {
		w.logger.Warn("watchdog: provider fetch error", zap.String("error", e))
	}
	return false
}

func (w *Watchdog) checkAnthropic(ctx context.Context) bool {
	if w.anthropic == nil {
		return true
	}
	if !w.anthropic.Reachable(ctx) {
		w.logger.Error("watchdog: Anthropic API unreachable")
		return false
	}
	return true
}
