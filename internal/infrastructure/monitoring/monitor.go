package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/registry"
)

// DefaultModelWriter persists the startup-resolved coordinator model.
type DefaultModelWriter interface {
	SetDefaultModel(ctx context.Context, modelID string) error
}

// Monitor owns the readiness flag and the startup warm-up: an initial model
// sync plus prompt-cache warming. The gateway serves /health immediately but
// reports ready only after warm-up completes.
type Monitor struct {
	ready    atomic.Bool
	registry *registry.Registry
	prompts  *service.PromptCache
	settings DefaultModelWriter
	logger   *zap.Logger
}

func NewMonitor(reg *registry.Registry, prompts *service.PromptCache, settings DefaultModelWriter, logger *zap.Logger) *Monitor {
	return &Monitor{registry: reg, prompts: prompts, settings: settings, logger: logger}
}

// Ready reports whether startup warm-up has completed.
func (m *Monitor) Ready() bool {
	return m.ready.Load()
}

// Startup runs the warm-up sequence. Provider failures are logged and do
// not block readiness — the registry falls back to hard-coded models.
func (m *Monitor) Startup(ctx context.Context) {
	started := time.Now()
	m.logger.Info("monitor: startup model sync")

	total, errs := m.registry.Refresh(ctx)
	m.logger.Info("monitor: model cache populated", zap.Int("models", total))
	for _, e := range errs {
		m.logger.Warn("monitor: provider fetch error", zap.String("error", e))
	}

	resolved := m.registry.Resolve(ctx)
	if resolved.Coordinator != nil && m.settings != nil {
		if err := m.settings.SetDefaultModel(ctx, resolved.Coordinator.ID); err != nil {
			m.logger.Warn("monitor: failed to persist default model", zap.Error(err))
		} else {
			m.logger.Info("monitor: default model updated", zap.String("model", resolved.Coordinator.ID))
		}
	}

	m.prompts.Warm()

	m.ready.Store(true)
	m.logger.Info("monitor: ready", zap.Duration("startup", time.Since(started)))
}
