package persistence

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

// UsageRepository records token usage rows. All writes are fire-and-forget
// from the caller's perspective — errors are returned but never fatal.
type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Insert appends one usage row.
func (r *UsageRepository) Insert(ctx context.Context, row *models.AgentUsageModel) error {
	return r.db.WithContext(ctx).Create(row).Error
}

// TierForModel maps a model ID substring to its tier label.
func TierForModel(model string) string {
	switch {
	case strings.Contains(model, "opus"):
		return "commander"
	case strings.Contains(model, "sonnet"):
		return "coordinator"
	case strings.Contains(model, "haiku"):
		return "executor"
	case strings.Contains(model, "flash"):
		return "flash"
	default:
		return "coordinator"
	}
}
