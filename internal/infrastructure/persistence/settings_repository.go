package persistence

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// SettingsRepository reads and writes the singleton settings row.
type SettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the settings row; defaults are seeded at startup.
func (r *SettingsRepository) Get(ctx context.Context) (*models.SettingsModel, error) {
	var settings models.SettingsModel
	if err := r.db.WithContext(ctx).First(&settings, "id = 1").Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load settings", err)
	}
	return &settings, nil
}

// Update overwrites the mutable settings fields.
func (r *SettingsRepository) Update(ctx context.Context, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	if err := r.db.WithContext(ctx).Model(&models.SettingsModel{}).
		Where("id = 1").Updates(updates).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to update settings", err)
	}
	return nil
}

// SetDefaultModel persists the startup-resolved coordinator model.
func (r *SettingsRepository) SetDefaultModel(ctx context.Context, modelID string) error {
	return r.Update(ctx, map[string]interface{}{"default_model": modelID})
}
