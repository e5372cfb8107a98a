package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// PinRepository persists per-tier model pins.
type PinRepository struct {
	db *gorm.DB
}

func NewPinRepository(db *gorm.DB) *PinRepository {
	return &PinRepository{db: db}
}

// Get returns the pinned model ID for a use case, or "" when unpinned.
func (r *PinRepository) Get(ctx context.Context, useCase string) (string, error) {
	var pin models.ModelPinModel
	if err := r.db.WithContext(ctx).First(&pin, "use_case = ?", useCase).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", apperrors.NewInternalErrorWithCause("failed to load model pin", err)
	}
	return pin.ModelID, nil
}

// List returns all pins as use_case → model_id.
func (r *PinRepository) List(ctx context.Context) (map[string]string, error) {
	var pins []models.ModelPinModel
	if err := r.db.WithContext(ctx).Find(&pins).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to list model pins", err)
	}
	result := make(map[string]string, len(pins))
	for _, p := range pins {
		result[p.UseCase] = p.ModelID
	}
	return result, nil
}

// Pin upserts a pin for a use case.
func (r *PinRepository) Pin(ctx context.Context, useCase, modelID string) error {
	pin := &models.ModelPinModel{UseCase: useCase, ModelID: modelID, PinnedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "use_case"}},
		UpdateAll: true,
	}).Create(pin).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to pin model", err)
	}
	return nil
}

// Unpin removes a pin; returns whether a row existed.
func (r *PinRepository) Unpin(ctx context.Context, useCase string) (bool, error) {
	result := r.db.WithContext(ctx).Delete(&models.ModelPinModel{}, "use_case = ?", useCase)
	if result.Error != nil {
		return false, apperrors.NewInternalErrorWithCause("failed to unpin model", result.Error)
	}
	return result.RowsAffected > 0, nil
}
