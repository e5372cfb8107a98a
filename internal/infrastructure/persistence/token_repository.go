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

// ServiceTokenRepository stores encrypted tokens for external services
// (github, vercel, fly, ...). Values are vault output.
type ServiceTokenRepository struct {
	db *gorm.DB
}

func NewServiceTokenRepository(db *gorm.DB) *ServiceTokenRepository {
	return &ServiceTokenRepository{db: db}
}

// Get returns the stored value for a service, or "" when absent.
func (r *ServiceTokenRepository) Get(ctx context.Context, service string) (string, error) {
	var row models.ServiceTokenModel
	if err := r.db.WithContext(ctx).First(&row, "service = ?", service).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", apperrors.NewInternalErrorWithCause("failed to load service token", err)
	}
	return row.Value, nil
}

// Set upserts a service token.
func (r *ServiceTokenRepository) Set(ctx context.Context, service, value string) error {
	row := &models.ServiceTokenModel{Service: service, Value: value, UpdatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to store service token", err)
	}
	return nil
}

// Delete removes a service token.
func (r *ServiceTokenRepository) Delete(ctx context.Context, service string) error {
	if err := r.db.WithContext(ctx).Delete(&models.ServiceTokenModel{}, "service = ?", service).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to delete service token", err)
	}
	return nil
}
