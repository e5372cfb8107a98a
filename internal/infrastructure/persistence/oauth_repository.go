package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// OAuthRepository stores the per-provider OAuth singleton rows. Token fields
// hold vault output — this layer never sees plaintext distinctions.
type OAuthRepository struct {
	db *gorm.DB
}

func NewOAuthRepository(db *gorm.DB) *OAuthRepository {
	return &OAuthRepository{db: db}
}

// Get returns the row for a provider, or (nil, nil) when none is stored.
func (r *OAuthRepository) Get(ctx context.Context, provider string) (*models.OAuthTokenModel, error) {
	var row models.OAuthTokenModel
	if err := r.db.WithContext(ctx).First(&row, "provider = ?", provider).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to load oauth tokens", err)
	}
	return &row, nil
}

// Upsert writes the full row for a provider. Access and refresh tokens rotate
// together in one statement.
func (r *OAuthRepository) Upsert(ctx context.Context, row *models.OAuthTokenModel) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to store oauth tokens", err)
	}
	return nil
}

// Delete removes a provider's tokens (logout).
func (r *OAuthRepository) Delete(ctx context.Context, provider string) error {
	if err := r.db.WithContext(ctx).Delete(&models.OAuthTokenModel{}, "provider = ?", provider).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to delete oauth tokens", err)
	}
	return nil
}
