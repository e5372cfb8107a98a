package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// McpRepository persists MCP server configs and their discovered tools.
type McpRepository struct {
	db *gorm.DB
}

func NewMcpRepository(db *gorm.DB) *McpRepository {
	return &McpRepository{db: db}
}

// List returns all configured servers.
func (r *McpRepository) List(ctx context.Context) ([]models.McpServerModel, error) {
	var servers []models.McpServerModel
	if err := r.db.WithContext(ctx).Order("name asc").Find(&servers).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to list MCP servers", err)
	}
	return servers, nil
}

// ListEnabled returns enabled servers only (startup connect set).
func (r *McpRepository) ListEnabled(ctx context.Context) ([]models.McpServerModel, error) {
	var servers []models.McpServerModel
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&servers).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to list enabled MCP servers", err)
	}
	return servers, nil
}

// Get returns one server config.
func (r *McpRepository) Get(ctx context.Context, id string) (*models.McpServerModel, error) {
	var server models.McpServerModel
	if err := r.db.WithContext(ctx).First(&server, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("MCP server not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to load MCP server", err)
	}
	return &server, nil
}

// Create inserts a server config with a fresh ID.
func (r *McpRepository) Create(ctx context.Context, server *models.McpServerModel) error {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.TimeoutSecs < 5 {
		server.TimeoutSecs = 5
	}
	if err := r.db.WithContext(ctx).Create(server).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to create MCP server", err)
	}
	return nil
}

// Update overwrites mutable fields of a server config.
func (r *McpRepository) Update(ctx context.Context, server *models.McpServerModel) error {
	result := r.db.WithContext(ctx).Model(&models.McpServerModel{}).
		Where("id = ?", server.ID).
		Updates(map[string]interface{}{
			"name": server.Name, "transport": server.Transport,
			"command": server.Command, "args": server.Args, "env": server.Env,
			"url": server.URL, "auth_token": server.AuthToken,
			"enabled": server.Enabled, "timeout_secs": server.TimeoutSecs,
		})
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update MCP server", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("MCP server not found")
	}
	return nil
}

// Delete removes a server config; tool rows cascade.
func (r *McpRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Select("Tools").Delete(&models.McpServerModel{ID: id})
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to delete MCP server", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("MCP server not found")
	}
	return nil
}

// ReplaceTools mirrors the discovered tool list for a server:
// delete-then-insert in one transaction.
func (r *McpRepository) ReplaceTools(ctx context.Context, serverID string, tools []models.McpToolModel) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.McpToolModel{}, "server_id = ?", serverID).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range tools {
			tools[i].ID = uuid.NewString()
			tools[i].ServerID = serverID
			tools[i].DiscoveredAt = now
			if err := tx.Create(&tools[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to mirror MCP tools", err)
	}
	return nil
}
