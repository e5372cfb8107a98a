package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
)

// SettingsHandler serves the settings singleton.
type SettingsHandler struct {
	settings *persistence.SettingsRepository
	logger   *zap.Logger
}

func NewSettingsHandler(settings *persistence.SettingsRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, logger: logger}
}

// Get handles GET /api/settings.
func (h *SettingsHandler) Get(c *gin.Context) {
	row, err := h.settings.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"default_model":     row.DefaultModel,
		"working_directory": row.WorkingDirectory,
		"language":          row.Language,
		"temperature":       row.Temperature,
		"max_tokens":        row.MaxTokens,
		"max_iterations":    row.MaxIterations,
		"ab_model_b":        row.ABModelB,
		"ab_split":          row.ABSplit,
	})
}

type updateSettingsRequest struct {
	DefaultModel     *string  `json:"default_model"`
	WorkingDirectory *string  `json:"working_directory"`
	Language         *string  `json:"language"`
	Temperature      *float64 `json:"temperature"`
	MaxTokens        *int     `json:"max_tokens"`
	MaxIterations    *int     `json:"max_iterations"`
	ABModelB         *string  `json:"ab_model_b"`
	ABSplit          *float64 `json:"ab_split"`
}

// Update handles PUT /api/settings. Only provided fields change.
func (h *SettingsHandler) Update(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.DefaultModel != nil {
		updates["default_model"] = *req.DefaultModel
	}
	if req.WorkingDirectory != nil {
		updates["working_directory"] = *req.WorkingDirectory
	}
	if req.Language != nil {
		if *req.Language != "en" && *req.Language != "pl" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "language must be en or pl"})
			return
		}
		updates["language"] = *req.Language
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "temperature must be in [0,2]"})
			return
		}
		updates["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		updates["max_tokens"] = *req.MaxTokens
	}
	if req.MaxIterations != nil {
		if *req.MaxIterations < 1 || *req.MaxIterations > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_iterations must be in [1,50]"})
			return
		}
		updates["max_iterations"] = *req.MaxIterations
	}
	if req.ABModelB != nil {
		updates["ab_model_b"] = *req.ABModelB
	}
	if req.ABSplit != nil {
		if *req.ABSplit < 0 || *req.ABSplit > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ab_split must be in [0,1]"})
			return
		}
		updates["ab_split"] = *req.ABSplit
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	if err := h.settings.Update(c.Request.Context(), updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
