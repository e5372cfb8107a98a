package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/audit"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence"
	"github.com/hydragate/hydragate/internal/infrastructure/registry"
)

var validUseCases = map[string]bool{
	"commander": true, "coordinator": true, "executor": true, "flash": true,
}

// ModelHandler serves the model registry endpoints.
type ModelHandler struct {
	registry *registry.Registry
	pins     *persistence.PinRepository
	audit    *audit.Sink
	logger   *zap.Logger
}

func NewModelHandler(reg *registry.Registry, pins *persistence.PinRepository, auditSink *audit.Sink, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{registry: reg, pins: pins, audit: auditSink, logger: logger}
}

// List handles GET /api/models: cached models, resolved tiers, and pins.
func (h *ModelHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	resolved := h.registry.Resolve(ctx)
	snapshot := h.registry.Snapshot()
	pins, err := h.pins.List(ctx)
	if err != nil {
		h.logger.Warn("Failed to load pins", zap.Error(err))
		pins = map[string]string{}
	}

	total := 0
	for _, list := range snapshot {
		total += len(list)
	}

	response := gin.H{
		"total_models": total,
		"cache_stale":  h.registry.IsStale(),
		"pins":         pins,
		"selected": gin.H{
			"commander":   resolved.Commander,
			"coordinator": resolved.Coordinator,
			"executor":    resolved.Executor,
			"flash":       resolved.Flash,
		},
		"providers": snapshot,
	}
	if age := h.registry.CacheAge(); age >= 0 {
		response["cache_age_seconds"] = int(age.Seconds())
	}

	c.Header("Cache-Control", "public, max-age=60")
	c.JSON(http.StatusOK, response)
}

// Refresh handles POST /api/models/refresh.
func (h *ModelHandler) Refresh(c *gin.Context) {
	ctx := c.Request.Context()
	total, errs := h.registry.Refresh(ctx)
	resolved := h.registry.Resolve(ctx)
	pins, _ := h.pins.List(ctx)

	response := gin.H{
		"refreshed":    true,
		"total_models": total,
		"pins":         pins,
		"selected": gin.H{
			"commander":   resolved.Commander,
			"coordinator": resolved.Coordinator,
			"executor":    resolved.Executor,
			"flash":       resolved.Flash,
		},
	}
	if len(errs) > 0 {
		response["errors"] = errs
	}
	c.JSON(http.StatusOK, response)
}

// Pin handles POST /api/models/pin.
func (h *ModelHandler) Pin(c *gin.Context) {
	var req struct {
		UseCase string `json:"use_case" binding:"required"`
		ModelID string `json:"model_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validUseCases[req.UseCase] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid use_case (valid: commander, coordinator, executor, flash)"})
		return
	}

	if err := h.pins.Pin(c.Request.Context(), req.UseCase, req.ModelID); err != nil {
		h.logger.Error("Failed to pin model", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pin"})
		return
	}

	h.audit.Log("pin_model", map[string]interface{}{
		"use_case": req.UseCase, "model_id": req.ModelID,
	}, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"pinned": true, "use_case": req.UseCase, "model_id": req.ModelID})
}

// Unpin handles DELETE /api/models/pin/:use_case.
func (h *ModelHandler) Unpin(c *gin.Context) {
	useCase := c.Param("use_case")
	removed, err := h.pins.Unpin(c.Request.Context(), useCase)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unpin"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unpinned": removed, "use_case": useCase})
}

// Pins handles GET /api/models/pins.
func (h *ModelHandler) Pins(c *gin.Context) {
	pins, err := h.pins.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pins"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pins": pins})
}
