package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/llm"
	"github.com/hydragate/hydragate/internal/infrastructure/monitoring"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	monitor    *monitoring.Monitor
	dispatcher *llm.Dispatcher
	started    time.Time
	logger     *zap.Logger
}

func NewHealthHandler(monitor *monitoring.Monitor, dispatcher *llm.Dispatcher, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{monitor: monitor, dispatcher: dispatcher, started: time.Now(), logger: logger}
}

// Health handles GET /api/health — liveness plus breaker states.
func (h *HealthHandler) Health(c *gin.Context) {
	breakers := gin.H{}
	for _, provider := range []string{"anthropic", "google"} {
		if b := h.dispatcher.Breaker(provider); b != nil {
			breakers[provider] = b.State().String()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"breakers":       breakers,
	})
}

// Ready handles GET /api/ready — flips true after startup warm-up.
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.monitor.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
