package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	"github.com/hydragate/hydragate/pkg/safego"
)

// Sink is a fire-and-forget action log. Failures are logged, never
// propagated — audit must not break the main request flow.
type Sink struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewSink(db *gorm.DB, logger *zap.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

// Log inserts an audit row in the background.
func (s *Sink) Log(action string, details map[string]interface{}, ip string) {
	payload, err := json.Marshal(details)
	if err != nil {
		s.logger.Warn("audit: failed to marshal details", zap.String("action", action), zap.Error(err))
		payload = []byte("{}")
	}
	row := &models.AuditLogModel{
		Action:    action,
		Details:   string(payload),
		IPAddress: ip,
	}
	safego.Go(s.logger, "audit-insert", func() {
		if err := s.db.WithContext(context.Background()).Create(row).Error; err != nil {
			s.logger.Warn("audit: failed to log action", zap.String("action", action), zap.Error(err))
		}
	})
}
