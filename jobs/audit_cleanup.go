package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockbook/stockbook/internal/shared"
)

// AuditCleanupJob prunes audit log entries outside the retention window.
type AuditCleanupJob struct {
	Audit  *shared.AuditLogger
	Logger *slog.Logger
}

// NewAuditCleanupJob initialises the cleanup handler.
func NewAuditCleanupJob(audit *shared.AuditLogger, logger *slog.Logger) *AuditCleanupJob {
	return &AuditCleanupJob{Audit: audit, Logger: logger}
}

// Handle executes the retention cleanup.
func (j *AuditCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Audit == nil {
		return errors.New("audit cleanup: handler not configured")
	}
	var payload AuditCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	removed, err := j.Audit.Cleanup(ctx, retention)
	if err != nil {
		j.logger().Error("audit cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger().Info("audit cleanup completed",
		slog.Int64("removed", removed),
		slog.Duration("retention", retention),
	)
	return nil
}

func (j *AuditCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditCleanup))
	}
	return slog.Default().With(slog.String("job", TaskAuditCleanup))
}
