package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/warrenhq/warren/internal/domain"
	"github.com/warrenhq/warren/internal/repository"
)

// Service appends to and reads the audit log. Recording is best-effort;
// a failed insert is logged but never fails the audited operation.
type Service struct {
	activity repository.ActivityRepository
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(activity repository.ActivityRepository, logger *slog.Logger) Service {
	return Service{activity: activity, logger: logger, now: time.Now}
}

// Record appends one audit entry. userID may be empty for unauthenticated
// actions such as failed logins.
func (s Service) Record(ctx context.Context, userID, action, details, ipAddress string) {
	entry := &domain.ActivityLog{
		Action:    action,
		Details:   details,
		IPAddress: ipAddress,
		CreatedAt: s.now().UTC(),
	}
	if userID != "" {
		entry.UserID = &userID
	}
	if err := s.activity.InsertActivity(ctx, entry); err != nil {
		s.logger.Warn("failed to record activity", "action", action, "error", err)
	}
}

// Recent lists the newest audit entries, most recent first.
func (s Service) Recent(ctx context.Context, limit int) ([]domain.ActivityLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.activity.ListActivity(ctx, limit)
}

// ServerStats returns the admin dashboard counters with recent activity.
func (s Service) ServerStats(ctx context.Context) (*domain.ServerStats, error) {
	return s.activity.ServerStats(ctx, 10)
}
