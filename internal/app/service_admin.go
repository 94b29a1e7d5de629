package app

import (
	"context"
	"log/slog"
	"time"

	"civicpulse/api/internal/rbac"
	"civicpulse/api/internal/store"
)

func (s *Service) ListActionLogs(ctx context.Context, caller Principal, filter store.ActionLogFilter) ([]store.ActionLog, error) {
	if !caller.Can(rbac.ActionAuditRead) {
		return nil, forbiddenError("Not allowed to read the action log")
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListActionLogsFiltered(ctx, filter)
}

// SweepActionLogs deletes action logs older than maxAge. It is run on demand
// from the CLI or the admin API; nothing schedules it.
func (s *Service) SweepActionLogs(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, validationError("retention age must be positive")
	}
	cutoff := s.clock().Add(-maxAge)
	removed, err := s.store.PurgeActionLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	slog.Info("action log sweep finished", "cutoff", cutoff, "removed", removed)
	return removed, nil
}
