package schedule

import (
	"context"
	"log/slog"
	"time"
)

// LockReaper releases leases whose holders stopped heartbeating.
// queue.Queue implements it.
type LockReaper interface {
	ReapStale(ctx context.Context, staleDuration time.Duration) (int64, error)
}

// PlanSweeper deletes unpinned plans past their retention.
type PlanSweeper interface {
	DeleteExpiredPlans(ctx context.Context, now time.Time) (int64, error)
}

// MarkerPurger deletes expired idempotency records and markers.
type MarkerPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// MaintenanceConfig holds the schedules of the standard tasks.
type MaintenanceConfig struct {
	ReaperSchedule    string
	StaleAfter        time.Duration
	RetentionSchedule string
	PurgeSchedule     string
}

// DefaultMaintenanceConfig reaps every minute and sweeps hourly.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		ReaperSchedule:    "@every 1m",
		StaleAfter:        0,
		RetentionSchedule: "@hourly",
		PurgeSchedule:     "@every 15m",
	}
}

// Maintenance builds the reaper, retention and purge tasks. A nil
// dependency skips its task.
func Maintenance(cfg MaintenanceConfig, reaper LockReaper, plans PlanSweeper, markers MarkerPurger, logger *slog.Logger) ([]Task, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var tasks []Task

	if reaper != nil {
		s, err := ParseCron(cfg.ReaperSchedule)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{Name: "stale-lease-reaper", Schedule: s, Run: func(ctx context.Context) error {
			n, err := reaper.ReapStale(ctx, cfg.StaleAfter)
			if err == nil && n > 0 {
				logger.Warn("released stale leases", "count", n)
			}
			return err
		}})
	}

	if plans != nil {
		s, err := ParseCron(cfg.RetentionSchedule)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{Name: "plan-retention", Schedule: s, Run: func(ctx context.Context) error {
			n, err := plans.DeleteExpiredPlans(ctx, time.Now())
			if err == nil && n > 0 {
				logger.Info("deleted expired plans", "count", n)
			}
			return err
		}})
	}

	if markers != nil {
		s, err := ParseCron(cfg.PurgeSchedule)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{Name: "marker-purge", Schedule: s, Run: func(ctx context.Context) error {
			n, err := markers.PurgeExpired(ctx, time.Now())
			if err == nil && n > 0 {
				logger.Debug("purged expired markers", "count", n)
			}
			return err
		}})
	}

	return tasks, nil
}
