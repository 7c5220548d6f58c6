package schedule

import (
	"context"
	"log/slog"
	"time"
)

// Task is a named function run on a schedule.
type Task struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
}

// Runner calls tasks when they are due. A task that is still running
// when it falls due again is not started twice; runs are sequential.
type Runner struct {
	tasks  []Task
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a runner polling every tick (100ms when zero).
func NewRunner(tick time.Duration, tasks ...Task) *Runner {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Runner{
		tasks:  tasks,
		tick:   tick,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// SetLogger sets the runner's logger.
func (r *Runner) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Start runs until ctx is cancelled. The first run of each task is one
// schedule step after Start.
func (r *Runner) Start(ctx context.Context) error {
	start := r.now()
	next := make([]time.Time, len(r.tasks))
	for i, t := range r.tasks {
		next[i] = t.Schedule.Next(start)
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := r.now()
			for i, t := range r.tasks {
				if now.Before(next[i]) {
					continue
				}
				r.runTask(ctx, t)
				next[i] = t.Schedule.Next(now)
			}
		}
	}
}

func (r *Runner) runTask(ctx context.Context, t Task) {
	begin := time.Now()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() == nil {
			r.logger.Error("scheduled task failed", "task", t.Name, "error", err)
		}
		return
	}
	r.logger.Debug("scheduled task finished", "task", t.Name, "took", time.Since(begin))
}
