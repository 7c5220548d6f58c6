package context

import (
	"context"
	"log/slog"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext describes the delivery a handler is running.
type JobContext struct {
	Job      *core.Job
	WorkerID string
	Logger   *slog.Logger
}

// LastAttempt reports whether a failure now would dead-letter the job.
func (jc *JobContext) LastAttempt() bool {
	return jc != nil && jc.Job != nil && jc.Job.Attempt >= jc.Job.MaxAttempts
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
