// Package jobctx gives job handlers read access to the delivery they are
// running: the job record, its attempt number and trace id, and a logger
// already tagged with them.
package jobctx

import (
	"context"
	"log/slog"

	"github.com/leynos/wildside-sub000/pkg/core"
	intctx "github.com/leynos/wildside-sub000/pkg/internal/context"
)

// JobFromContext returns the current Job, or nil outside a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID, or "" outside a job handler.
func JobIDFromContext(ctx context.Context) string {
	if job := JobFromContext(ctx); job != nil {
		return job.ID
	}
	return ""
}

// AttemptFromContext returns the 1-based attempt number, or 0.
func AttemptFromContext(ctx context.Context) int {
	if job := JobFromContext(ctx); job != nil {
		return job.Attempt
	}
	return 0
}

// TraceIDFromContext returns the trace id the job was enqueued with.
func TraceIDFromContext(ctx context.Context) string {
	if job := JobFromContext(ctx); job != nil {
		return job.TraceID
	}
	return ""
}

// IsLastAttempt reports whether a failure now would exhaust the job.
func IsLastAttempt(ctx context.Context) bool {
	return intctx.GetJobContext(ctx).LastAttempt()
}

// Logger returns the worker's logger tagged with the job id, kind,
// attempt and trace id. Outside a handler it returns slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Job == nil {
		return slog.Default()
	}
	base := jc.Logger
	if base == nil {
		base = slog.Default()
	}
	l := base.With("job_id", jc.Job.ID, "kind", jc.Job.Type, "attempt", jc.Job.Attempt)
	if jc.Job.TraceID != "" {
		l = l.With("trace_id", jc.Job.TraceID)
	}
	return l
}
