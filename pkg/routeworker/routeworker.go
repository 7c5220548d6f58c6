// Package routeworker runs route-generation jobs: it selects and scores
// candidates, solves the route under a deadline, persists and caches the
// plan, and reports progress on the request's status.
package routeworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leynos/wildside-sub000/pkg/cache"
	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/enrichment"
	"github.com/leynos/wildside-sub000/pkg/jobctx"
	"github.com/leynos/wildside-sub000/pkg/notify"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/scoring"
	"github.com/leynos/wildside-sub000/pkg/solver"
)

// Progress reported at each step.
const (
	ProgressStarted   = 10
	ProgressScored    = 30
	ProgressSolved    = 80
	ProgressSucceeded = 100
)

// Config tunes route generation.
type Config struct {
	// SolveTime bounds the solver when the job has time to spare.
	SolveTime time.Duration `yaml:"solve_time"`

	// CommitMargin is kept free before the job timeout so the best plan
	// found can still be saved.
	CommitMargin time.Duration `yaml:"commit_margin"`

	// JobTimeout and MaxAttempts are the route job's queue settings.
	JobTimeout  time.Duration `yaml:"job_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`

	// PlanRetention sets the expiry of saved plans. Zero keeps them.
	PlanRetention time.Duration `yaml:"plan_retention"`

	// CacheTTL is the base lifetime of the cache entry for a new plan.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Solver solver.Options `yaml:"solver"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SolveTime:     20 * time.Second,
		CommitMargin:  5 * time.Second,
		JobTimeout:    60 * time.Second,
		MaxAttempts:   3,
		PlanRetention: 7 * 24 * time.Hour,
		CacheTTL:      24 * time.Hour,
		Solver:        solver.DefaultOptions(),
	}
}

// Observer receives solver outcomes. Implementations must not block.
type Observer interface {
	Solved(elapsed time.Duration, partial bool, stops int)
}

type nopObserver struct{}

func (nopObserver) Solved(time.Duration, bool, int) {}

// Deps are the collaborators of the route worker. Trigger may be nil to
// disable enrichment.
type Deps struct {
	Scorer   *scoring.Scorer
	Plans    core.PlanStore
	Cache    core.RouteCache
	Inflight core.InflightStore
	Tracker  *notify.Tracker
	Trigger  *enrichment.Trigger
	Observer Observer
}

// Handler generates routes.
type Handler struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a handler.
func New(deps Deps, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.SolveTime <= 0 {
		cfg.SolveTime = def.SolveTime
	}
	if cfg.CommitMargin < 0 {
		cfg.CommitMargin = 0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Solver.WalkingSpeed <= 0 {
		cfg.Solver = def.Solver
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Handler{deps: deps, cfg: cfg, logger: slog.Default(), now: time.Now}
}

// SetLogger replaces the handler's logger.
func (h *Handler) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// Register installs the handler for route jobs and the hook that reports
// route jobs which end without a plan.
func (h *Handler) Register(q *queue.Queue) {
	opts := []queue.Option{queue.Lane(core.LaneRouteGeneration)}
	if h.cfg.MaxAttempts > 0 {
		opts = append(opts, queue.MaxAttempts(h.cfg.MaxAttempts))
	}
	if h.cfg.JobTimeout > 0 {
		opts = append(opts, queue.Timeout(h.cfg.JobTimeout))
	}
	q.Register(core.KindRouteGeneration, h.Handle, opts...)
	q.OnJobFail(h.onJobFail)
}

// Handle runs one route job. Delivery is at least once: a redelivered
// job whose plan was already saved completes without solving again.
//
// A job can also arrive for a request that already ended, when an
// operator requeues a dead letter. The status stays as reported, but the
// plan is still computed so identical requests are answered from the
// plan store.
func (h *Handler) Handle(ctx context.Context, job core.RouteJob) error {
	logger := jobctx.Logger(ctx).With("request_id", job.TrackingID)

	settled := false
	err := h.deps.Tracker.Notify(ctx, job.TrackingID, notify.Update{
		Status:   core.RequestRunning,
		Progress: ProgressStarted,
		JobID:    jobctx.JobIDFromContext(ctx),
	})
	switch {
	case errors.Is(err, core.ErrIllegalTransition):
		settled = true
	case err != nil:
		return err
	}

	if plan, err := h.deps.Plans.FindPlan(ctx, job.Fingerprint); err != nil {
		return &core.PersistenceError{Op: "find plan", Err: err}
	} else if plan != nil {
		if settled {
			logger.Info("request already settled, skipping", "route_id", plan.ID)
			return nil
		}
		logger.Info("plan already saved", "route_id", plan.ID)
		return h.finish(ctx, job, plan, false)
	}
	if settled {
		logger.Info("request already settled, solving for the plan store")
	}

	res, err := h.deps.Scorer.Candidates(ctx, job.Request)
	if err != nil {
		return err
	}
	h.maybeEnrich(ctx, job, res.Stats, logger)

	if len(res.Candidates) == 0 {
		nc := &core.NoCandidatesError{RadiusMeters: res.Radius}
		h.settleFailed(ctx, job, core.ErrorCodeNoCandidates)
		return core.NoRetry(nc)
	}
	if err := h.progress(ctx, job, settled, ProgressScored); err != nil {
		return err
	}

	started := h.now()
	opts := h.cfg.Solver
	opts.Accessibility = job.Request.Accessibility
	plan := solver.Solve(ctx, job.Request.Start.Point(), res.Candidates, job.Request.Budget(), h.deadline(ctx, started), opts)
	if err := ctx.Err(); err != nil {
		return err
	}
	elapsed := h.now().Sub(started)
	h.deps.Observer.Solved(elapsed, plan.Partial, len(plan.Stops))
	logger.Info("route solved",
		"candidates", len(res.Candidates), "stops", len(plan.Stops),
		"minutes", plan.TotalMinutes, "partial", plan.Partial, "elapsed", elapsed)

	if err := h.progress(ctx, job, settled, ProgressSolved); err != nil {
		return err
	}

	plan.Fingerprint = job.Fingerprint
	plan.TrackingID = job.TrackingID
	if err := plan.SetPath(plan.Loop()); err != nil {
		logger.Warn("route path not stored", "error", err)
	}
	if h.cfg.PlanRetention > 0 {
		expires := h.now().Add(h.cfg.PlanRetention)
		plan.ExpiresAt = &expires
	}
	if err := h.deps.Plans.SavePlan(ctx, plan); err != nil {
		return &core.PersistenceError{Op: "save plan", Err: err}
	}
	return h.finish(ctx, job, plan, settled)
}

// progress reports a running step unless the request already ended.
func (h *Handler) progress(ctx context.Context, job core.RouteJob, settled bool, progress int) error {
	if settled {
		return nil
	}
	return h.deps.Tracker.Running(ctx, job.TrackingID, progress)
}

// deadline is when the solver must stop: SolveTime from now, but never
// later than CommitMargin before the job's own deadline.
func (h *Handler) deadline(ctx context.Context, now time.Time) time.Time {
	d := now.Add(h.cfg.SolveTime)
	if hard, ok := ctx.Deadline(); ok {
		d = minTime(d, hard.Add(-h.cfg.CommitMargin))
	}
	return d
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

// finish caches a saved plan, releases the in-flight marker and reports
// success unless the request already ended. Cache and marker failures
// only delay other submissions, so they are logged.
func (h *Handler) finish(ctx context.Context, job core.RouteJob, plan *core.RoutePlan, settled bool) error {
	if err := h.deps.Cache.Put(ctx, job.Fingerprint, plan.ID, cache.JitterTTL(h.cfg.CacheTTL)); err != nil {
		h.logger.Warn("route cache write failed", "fingerprint", job.Fingerprint, "error", err)
	}
	h.release(ctx, job)
	if settled {
		return nil
	}
	if err := h.deps.Tracker.Succeeded(ctx, job.TrackingID, plan.ID); err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	return nil
}

func (h *Handler) release(ctx context.Context, job core.RouteJob) {
	if err := h.deps.Inflight.Release(context.WithoutCancel(ctx), job.Fingerprint, job.TrackingID); err != nil {
		h.logger.Warn("failed to release in-flight marker", "fingerprint", job.Fingerprint, "error", err)
	}
}

// settleFailed ends the request with code unless it already ended.
func (h *Handler) settleFailed(ctx context.Context, job core.RouteJob, code string) {
	ctx = context.WithoutCancel(ctx)
	h.release(ctx, job)
	err := h.deps.Tracker.Failed(ctx, job.TrackingID, code)
	if err != nil && !errors.Is(err, core.ErrIllegalTransition) {
		h.logger.Error("failed to report request failure", "request_id", job.TrackingID, "error", err)
	}
}

// maybeEnrich asks for enrichment of sparse themes. The route job never
// waits for or fails because of enrichment.
func (h *Handler) maybeEnrich(ctx context.Context, job core.RouteJob, stats core.CandidateStats, logger *slog.Logger) {
	if h.deps.Trigger == nil || !stats.Sparse() {
		return
	}
	if _, err := h.deps.Trigger.MaybeTrigger(ctx, stats, stats.BBox, job.TrackingID); err != nil {
		logger.Warn("enrichment trigger failed", "sparse_themes", stats.SparseThemes, "error", err)
	}
}

// onJobFail settles requests whose route job failed for good. Requests
// the handler already settled are left alone.
func (h *Handler) onJobFail(ctx context.Context, job *core.Job, err error) {
	if job.Type != core.KindRouteGeneration {
		return
	}
	var args core.RouteJob
	if derr := json.Unmarshal(job.Args, &args); derr != nil {
		h.logger.Error("undecodable route job", "job_id", job.ID, "error", derr)
		return
	}

	code := core.ErrorCodeInternal
	if errors.Is(err, context.DeadlineExceeded) {
		code = core.ErrorCodeTimeout
	}
	h.settleFailed(ctx, args, code)
}
