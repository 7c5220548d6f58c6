// Package gatekeeper is the synchronous entry point of the route pipeline.
//
// Submit answers a route request from the cache when it can, attaches it
// to an identical request that is already being solved, or enqueues a
// new route-generation job and returns a tracking id. Idempotency keys
// make client retries return the original answer.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/leynos/wildside-sub000/pkg/cache"
	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/fingerprint"
	"github.com/leynos/wildside-sub000/pkg/notify"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/security"
)

// Submission outcomes, as reported to the Observer.
const (
	OutcomeCacheHit  = "cache_hit"
	OutcomeCoalesced = "coalesced"
	OutcomeReplayed  = "replayed"
	OutcomeEnqueued  = "enqueued"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeThrottled = "throttled"
	OutcomeError     = "error"
)

// Config tunes the gatekeeper.
type Config struct {
	// IdempotencyTTL is how long a key is honoured.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// CacheTTL is the base lifetime of a cache entry written on a
	// read-through from the plan store.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// InflightTTL bounds how long a submission can coalesce onto a job.
	// It should cover the route job's timeout times its attempts.
	InflightTTL time.Duration `yaml:"inflight_ttl"`

	// RatePerSecond and Burst limit new jobs per process. Zero disables.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// MaxPendingRoutes rejects submissions while this many route jobs
	// are waiting. Zero disables.
	MaxPendingRoutes int64 `yaml:"max_pending_routes"`

	// QueueFullRetryAfter is suggested to clients when the queue is full.
	QueueFullRetryAfter time.Duration `yaml:"queue_full_retry_after"`

	// RoutePriority is the priority of route jobs within their lane.
	RoutePriority int `yaml:"route_priority"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IdempotencyTTL:      24 * time.Hour,
		CacheTTL:            24 * time.Hour,
		InflightTTL:         10 * time.Minute,
		RatePerSecond:       50,
		Burst:               100,
		MaxPendingRoutes:    10_000,
		QueueFullRetryAfter: 5 * time.Second,
		RoutePriority:       10,
	}
}

// Observer receives submission outcomes. Implementations must not block.
type Observer interface {
	Submitted(outcome string)
	IdempotencyLookup(outcome core.IdempotencyOutcome)
}

type nopObserver struct{}

func (nopObserver) Submitted(string)                         {}
func (nopObserver) IdempotencyLookup(core.IdempotencyOutcome) {}

// Deps are the ports the gatekeeper works through.
type Deps struct {
	Idempotency core.IdempotencyStore
	Inflight    core.InflightStore
	Cache       core.RouteCache
	Plans       core.PlanStore
	Tracker     *notify.Tracker
	Queue       *queue.Queue
	Observer    Observer
}

// SubmitResult is the synchronous answer to a route request. Exactly one
// of Cached, Coalesced and Enqueued is set, and Replayed marks answers
// taken from an earlier submission with the same idempotency key.
type SubmitResult struct {
	TrackingID  string `json:"request_id,omitempty"`
	RoutePlanID string `json:"route_id,omitempty"`
	Cached      bool   `json:"cached"`
	Coalesced   bool   `json:"coalesced"`
	Enqueued    bool   `json:"enqueued"`
	Replayed    bool   `json:"replayed"`
}

// Gatekeeper admits route requests.
type Gatekeeper struct {
	deps    Deps
	cfg     Config
	limiter *rate.Limiter
	flight  singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a gatekeeper. Zero config values take their defaults; the
// idempotency TTL is clamped to the supported range.
func New(deps Deps, cfg Config) *Gatekeeper {
	def := DefaultConfig()
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	cfg.IdempotencyTTL = security.ClampIdempotencyTTL(cfg.IdempotencyTTL)
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = def.InflightTTL
	}
	if cfg.QueueFullRetryAfter <= 0 {
		cfg.QueueFullRetryAfter = def.QueueFullRetryAfter
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	g := &Gatekeeper{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}
	return g
}

// SetLogger replaces the gatekeeper's logger.
func (g *Gatekeeper) SetLogger(l *slog.Logger) {
	if l != nil {
		g.logger = l
	}
}

// Submit admits a route request. idempotencyKey is optional and must be a
// UUID. Errors are *core.ValidationError, *core.ConflictError,
// *core.ResourceExhaustedError or wrapped storage failures.
func (g *Gatekeeper) Submit(ctx context.Context, req core.RouteRequest, idempotencyKey string) (SubmitResult, error) {
	key, err := security.NormalizeIdempotencyKey(idempotencyKey)
	if err != nil {
		g.deps.Observer.Submitted(OutcomeInvalid)
		return SubmitResult{}, &core.ValidationError{Fields: []string{"idempotency_key"}, Reason: err.Error()}
	}
	if err := req.Validate(); err != nil {
		g.deps.Observer.Submitted(OutcomeInvalid)
		return SubmitResult{}, err
	}
	fp, err := fingerprint.CacheKey(req)
	if err != nil {
		g.deps.Observer.Submitted(OutcomeError)
		return SubmitResult{}, fmt.Errorf("gatekeeper: fingerprint: %w", err)
	}

	if key != "" {
		res, done, err := g.replay(ctx, key, fp)
		if done || err != nil {
			g.report(res, err)
			return res, err
		}
	}

	leader := false
	v, err, _ := g.flight.Do(fp, func() (any, error) {
		leader = true
		return g.admit(ctx, req, fp)
	})
	if err != nil {
		g.report(SubmitResult{}, err)
		return SubmitResult{}, err
	}
	res := v.(SubmitResult)
	if !leader && res.Enqueued {
		res.Enqueued = false
		res.Coalesced = true
	}

	if key != "" {
		res, err = g.remember(ctx, key, fp, res)
	}
	g.report(res, err)
	return res, err
}

// Status returns the durable status of a submitted request.
func (g *Gatekeeper) Status(ctx context.Context, trackingID string) (*core.Tracking, error) {
	return g.deps.Tracker.Get(ctx, trackingID)
}

// replay answers a repeated idempotency key. done is false when the key
// is unknown and the request must be admitted normally.
func (g *Gatekeeper) replay(ctx context.Context, key, fp string) (SubmitResult, bool, error) {
	outcome, rec, err := g.deps.Idempotency.Lookup(ctx, key, fp, g.now())
	if err != nil {
		return SubmitResult{}, false, fmt.Errorf("gatekeeper: idempotency lookup: %w", err)
	}
	g.deps.Observer.IdempotencyLookup(outcome)

	switch outcome {
	case core.IdempotencyConflictingPayload:
		return SubmitResult{}, true, &core.ConflictError{Key: key}
	case core.IdempotencyMatchingPayload:
		return g.replayed(ctx, rec), true, nil
	}
	return SubmitResult{}, false, nil
}

func (g *Gatekeeper) replayed(ctx context.Context, rec *core.IdempotencyRecord) SubmitResult {
	res := SubmitResult{TrackingID: rec.TrackingID, RoutePlanID: rec.RoutePlanID, Replayed: true}
	if res.RoutePlanID != "" {
		res.Cached = true
		return res
	}
	res.Coalesced = true
	if tr, err := g.deps.Tracker.Get(ctx, rec.TrackingID); err == nil && tr.RoutePlanID != "" {
		res.RoutePlanID = tr.RoutePlanID
	}
	return res
}

// remember stores the idempotency record for a fresh answer. When another
// submission stored the same key first, its answer wins.
func (g *Gatekeeper) remember(ctx context.Context, key, fp string, res SubmitResult) (SubmitResult, error) {
	rec := &core.IdempotencyRecord{
		Key:         key,
		TrackingID:  res.TrackingID,
		Fingerprint: fp,
		RoutePlanID: res.RoutePlanID,
		ExpiresAt:   g.now().Add(g.cfg.IdempotencyTTL),
	}
	err := g.deps.Idempotency.Store(ctx, rec)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, core.ErrDuplicateKey) {
		return SubmitResult{}, fmt.Errorf("gatekeeper: store idempotency key: %w", err)
	}

	raced, done, err := g.replay(ctx, key, fp)
	if err != nil || done {
		return raced, err
	}
	// The competing record expired in between; our answer stands.
	return res, nil
}

// admit runs the cache, coalescing and enqueue steps for one fingerprint.
func (g *Gatekeeper) admit(ctx context.Context, req core.RouteRequest, fp string) (SubmitResult, error) {
	if planID, ok := g.cached(ctx, fp); ok {
		return SubmitResult{RoutePlanID: planID, Cached: true}, nil
	}

	now := g.now()
	if m, err := g.deps.Inflight.Active(ctx, fp, now); err != nil {
		return SubmitResult{}, fmt.Errorf("gatekeeper: in-flight lookup: %w", err)
	} else if m != nil {
		return SubmitResult{TrackingID: m.TrackingID, Coalesced: true}, nil
	}

	if err := g.admitLoad(ctx); err != nil {
		return SubmitResult{}, err
	}

	trackingID := uuid.New().String()
	for attempt := 0; ; attempt++ {
		m, claimed, err := g.deps.Inflight.Claim(ctx, &core.InflightMarker{
			Fingerprint: fp,
			TrackingID:  trackingID,
			ExpiresAt:   now.Add(g.cfg.InflightTTL),
		}, now)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("gatekeeper: claim in-flight marker: %w", err)
		}
		if claimed {
			break
		}
		if m != nil {
			return SubmitResult{TrackingID: m.TrackingID, Coalesced: true}, nil
		}
		if attempt == 2 {
			return SubmitResult{}, fmt.Errorf("gatekeeper: in-flight marker for %s keeps changing hands", fp)
		}
	}

	if err := g.enqueue(ctx, req, fp, trackingID); err != nil {
		if rerr := g.deps.Inflight.Release(context.WithoutCancel(ctx), fp, trackingID); rerr != nil {
			g.logger.Warn("failed to release in-flight marker", "fingerprint", fp, "error", rerr)
		}
		return SubmitResult{}, err
	}
	return SubmitResult{TrackingID: trackingID, Enqueued: true}, nil
}

// cached consults the route cache, then the plan store. Cache failures
// degrade to a miss.
func (g *Gatekeeper) cached(ctx context.Context, fp string) (string, bool) {
	planID, ok, err := g.deps.Cache.Get(ctx, fp)
	if err != nil {
		g.logger.Warn("route cache lookup failed", "fingerprint", fp, "error", err)
	}
	if ok {
		return planID, true
	}

	plan, err := g.deps.Plans.FindPlan(ctx, fp)
	if err != nil {
		g.logger.Warn("plan lookup failed", "fingerprint", fp, "error", err)
		return "", false
	}
	if plan == nil {
		return "", false
	}
	if err := g.deps.Cache.Put(ctx, fp, plan.ID, cache.JitterTTL(g.cfg.CacheTTL)); err != nil {
		g.logger.Warn("route cache fill failed", "fingerprint", fp, "error", err)
	}
	return plan.ID, true
}

// admitLoad applies the rate limit and the queue capacity check.
func (g *Gatekeeper) admitLoad(ctx context.Context) error {
	if g.limiter != nil {
		r := g.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			return &core.ResourceExhaustedError{Resource: "submission rate", RetryAfter: d}
		}
	}
	if g.cfg.MaxPendingRoutes > 0 {
		n, err := g.deps.Queue.Storage().CountPending(ctx, core.LaneRouteGeneration)
		if err != nil {
			return fmt.Errorf("gatekeeper: count pending: %w", err)
		}
		if n >= g.cfg.MaxPendingRoutes {
			return &core.ResourceExhaustedError{Resource: "route queue", RetryAfter: g.cfg.QueueFullRetryAfter}
		}
	}
	return nil
}

// enqueue creates the tracking row and the route job. The tracking id
// doubles as the trace id of everything the request causes.
func (g *Gatekeeper) enqueue(ctx context.Context, req core.RouteRequest, fp, trackingID string) error {
	err := g.deps.Tracker.Start(ctx, &core.Tracking{
		TrackingID:  trackingID,
		Fingerprint: fp,
		TraceID:     trackingID,
	})
	if err != nil {
		return fmt.Errorf("gatekeeper: %w", err)
	}

	jobID, err := g.deps.Queue.Enqueue(ctx, core.KindRouteGeneration,
		core.RouteJob{TrackingID: trackingID, Fingerprint: fp, Request: req},
		queue.Lane(core.LaneRouteGeneration),
		queue.Priority(g.cfg.RoutePriority),
		queue.TraceID(trackingID),
	)
	if err != nil {
		if ferr := g.deps.Tracker.Failed(context.WithoutCancel(ctx), trackingID, core.ErrorCodeInternal); ferr != nil {
			g.logger.Warn("failed to mark request failed", "request_id", trackingID, "error", ferr)
		}
		return fmt.Errorf("gatekeeper: enqueue route job: %w", err)
	}

	g.logger.Debug("route job enqueued", "request_id", trackingID, "job_id", jobID, "fingerprint", fp)
	return nil
}

func (g *Gatekeeper) report(res SubmitResult, err error) {
	var outcome string
	var conflict *core.ConflictError
	var exhausted *core.ResourceExhaustedError
	var invalid *core.ValidationError
	switch {
	case errors.As(err, &conflict):
		outcome = OutcomeConflict
	case errors.As(err, &exhausted):
		outcome = OutcomeThrottled
	case errors.As(err, &invalid):
		outcome = OutcomeInvalid
	case err != nil:
		outcome = OutcomeError
	case res.Replayed:
		outcome = OutcomeReplayed
	case res.Cached:
		outcome = OutcomeCacheHit
	case res.Coalesced:
		outcome = OutcomeCoalesced
	default:
		outcome = OutcomeEnqueued
	}
	g.deps.Observer.Submitted(outcome)
}
