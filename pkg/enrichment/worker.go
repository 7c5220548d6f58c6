package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/jobctx"
	"github.com/leynos/wildside-sub000/pkg/queue"
)

// Config tunes the enrichment worker.
type Config struct {
	// MaxConcurrentCalls bounds in-flight source calls across all jobs.
	MaxConcurrentCalls int64 `yaml:"max_concurrent_calls"`

	// RequestsPerSecond and Burst pace source calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// CallTimeout bounds one source call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	DailyRequests      int64 `yaml:"daily_requests"`
	DailyTransferBytes int64 `yaml:"daily_transfer_bytes"`

	FailureThreshold int           `yaml:"failure_threshold"`
	OpenCooldown     time.Duration `yaml:"open_cooldown"`

	// MaxAttempts and JobTimeout are the enrichment job's queue settings.
	MaxAttempts int           `yaml:"max_attempts"`
	JobTimeout  time.Duration `yaml:"job_timeout"`

	Themes ThemeTags `yaml:"themes"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentCalls: 2,
		RequestsPerSecond:  1,
		Burst:              1,
		CallTimeout:        3 * time.Minute,
		DailyRequests:      10_000,
		DailyTransferBytes: 1 << 30,
		FailureThreshold:   3,
		OpenCooldown:       30 * time.Second,
		MaxAttempts:        3,
		JobTimeout:         5 * time.Minute,
		Themes:             DefaultThemeTags(),
	}
}

// Observer receives enrichment outcomes. Implementations must not block.
type Observer interface {
	EnrichmentSucceeded(pois int, bytes int64)
	EnrichmentFailed(kind string)
	BreakerChanged(state BreakerState)
}

// Failure kinds reported to the Observer besides core.ExternalFailureKind.
const (
	FailurePersistence = "persistence"
	FailureCanceled    = "canceled"
)

type nopObserver struct{}

func (nopObserver) EnrichmentSucceeded(int, int64) {}
func (nopObserver) EnrichmentFailed(string)        {}
func (nopObserver) BreakerChanged(BreakerState)    {}

// Worker runs enrichment requests against the source.
type Worker struct {
	source     core.EnrichmentSource
	pois       core.POIStore
	provenance core.ProvenanceStore
	cfg        Config
	policy     *Policy
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// NewWorker creates a worker. A nil observer discards outcomes.
func NewWorker(source core.EnrichmentSource, pois core.POIStore, provenance core.ProvenanceStore, cfg Config, observer Observer) *Worker {
	def := DefaultConfig()
	if cfg.MaxConcurrentCalls < 1 {
		cfg.MaxConcurrentCalls = def.MaxConcurrentCalls
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst < 1 {
		cfg.Burst = def.Burst
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Themes == nil {
		cfg.Themes = def.Themes
	}
	if observer == nil {
		observer = nopObserver{}
	}

	policy := NewPolicy(
		DailyQuota{MaxRequests: cfg.DailyRequests, MaxBytes: cfg.DailyTransferBytes},
		CircuitBreaker{Threshold: cfg.FailureThreshold, Cooldown: cfg.OpenCooldown},
	)
	policy.OnBreakerChange(observer.BreakerChanged)

	return &Worker{
		source:     source,
		pois:       pois,
		provenance: provenance,
		cfg:        cfg,
		policy:     policy,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		observer:   observer,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetLogger replaces the worker's logger.
func (w *Worker) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

// Policy exposes the quota and breaker state.
func (w *Worker) Policy() *Policy {
	return w.policy
}

// Register installs Handle as the enrichment job handler.
func (w *Worker) Register(q *queue.Queue) {
	opts := []queue.Option{queue.Lane(core.LaneEnrichment)}
	if w.cfg.MaxAttempts > 0 {
		opts = append(opts, queue.MaxAttempts(w.cfg.MaxAttempts))
	}
	if w.cfg.JobTimeout > 0 {
		opts = append(opts, queue.Timeout(w.cfg.JobTimeout))
	}
	q.Register(core.KindEnrichment, w.Handle, opts...)
}

// Handle is the enrichment job handler. It classifies Run's error for the
// queue: denials carry their own retry delay, rejected requests are not
// retried, everything else follows the queue's backoff.
func (w *Worker) Handle(ctx context.Context, req core.EnrichmentRequest) error {
	logger := jobctx.Logger(ctx).With("dedup_key", req.DedupKey)
	if req.TraceID != "" {
		logger = logger.With("trace_id", req.TraceID)
	}

	n, err := w.Run(ctx, req)
	if err == nil {
		logger.Info("enrichment finished", "pois", n, "themes", req.Themes)
		return nil
	}

	var ext *core.ExternalServiceError
	var retry *core.RetryAfterError
	switch {
	case errors.As(err, &retry):
		logger.Warn("enrichment deferred", "retry_after", retry.Delay, "error", err)
		return err
	case errors.As(err, &ext) && !ext.Retryable():
		logger.Warn("enrichment rejected", "error", err)
		return core.NoRetry(err)
	}
	logger.Warn("enrichment attempt failed", "attempt", jobctx.AttemptFromContext(ctx), "error", err)
	return err
}

// Run performs one enrichment request and returns the number of POIs
// written. Source results are applied only when the whole call succeeded.
func (w *Worker) Run(ctx context.Context, req core.EnrichmentRequest) (int, error) {
	selectors := w.cfg.Themes.Selectors(req.Themes)
	if len(selectors) == 0 {
		w.observer.EnrichmentFailed(string(core.ExternalInvalidRequest))
		return 0, &core.ExternalServiceError{
			Kind:    core.ExternalInvalidRequest,
			Message: fmt.Sprintf("no tag mapping for themes %v", req.Themes),
		}
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer w.sem.Release(1)

	if err := w.policy.Admit(w.now()); err != nil {
		var ext *core.ExternalServiceError
		if errors.As(err, &ext) {
			w.observer.EnrichmentFailed(string(ext.Kind))
		}
		return 0, err
	}
	if err := w.limiter.Wait(ctx); err != nil {
		w.policy.Abort()
		w.observer.EnrichmentFailed(FailureCanceled)
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	res, err := w.source.Fetch(callCtx, req.BBox, selectors)
	cancel()
	if err != nil {
		w.policy.Failure(w.now())
		w.observer.EnrichmentFailed(failureKind(err))
		return 0, err
	}
	w.policy.Success(w.now(), res.Bytes)

	n, err := w.persist(ctx, req, res)
	if err != nil {
		w.observer.EnrichmentFailed(FailurePersistence)
		return n, err
	}
	w.observer.EnrichmentSucceeded(n, res.Bytes)
	return n, nil
}

func (w *Worker) persist(ctx context.Context, req core.EnrichmentRequest, res *core.SourceResult) (int, error) {
	n := 0
	for _, raw := range res.POIs {
		if raw.SourceID == "" {
			continue
		}
		if err := w.pois.UpsertPOI(ctx, w.cfg.Themes.ToPOI(raw)); err != nil {
			return n, &core.PersistenceError{Op: "upsert poi", Err: err}
		}
		n++
	}

	rec := &core.EnrichmentProvenance{
		SourceURL:   res.SourceURL,
		ImportedAt:  w.now().UTC(),
		MinLng:      req.BBox[0],
		MinLat:      req.BBox[1],
		MaxLng:      req.BBox[2],
		MaxLat:      req.BBox[3],
		Themes:      req.Themes,
		UpsertCount: n,
		TraceID:     req.TraceID,
	}
	if err := w.provenance.RecordProvenance(ctx, rec); err != nil {
		return n, &core.PersistenceError{Op: "record provenance", Err: err}
	}
	return n, nil
}

func failureKind(err error) string {
	var ext *core.ExternalServiceError
	if errors.As(err, &ext) {
		return string(ext.Kind)
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	return string(core.ExternalTransport)
}
