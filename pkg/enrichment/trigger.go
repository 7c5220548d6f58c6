package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/fingerprint"
	"github.com/leynos/wildside-sub000/pkg/queue"
)

// DefaultCooldown is how long a (bbox, themes) pair stays claimed after an
// enrichment job was enqueued for it.
const DefaultCooldown = 15 * time.Minute

// Enqueuer is the part of the queue the trigger needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args any, opts ...queue.Option) (string, error)
}

// Trigger enqueues enrichment jobs for sparse candidate sets.
type Trigger struct {
	markers  core.EnrichmentMarkerStore
	queue    Enqueuer
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewTrigger creates a trigger. A non-positive cooldown uses
// DefaultCooldown.
func NewTrigger(markers core.EnrichmentMarkerStore, q Enqueuer, cooldown time.Duration) *Trigger {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Trigger{
		markers:  markers,
		queue:    q,
		cooldown: cooldown,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// SetLogger replaces the trigger's logger.
func (t *Trigger) SetLogger(l *slog.Logger) {
	if l != nil {
		t.logger = l
	}
}

// DedupKey identifies an enrichment request by its box, rounded to three
// decimals, and its sorted themes.
func DedupKey(bbox core.BBox, themes []string) string {
	sorted := append([]string(nil), themes...)
	sort.Strings(sorted)

	parts := make([]string, 0, len(bbox)+len(sorted))
	for _, v := range bbox {
		r := math.Round(v*1000) / 1000
		if r == 0 {
			r = 0 // no "-0.000"
		}
		parts = append(parts, fmt.Sprintf("%.3f", r))
	}
	return fingerprint.Digest(append(parts, sorted...)...)
}

// MaybeTrigger enqueues an enrichment job when stats report sparse themes
// and no cool-down is running for the same box and themes. It returns the
// enqueued request, or nil when nothing was enqueued.
func (t *Trigger) MaybeTrigger(ctx context.Context, stats core.CandidateStats, bbox core.BBox, traceID string) (*core.EnrichmentRequest, error) {
	if !stats.Sparse() {
		return nil, nil
	}
	if err := bbox.Validate(); err != nil {
		return nil, fmt.Errorf("enrichment trigger: %w", err)
	}

	req := &core.EnrichmentRequest{
		BBox:    bbox,
		Themes:  append([]string(nil), stats.SparseThemes...),
		TraceID: traceID,
	}
	sort.Strings(req.Themes)
	req.DedupKey = DedupKey(bbox, req.Themes)

	claimed, err := t.markers.ClaimMarker(ctx, req.DedupKey, t.cooldown, t.now())
	if err != nil {
		return nil, fmt.Errorf("enrichment trigger: claim marker: %w", err)
	}
	if !claimed {
		t.logger.Debug("enrichment cool-down active", "dedup_key", req.DedupKey)
		return nil, nil
	}

	opts := []queue.Option{
		queue.Lane(core.LaneEnrichment),
		queue.Unique(req.DedupKey),
	}
	if traceID != "" {
		opts = append(opts, queue.TraceID(traceID))
	}
	jobID, err := t.queue.Enqueue(ctx, core.KindEnrichment, req, opts...)
	if errors.Is(err, core.ErrDuplicateJob) {
		return nil, nil
	}
	if err != nil {
		if rerr := t.markers.ReleaseMarker(context.WithoutCancel(ctx), req.DedupKey); rerr != nil {
			t.logger.Warn("failed to release enrichment marker", "dedup_key", req.DedupKey, "error", rerr)
		}
		return nil, fmt.Errorf("enrichment trigger: enqueue: %w", err)
	}

	t.logger.Info("enrichment enqueued",
		"job_id", jobID, "themes", req.Themes, "dedup_key", req.DedupKey, "trace_id", traceID)
	return req, nil
}
