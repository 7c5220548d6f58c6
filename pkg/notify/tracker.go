package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Update is one status report from a worker.
type Update struct {
	Status    core.RequestStatus
	Progress  int
	RouteID   string
	ErrorCode string
	// JobID records the job currently serving the request.
	JobID string
}

// Tracker persists and pushes status updates.
type Tracker struct {
	store    core.TrackingStore
	notifier core.Notifier
	logger   *slog.Logger
	now      func() time.Time

	// stripes serialize updates per tracking id within the process
	stripes [32]sync.Mutex
}

// NewTracker creates a tracker. A nil notifier disables pushes.
func NewTracker(store core.TrackingStore, notifier core.Notifier) *Tracker {
	if notifier == nil {
		notifier = Nop{}
	}
	return &Tracker{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// SetLogger sets the tracker's logger.
func (t *Tracker) SetLogger(l *slog.Logger) {
	t.logger = l
}

func (t *Tracker) lock(trackingID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingID))
	mu := &t.stripes[h.Sum32()%uint32(len(t.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Start records a new request in the queued state and announces it.
func (t *Tracker) Start(ctx context.Context, tr *core.Tracking) error {
	tr.Status = core.RequestQueued
	tr.Progress = 0
	if err := t.store.CreateTracking(ctx, tr); err != nil {
		return fmt.Errorf("notify: create tracking: %w", err)
	}
	t.push(ctx, tr)
	return nil
}

// Notify applies u to the request's status. Changes that break the state
// machine, such as running after succeeded, return core.ErrIllegalTransition.
// A return to queued while the request is already running is absorbed:
// clients never see a retry as a step backwards.
func (t *Tracker) Notify(ctx context.Context, trackingID string, u Update) error {
	unlock := t.lock(trackingID)
	defer unlock()

	tr, err := t.store.GetTracking(ctx, trackingID)
	if err != nil {
		return fmt.Errorf("notify: load tracking %s: %w", trackingID, err)
	}

	if u.Status == core.RequestQueued && tr.Status == core.RequestRunning {
		return nil
	}
	if !core.CanTransition(tr.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, tr.Status, u.Status)
	}

	progress := max(clampProgress(u.Progress), tr.Progress)
	if u.Status == core.RequestSucceeded {
		progress = 100
	}

	tr.Status = u.Status
	tr.Progress = progress
	if u.RouteID != "" {
		tr.RoutePlanID = u.RouteID
	}
	if u.JobID != "" {
		tr.JobID = u.JobID
	}
	if u.Status == core.RequestFailed {
		tr.ErrorCode = u.ErrorCode
		if tr.ErrorCode == "" {
			tr.ErrorCode = core.ErrorCodeInternal
		}
	}
	tr.UpdatedAt = t.now()

	if err := t.store.UpdateTracking(ctx, tr); err != nil {
		return fmt.Errorf("notify: update tracking %s: %w", trackingID, err)
	}
	t.push(ctx, tr)
	return nil
}

// Running reports progress of a running request.
func (t *Tracker) Running(ctx context.Context, trackingID string, progress int) error {
	return t.Notify(ctx, trackingID, Update{Status: core.RequestRunning, Progress: progress})
}

// Succeeded completes a request with its plan.
func (t *Tracker) Succeeded(ctx context.Context, trackingID, routeID string) error {
	return t.Notify(ctx, trackingID, Update{Status: core.RequestSucceeded, Progress: 100, RouteID: routeID})
}

// Failed ends a request with an error code.
func (t *Tracker) Failed(ctx context.Context, trackingID, code string) error {
	return t.Notify(ctx, trackingID, Update{Status: core.RequestFailed, ErrorCode: code})
}

// Get returns the durable status of a request.
func (t *Tracker) Get(ctx context.Context, trackingID string) (*core.Tracking, error) {
	return t.store.GetTracking(ctx, trackingID)
}

func (t *Tracker) push(ctx context.Context, tr *core.Tracking) {
	if err := t.notifier.Push(ctx, tr.Event(t.now())); err != nil {
		t.logger.Warn("status push failed", "request_id", tr.TrackingID, "status", tr.Status, "error", err)
	}
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}
