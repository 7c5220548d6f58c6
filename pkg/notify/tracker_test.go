package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leynos/wildside-sub000/pkg/core"
)

type memTracking struct {
	mu   sync.Mutex
	rows map[string]core.Tracking
}

func newMemTracking() *memTracking {
	return &memTracking{rows: make(map[string]core.Tracking)}
}

func (m *memTracking) CreateTracking(_ context.Context, t *core.Tracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t.TrackingID] = *t
	return nil
}

func (m *memTracking) GetTracking(_ context.Context, id string) (*core.Tracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &t, nil
}

func (m *memTracking) UpdateTracking(_ context.Context, t *core.Tracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[t.TrackingID]; !ok {
		return core.ErrNotFound
	}
	m.rows[t.TrackingID] = *t
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []core.StatusEvent
	err    error
}

func (r *recorder) Push(_ context.Context, ev core.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) statuses() []core.RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RequestStatus, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

func startTracked(t *testing.T) (*Tracker, *memTracking, *recorder) {
	t.Helper()
	store := newMemTracking()
	rec := &recorder{}
	tracker := NewTracker(store, rec)
	require.NoError(t, tracker.Start(context.Background(), &core.Tracking{TrackingID: "T1", Fingerprint: "route:v1:abc"}))
	return tracker, store, rec
}

// ──────────────────────────────────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────────────────────────────────

func TestTracker_HappyPath(t *testing.T) {
	tracker, store, rec := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Running(ctx, "T1", 10))
	require.NoError(t, tracker.Running(ctx, "T1", 80))
	require.NoError(t, tracker.Succeeded(ctx, "T1", "plan-1"))

	assert.Equal(t, []core.RequestStatus{
		core.RequestQueued, core.RequestRunning, core.RequestRunning, core.RequestSucceeded,
	}, rec.statuses())

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, core.StatusEventType, last.Type)
	assert.Equal(t, "plan-1", last.RouteID)
	assert.Equal(t, 100, last.Progress)

	row, err := store.GetTracking(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, core.RequestSucceeded, row.Status)
	assert.Equal(t, "plan-1", row.RoutePlanID)
}

func TestTracker_ProgressNeverDecreases(t *testing.T) {
	tracker, _, rec := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Running(ctx, "T1", 80))
	require.NoError(t, tracker.Running(ctx, "T1", 10))
	require.NoError(t, tracker.Running(ctx, "T1", 250))

	var progress []int
	for _, ev := range rec.events {
		progress = append(progress, ev.Progress)
	}
	assert.Equal(t, []int{0, 80, 80, 100}, progress)
}

func TestTracker_FailedCarriesCode(t *testing.T) {
	tracker, store, rec := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Running(ctx, "T1", 10))
	require.NoError(t, tracker.Failed(ctx, "T1", core.ErrorCodeNoCandidates))

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, core.RequestFailed, last.Status)
	assert.Equal(t, core.ErrorCodeNoCandidates, last.Error)

	row, _ := store.GetTracking(ctx, "T1")
	assert.Equal(t, core.ErrorCodeNoCandidates, row.ErrorCode)
}

func TestTracker_FailedDefaultsToInternalError(t *testing.T) {
	tracker, _, rec := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Running(ctx, "T1", 10))
	require.NoError(t, tracker.Failed(ctx, "T1", ""))

	assert.Equal(t, core.ErrorCodeInternal, rec.events[len(rec.events)-1].Error)
}

func TestTracker_RejectsIllegalTransitions(t *testing.T) {
	tracker, _, _ := startTracked(t)
	ctx := context.Background()

	err := tracker.Succeeded(ctx, "T1", "plan-1")
	assert.ErrorIs(t, err, core.ErrIllegalTransition, "queued cannot jump to succeeded")

	require.NoError(t, tracker.Running(ctx, "T1", 10))
	require.NoError(t, tracker.Succeeded(ctx, "T1", "plan-1"))

	err = tracker.Running(ctx, "T1", 10)
	assert.ErrorIs(t, err, core.ErrIllegalTransition)
	err = tracker.Failed(ctx, "T1", core.ErrorCodeTimeout)
	assert.ErrorIs(t, err, core.ErrIllegalTransition)
}

func TestTracker_RequeueWhileRunningIsSilent(t *testing.T) {
	tracker, store, rec := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Running(ctx, "T1", 30))
	require.NoError(t, tracker.Notify(ctx, "T1", Update{Status: core.RequestQueued}))

	assert.Len(t, rec.events, 2)
	row, _ := store.GetTracking(ctx, "T1")
	assert.Equal(t, core.RequestRunning, row.Status)
	assert.Equal(t, 30, row.Progress)
}

func TestTracker_RedeliveredRunningAllowed(t *testing.T) {
	tracker, _, _ := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Running(ctx, "T1", 30))
	assert.NoError(t, tracker.Running(ctx, "T1", 10))
}

func TestTracker_UnknownRequest(t *testing.T) {
	tracker := NewTracker(newMemTracking(), nil)

	err := tracker.Running(context.Background(), "nope", 10)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTracker_PushFailureIsNotAnError(t *testing.T) {
	store := newMemTracking()
	rec := &recorder{err: errors.New("no route to redis")}
	tracker := NewTracker(store, rec)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, &core.Tracking{TrackingID: "T2"}))
	require.NoError(t, tracker.Running(ctx, "T2", 10))

	row, err := tracker.Get(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, core.RequestRunning, row.Status)
}

func TestTracker_ConcurrentProgressIsMonotonic(t *testing.T) {
	tracker, _, rec := startTracked(t)
	ctx := context.Background()
	require.NoError(t, tracker.Running(ctx, "T1", 1))

	var wg sync.WaitGroup
	for p := 2; p <= 50; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracker.Running(ctx, "T1", p)
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.events); i++ {
		assert.GreaterOrEqual(t, rec.events[i].Progress, rec.events[i-1].Progress)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Fan-out
// ──────────────────────────────────────────────────────────────────────────────

func TestMulti_PushesToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}

	err := Multi{ok, bad, Nop{}}.Push(context.Background(), core.StatusEvent{RequestID: "T1"})

	assert.EqualError(t, err, "down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestTracker_RecordsJobID(t *testing.T) {
	tracker, store, _ := startTracked(t)
	ctx := context.Background()

	require.NoError(t, tracker.Notify(ctx, "T1", Update{Status: core.RequestRunning, Progress: 10, JobID: "job-1"}))
	require.NoError(t, tracker.Running(ctx, "T1", 30))

	row, err := store.GetTracking(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", row.JobID, "later updates keep the job id")
}
