package routeworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/leynos/wildside-sub000/pkg/cache"
	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/enrichment"
	"github.com/leynos/wildside-sub000/pkg/fingerprint"
	"github.com/leynos/wildside-sub000/pkg/notify"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/schedule"
	"github.com/leynos/wildside-sub000/pkg/scoring"
	"github.com/leynos/wildside-sub000/pkg/storage"
	"github.com/leynos/wildside-sub000/pkg/worker"
)

var royalMile = core.Coordinate{Lat: 55.9500, Lng: -3.1900}

type solves struct {
	mu    sync.Mutex
	calls int
	stops int
}

func (s *solves) Solved(_ time.Duration, _ bool, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.stops = stops
}

type fixture struct {
	store   *storage.GormStorage
	cache   *cache.Memory
	tracker *notify.Tracker
	queue   *queue.Queue
	handler *Handler
	solved  *solves
}

func newFixture(t *testing.T, withTrigger bool) *fixture {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))

	q := queue.New(store)
	q.Declare(core.KindEnrichment, queue.Lane(core.LaneEnrichment))

	f := &fixture{
		store:   store,
		cache:   cache.NewMemory(100),
		tracker: notify.NewTracker(store, nil),
		queue:   q,
		solved:  &solves{},
	}
	deps := Deps{
		Scorer:   scoring.New(store, scoring.DefaultConfig()),
		Plans:    store,
		Cache:    f.cache,
		Inflight: store,
		Tracker:  f.tracker,
		Observer: f.solved,
	}
	if withTrigger {
		deps.Trigger = enrichment.NewTrigger(store, q, time.Minute)
	}
	cfg := DefaultConfig()
	cfg.SolveTime = 500 * time.Millisecond
	f.handler = New(deps, cfg)
	return f
}

// seed stores n history POIs within a few hundred meters of the start.
func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		poi := &core.POI{
			SourceID:   fmt.Sprintf("node/%d", 1000+i),
			Name:       fmt.Sprintf("Close %d", i),
			Lat:        royalMile.Lat + float64(i%4)*0.001,
			Lng:        royalMile.Lng + float64(i/4)*0.0015,
			Tags:       datatypes.NewJSONType(map[string]string{"historic": "monument"}),
			Popularity: 0.5,
			Themes:     datatypes.JSONSlice[string]([]string{"history"}),
		}
		require.NoError(t, f.store.UpsertPOI(context.Background(), poi))
	}
}

func historyWalk() core.RouteRequest {
	return core.RouteRequest{
		Start:           royalMile,
		DurationMinutes: 45,
		Themes:          []core.ThemeWeight{{ThemeID: "history", Weight: 1}},
		PopularityBias:  0.5,
	}
}

// submit records a queued request and claims its in-flight marker, the
// way admission does before enqueueing.
func (f *fixture) submit(t *testing.T, req core.RouteRequest) core.RouteJob {
	t.Helper()
	ctx := context.Background()
	fp, err := fingerprint.CacheKey(req)
	require.NoError(t, err)

	job := core.RouteJob{TrackingID: uuid.New().String(), Fingerprint: fp, Request: req}
	require.NoError(t, f.tracker.Start(ctx, &core.Tracking{TrackingID: job.TrackingID, Fingerprint: fp}))
	_, claimed, err := f.store.Claim(ctx, &core.InflightMarker{
		Fingerprint: fp,
		TrackingID:  job.TrackingID,
		ExpiresAt:   time.Now().Add(time.Minute),
	}, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	return job
}

func (f *fixture) tracking(t *testing.T, id string) *core.Tracking {
	t.Helper()
	tr, err := f.tracker.Get(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (f *fixture) markerHeld(t *testing.T, fp string) bool {
	t.Helper()
	m, err := f.store.Active(context.Background(), fp, time.Now())
	require.NoError(t, err)
	return m != nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Handle
// ──────────────────────────────────────────────────────────────────────────────

func TestHandle_SolvesSavesAndCaches(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, 12)
	job := f.submit(t, historyWalk())
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, job))

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestSucceeded, tr.Status)
	assert.Equal(t, 100, tr.Progress)
	require.NotEmpty(t, tr.RoutePlanID)

	plan, err := f.store.FindPlan(ctx, job.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, tr.RoutePlanID, plan.ID)
	assert.Equal(t, job.TrackingID, plan.TrackingID)
	assert.NotEmpty(t, plan.Stops)
	path, err := plan.LineString()
	require.NoError(t, err)
	assert.Len(t, path, len(plan.Stops)+2)
	assert.LessOrEqual(t, plan.TotalMinutes, float64(job.Request.DurationMinutes)+core.PlanTolerance.Minutes())
	require.NotNil(t, plan.ExpiresAt)
	assert.True(t, plan.ExpiresAt.After(time.Now().Add(6*24*time.Hour)))

	cached, ok, err := f.cache.Get(ctx, job.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, plan.ID, cached)

	assert.False(t, f.markerHeld(t, job.Fingerprint), "marker released")
	assert.Equal(t, 1, f.solved.calls)
	assert.Equal(t, len(plan.Stops), f.solved.stops)
}

func TestHandle_NoCandidatesFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, false)
	job := f.submit(t, historyWalk())

	err := f.handler.Handle(context.Background(), job)
	require.Error(t, err)

	var nr *core.NoRetryError
	assert.True(t, errors.As(err, &nr))
	var nc *core.NoCandidatesError
	require.True(t, errors.As(err, &nc))
	assert.Greater(t, nc.RadiusMeters, 0.0)

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestFailed, tr.Status)
	assert.Equal(t, core.ErrorCodeNoCandidates, tr.ErrorCode)
	assert.False(t, f.markerHeld(t, job.Fingerprint))
	assert.Zero(t, f.solved.calls)
}

func TestHandle_RedeliveryReusesSavedPlan(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, 12)
	job := f.submit(t, historyWalk())
	ctx := context.Background()

	saved := &core.RoutePlan{
		Fingerprint: job.Fingerprint,
		TrackingID:  job.TrackingID,
		Stops:       datatypes.JSONSlice[core.Stop]([]core.Stop{{Position: 0, POIID: "p1"}}),
	}
	require.NoError(t, f.store.SavePlan(ctx, saved))

	require.NoError(t, f.handler.Handle(ctx, job))

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestSucceeded, tr.Status)
	assert.Equal(t, saved.ID, tr.RoutePlanID)
	assert.Zero(t, f.solved.calls, "a saved plan is not solved again")

	cached, ok, err := f.cache.Get(ctx, job.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, saved.ID, cached)
}

func TestHandle_SettledRequestWithPlanIsSkipped(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, 12)
	job := f.submit(t, historyWalk())
	ctx := context.Background()
	require.NoError(t, f.store.SavePlan(ctx, &core.RoutePlan{Fingerprint: job.Fingerprint, TrackingID: job.TrackingID}))
	require.NoError(t, f.tracker.Failed(ctx, job.TrackingID, core.ErrorCodeTimeout))

	require.NoError(t, f.handler.Handle(ctx, job))

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestFailed, tr.Status)
	assert.Zero(t, f.solved.calls)
}

func TestHandle_SettledRequestStillSavesPlan(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, 12)
	job := f.submit(t, historyWalk())
	ctx := context.Background()
	require.NoError(t, f.tracker.Failed(ctx, job.TrackingID, core.ErrorCodeInternal))

	require.NoError(t, f.handler.Handle(ctx, job))

	plan, err := f.store.FindPlan(ctx, job.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, 1, f.solved.calls)

	cached, ok, err := f.cache.Get(ctx, job.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, plan.ID, cached)

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestFailed, tr.Status, "an ended request keeps its reported status")
	assert.Equal(t, core.ErrorCodeInternal, tr.ErrorCode)
	assert.False(t, f.markerHeld(t, job.Fingerprint))
}

func TestHandle_SparseAreaTriggersEnrichment(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, 4)
	job := f.submit(t, historyWalk())

	require.NoError(t, f.handler.Handle(context.Background(), job))

	jobs, err := f.store.GetJobsByStatus(context.Background(), core.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.KindEnrichment, jobs[0].Type)
	assert.Equal(t, job.TrackingID, jobs[0].TraceID)

	var req core.EnrichmentRequest
	require.NoError(t, json.Unmarshal(jobs[0].Args, &req))
	assert.Equal(t, []string{"history"}, req.Themes)

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestSucceeded, tr.Status, "enrichment never holds up the route")
}

func TestHandle_DenseAreaDoesNotTrigger(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, 12)
	job := f.submit(t, historyWalk())

	require.NoError(t, f.handler.Handle(context.Background(), job))

	n, err := f.store.CountPending(context.Background(), core.LaneEnrichment)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandle_StopsWhenCanceled(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, 12)
	job := f.submit(t, historyWalk())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.tracker.Running(ctx, job.TrackingID, 5))
	cancel()

	err := f.handler.Handle(ctx, job)
	require.Error(t, err)

	plan, ferr := f.store.FindPlan(context.Background(), job.Fingerprint)
	require.NoError(t, ferr)
	assert.Nil(t, plan)
}

// ──────────────────────────────────────────────────────────────────────────────
// Deadline
// ──────────────────────────────────────────────────────────────────────────────

func TestDeadline(t *testing.T) {
	h := New(Deps{}, Config{SolveTime: 20 * time.Second, CommitMargin: 5 * time.Second})
	now := time.Now()

	assert.Equal(t, now.Add(20*time.Second), h.deadline(context.Background(), now))

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(10*time.Second))
	defer cancel()
	assert.Equal(t, now.Add(5*time.Second), h.deadline(ctx, now), "leaves the commit margin")

	roomy, cancel2 := context.WithDeadline(context.Background(), now.Add(time.Minute))
	defer cancel2()
	assert.Equal(t, now.Add(20*time.Second), h.deadline(roomy, now))
}

// ──────────────────────────────────────────────────────────────────────────────
// Through the queue
// ──────────────────────────────────────────────────────────────────────────────

func runWorker(t *testing.T, q *queue.Queue, cond func() bool) {
	t.Helper()
	w := worker.NewWorker(q,
		worker.PollInterval(5*time.Millisecond),
		worker.Backoff(time.Millisecond, 5*time.Millisecond),
		worker.WorkerID("route-test"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestRegister_RunsQueuedJob(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, 12)
	f.handler.Register(f.queue)

	h, ok := f.queue.GetHandler(core.KindRouteGeneration)
	require.True(t, ok)
	assert.Equal(t, core.LaneRouteGeneration, h.Settings.Lane)
	assert.Equal(t, 3, h.Settings.MaxAttempts)
	assert.Equal(t, time.Minute, h.Settings.Timeout)

	job := f.submit(t, historyWalk())
	jobID, err := f.queue.Enqueue(context.Background(), core.KindRouteGeneration, job,
		queue.TraceID(job.TrackingID))
	require.NoError(t, err)

	runWorker(t, f.queue, func() bool {
		return f.tracking(t, job.TrackingID).Status == core.RequestSucceeded
	})
	assert.Equal(t, jobID, f.tracking(t, job.TrackingID).JobID)
}

func TestRegister_ExhaustedJobFailsRequest(t *testing.T) {
	f := newFixture(t, false)
	f.handler.Register(f.queue)
	f.seed(t, 12)

	job := f.submit(t, historyWalk())
	// A plan store that always fails makes every attempt error out.
	f.handler.deps.Plans = brokenPlans{}

	id, err := f.queue.Enqueue(context.Background(), core.KindRouteGeneration, job, queue.MaxAttempts(2))
	require.NoError(t, err)

	runWorker(t, f.queue, func() bool {
		stored, err := f.store.GetJob(context.Background(), id)
		return err == nil && stored.Status == core.StatusDeadLettered
	})

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestFailed, tr.Status)
	assert.Equal(t, core.ErrorCodeInternal, tr.ErrorCode)
	assert.False(t, f.markerHeld(t, job.Fingerprint))
}

func TestRegister_RequeuedDeadLetterComputesPlan(t *testing.T) {
	f := newFixture(t, false)
	f.handler.Register(f.queue)
	f.seed(t, 12)
	ctx := context.Background()

	job := f.submit(t, historyWalk())
	f.handler.deps.Plans = brokenPlans{}

	id, err := f.queue.Enqueue(ctx, core.KindRouteGeneration, job, queue.MaxAttempts(1))
	require.NoError(t, err)
	runWorker(t, f.queue, func() bool {
		stored, err := f.store.GetJob(ctx, id)
		return err == nil && stored.Status == core.StatusDeadLettered
	})
	require.Equal(t, core.RequestFailed, f.tracking(t, job.TrackingID).Status)

	// The operator fixes the database and requeues the dead letter.
	f.handler.deps.Plans = f.store
	require.NoError(t, f.queue.Requeue(ctx, id))

	runWorker(t, f.queue, func() bool {
		stored, err := f.store.GetJob(ctx, id)
		return err == nil && stored.Status == core.StatusCompleted
	})

	plan, err := f.store.FindPlan(ctx, job.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, plan, "the requeued job computes the plan")

	cached, ok, err := f.cache.Get(ctx, job.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, plan.ID, cached)
}

func TestReapStale_FailsRequestOfCrashedWorker(t *testing.T) {
	f := newFixture(t, false)
	f.handler.Register(f.queue)
	f.seed(t, 12)
	ctx := context.Background()

	job := f.submit(t, historyWalk())
	id, err := f.queue.Enqueue(ctx, core.KindRouteGeneration, job, queue.MaxAttempts(1))
	require.NoError(t, err)

	// A worker leases the job, reports progress and dies.
	leased, err := f.store.Lease(ctx, []string{core.LaneRouteGeneration}, "crashed", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, f.tracker.Running(ctx, job.TrackingID, ProgressStarted))
	require.NoError(t, f.store.DB().Model(&core.Job{}).Where("id = ?", id).
		Update("locked_until", time.Now().Add(-time.Minute)).Error)

	tasks, err := schedule.Maintenance(schedule.DefaultMaintenanceConfig(), f.queue, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, tasks[0].Run(ctx))

	stored, err := f.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDeadLettered, stored.Status)

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestFailed, tr.Status)
	assert.Equal(t, core.ErrorCodeInternal, tr.ErrorCode)
	assert.False(t, f.markerHeld(t, job.Fingerprint))
}

// blockingPOIs holds every candidate query until its context ends.
type blockingPOIs struct {
	core.POIStore
	once    sync.Once
	started chan struct{}
}

func (b *blockingPOIs) QueryBBox(ctx context.Context, _ core.BBox, _ int) ([]core.POI, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRegister_ShutdownLeavesRequestRunning(t *testing.T) {
	f := newFixture(t, false)
	f.handler.Register(f.queue)
	ctx := context.Background()

	pois := &blockingPOIs{POIStore: f.store, started: make(chan struct{})}
	f.handler.deps.Scorer = scoring.New(pois, scoring.DefaultConfig())

	job := f.submit(t, historyWalk())
	id, err := f.queue.Enqueue(ctx, core.KindRouteGeneration, job, queue.MaxAttempts(1))
	require.NoError(t, err)

	w := worker.NewWorker(f.queue, worker.PollInterval(5*time.Millisecond), worker.WorkerID("route-test"))
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Start(workerCtx)
		close(done)
	}()

	select {
	case <-pois.started:
	case <-time.After(5 * time.Second):
		t.Fatal("route job never queried candidates")
	}
	cancel()
	<-done

	stored, err := f.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempt)

	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestRunning, tr.Status)
	assert.Empty(t, tr.ErrorCode)
	assert.True(t, f.markerHeld(t, job.Fingerprint), "the request still has a job coming")
}

func TestOnJobFail_IgnoresOtherKinds(t *testing.T) {
	f := newFixture(t, false)
	job := f.submit(t, historyWalk())
	args, err := json.Marshal(job)
	require.NoError(t, err)

	f.handler.onJobFail(context.Background(), &core.Job{Type: core.KindEnrichment, Args: args}, errors.New("boom"))
	assert.Equal(t, core.RequestQueued, f.tracking(t, job.TrackingID).Status)

	f.handler.onJobFail(context.Background(), &core.Job{Type: core.KindRouteGeneration, Args: args}, context.DeadlineExceeded)
	tr := f.tracking(t, job.TrackingID)
	assert.Equal(t, core.RequestFailed, tr.Status)
	assert.Equal(t, core.ErrorCodeTimeout, tr.ErrorCode)
}

type brokenPlans struct{}

func (brokenPlans) SavePlan(context.Context, *core.RoutePlan) error {
	return errors.New("database is locked")
}

func (brokenPlans) FindPlan(context.Context, string) (*core.RoutePlan, error) { return nil, nil }

func (brokenPlans) GetPlan(context.Context, string) (*core.RoutePlan, error) {
	return nil, core.ErrNotFound
}
