package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/jobctx"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/storage"
)

type testArgs struct {
	N int `json:"n"`
}

func newTestQueue(t *testing.T) (*queue.Queue, *storage.GormStorage) {
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
	return queue.New(store), store
}

func fastWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	base := []WorkerOption{
		PollInterval(5 * time.Millisecond),
		Backoff(time.Millisecond, 5*time.Millisecond),
		WorkerID("test-worker"),
	}
	return NewWorker(q, append(base, opts...)...)
}

// runUntil starts w and stops it once cond holds or the deadline passes.
func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
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

func jobStatus(t *testing.T, store *storage.GormStorage, id string) core.JobStatus {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

// ──────────────────────────────────────────────────────────────────────────────
// Configuration
// ──────────────────────────────────────────────────────────────────────────────

func TestNewWorker_Defaults(t *testing.T) {
	q, _ := newTestQueue(t)

	w := NewWorker(q)

	assert.Equal(t, DefaultLanes(), w.config.Lanes)
	assert.Equal(t, 4, w.config.Concurrency)
	assert.Equal(t, 100*time.Millisecond, w.config.PollInterval)
	assert.NotEmpty(t, w.config.WorkerID)
	assert.Equal(t, storage.DefaultLease, w.config.LeaseDuration)
	assert.Equal(t, storage.DefaultLease/3, w.config.HeartbeatInterval)
	assert.Equal(t, DefaultBackoff(), w.config.Backoff)
	require.NotNil(t, w.config.StorageRetry)
	require.NotNil(t, w.config.LeaseRetry)
	assert.Equal(t, 5, w.config.StorageRetry.MaxAttempts)
	assert.Equal(t, 3, w.config.LeaseRetry.MaxAttempts)
}

func TestDefaultLanes(t *testing.T) {
	lanes := DefaultLanes()

	assert.Equal(t, 4, lanes[core.LaneRouteGeneration])
	assert.Equal(t, 1, lanes[core.LaneEnrichment])
}

func TestConcurrency_Clamped(t *testing.T) {
	config := WorkerConfig{}

	Concurrency(5000).ApplyWorker(&config)
	assert.Equal(t, 1000, config.Concurrency)

	Concurrency(0).ApplyWorker(&config)
	assert.Equal(t, 1, config.Concurrency)
}

func TestWorkerLane_AddsLane(t *testing.T) {
	config := WorkerConfig{}

	WorkerLane("bulk", 0).ApplyWorker(&config)
	WorkerLane("fast", 3).ApplyWorker(&config)

	assert.Equal(t, map[string]int{"bulk": 1, "fast": 3}, config.Lanes)
}

func TestLease_DerivesHeartbeat(t *testing.T) {
	config := WorkerConfig{}

	Lease(90 * time.Second).ApplyWorker(&config)

	assert.Equal(t, 90*time.Second, config.LeaseDuration)
	assert.Equal(t, 30*time.Second, config.HeartbeatInterval)
}

func TestPollInterval_IgnoresNonPositive(t *testing.T) {
	config := WorkerConfig{PollInterval: time.Second}

	PollInterval(0).ApplyWorker(&config)

	assert.Equal(t, time.Second, config.PollInterval)
}

func TestWorkerOptionFunc_ImplementsInterface(t *testing.T) {
	var _ WorkerOption = workerOptionFunc(nil)
}

// ──────────────────────────────────────────────────────────────────────────────
// Lane scheduling
// ──────────────────────────────────────────────────────────────────────────────

func TestLaneCycle_WeightedOrder(t *testing.T) {
	cycle := laneCycle(DefaultLanes())

	assert.Equal(t, []string{
		core.LaneRouteGeneration, core.LaneRouteGeneration,
		core.LaneRouteGeneration, core.LaneRouteGeneration,
		core.LaneEnrichment,
	}, cycle)
}

func TestLaneOrder_FallsBackToOtherLanes(t *testing.T) {
	q, _ := newTestQueue(t)
	w := NewWorker(q)

	var preferred []string
	for range 5 {
		order := w.laneOrder()
		require.Len(t, order, 2)
		assert.NotEqual(t, order[0], order[1])
		preferred = append(preferred, order[0])
	}

	assert.Equal(t, laneCycle(DefaultLanes()), preferred)
}

func TestWorker_EnrichmentNotStarvedByRouteBacklog(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	var enrichmentDone atomic.Bool
	q.Register(core.KindRouteGeneration, func(ctx context.Context, a testArgs) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}, queue.Lane(core.LaneRouteGeneration))
	q.Register(core.KindEnrichment, func(ctx context.Context, a testArgs) error {
		enrichmentDone.Store(true)
		return nil
	}, queue.Lane(core.LaneEnrichment))

	for i := range 40 {
		_, err := q.Enqueue(ctx, core.KindRouteGeneration, testArgs{N: i})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, core.KindEnrichment, testArgs{})
	require.NoError(t, err)

	w := fastWorker(q, Concurrency(1))
	runUntil(t, w, enrichmentDone.Load)

	pending, err := store.CountPending(ctx, core.LaneRouteGeneration)
	require.NoError(t, err)
	assert.Greater(t, pending, int64(0), "enrichment should run before the route backlog drains")
}

// ──────────────────────────────────────────────────────────────────────────────
// Processing
// ──────────────────────────────────────────────────────────────────────────────

func TestWorker_CompletesJob(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	var got atomic.Int32
	var sawJobID atomic.Bool
	q.Register("test.ok", func(ctx context.Context, a testArgs) error {
		got.Store(int32(a.N))
		sawJobID.Store(jobctx.JobIDFromContext(ctx) != "")
		return nil
	})
	var completed atomic.Int32
	q.OnJobComplete(func(context.Context, *core.Job) { completed.Add(1) })

	id, err := q.Enqueue(ctx, "test.ok", testArgs{N: 7})
	require.NoError(t, err)

	w := fastWorker(q)
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusCompleted })

	assert.Equal(t, int32(7), got.Load())
	assert.True(t, sawJobID.Load())
	assert.Equal(t, int32(1), completed.Load())
}

func TestWorker_AlwaysFailingJobIsRetriedThenDeadLetteredOnce(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Register("test.broken", func(ctx context.Context, a testArgs) error {
		calls.Add(1)
		return errors.New("upstream unavailable")
	}, queue.MaxAttempts(3))

	var retries, deadLetters, fails atomic.Int32
	q.OnRetry(func(context.Context, *core.Job, int, error) { retries.Add(1) })
	q.OnDeadLetter(func(context.Context, *core.Job, error) { deadLetters.Add(1) })
	q.OnJobFail(func(context.Context, *core.Job, error) { fails.Add(1) })

	id, err := q.Enqueue(ctx, "test.broken", testArgs{})
	require.NoError(t, err)

	w := fastWorker(q)
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusDeadLettered })

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), retries.Load())
	assert.Equal(t, int32(1), deadLetters.Load())
	assert.Equal(t, int32(1), fails.Load())

	dead, err := q.DeadLetters(ctx, core.LaneRouteGeneration, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Contains(t, dead[0].LastError, "upstream unavailable")
}

func TestWorker_NoRetryFailsWithoutDeadLetter(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Register("test.invalid", func(ctx context.Context, a testArgs) error {
		calls.Add(1)
		return core.NoRetry(errors.New("bad input"))
	}, queue.MaxAttempts(5))

	id, err := q.Enqueue(ctx, "test.invalid", testArgs{})
	require.NoError(t, err)

	w := fastWorker(q)
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusFailed })

	assert.Equal(t, int32(1), calls.Load())
	dead, err := q.DeadLetters(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Register("test.flaky", func(ctx context.Context, a testArgs) error {
		if calls.Add(1) < 2 {
			return core.RetryAfter(time.Millisecond, errors.New("busy"))
		}
		return nil
	})

	id, err := q.Enqueue(ctx, "test.flaky", testArgs{})
	require.NoError(t, err)

	w := fastWorker(q)
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusCompleted })

	assert.Equal(t, int32(2), calls.Load())
}

func TestWorker_TimeoutCountsAsFailure(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	q.Register("test.slow", func(ctx context.Context, a testArgs) error {
		<-ctx.Done()
		return ctx.Err()
	}, queue.MaxAttempts(1), queue.Timeout(20*time.Millisecond))

	id, err := q.Enqueue(ctx, "test.slow", testArgs{})
	require.NoError(t, err)

	w := fastWorker(q)
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusDeadLettered })

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "deadline exceeded")
}

func TestWorker_ShutdownReleasesJobWithoutSpendingAttempt(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	running := make(chan struct{})
	q.Register("test.blocking", func(ctx context.Context, a testArgs) error {
		close(running)
		<-ctx.Done()
		return fmt.Errorf("query candidates: %w", ctx.Err())
	}, queue.MaxAttempts(1))

	var fails, deadLetters, retries atomic.Int32
	q.OnJobFail(func(context.Context, *core.Job, error) { fails.Add(1) })
	q.OnDeadLetter(func(context.Context, *core.Job, error) { deadLetters.Add(1) })
	q.OnRetry(func(context.Context, *core.Job, int, error) { retries.Add(1) })

	id, err := q.Enqueue(ctx, "test.blocking", testArgs{})
	require.NoError(t, err)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = fastWorker(q).Start(workerCtx)
		close(done)
	}()

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	<-done

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempt)
	assert.Empty(t, job.LockedBy)
	assert.Zero(t, fails.Load())
	assert.Zero(t, deadLetters.Load())
	assert.Zero(t, retries.Load())
}

func TestWorker_PanicIsRecovered(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	q.Register("test.panic", func(ctx context.Context, a testArgs) error {
		panic("boom")
	}, queue.MaxAttempts(1))

	id, err := q.Enqueue(ctx, "test.panic", testArgs{})
	require.NoError(t, err)

	w := fastWorker(q)
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusDeadLettered })

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "panic: boom")
}

func TestWorker_DeclaredKindWithoutHandlerFails(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	q.Declare("test.remote")
	id, err := q.Enqueue(ctx, "test.remote", testArgs{})
	require.NoError(t, err)

	w := fastWorker(q, WorkerLane(core.LaneRouteGeneration, 1))
	runUntil(t, w, func() bool { return jobStatus(t, store, id) == core.StatusFailed })
}

func TestWorker_RespectsConcurrency(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var running, peak int
	q.Register("test.busy", func(ctx context.Context, a testArgs) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	for i := range 8 {
		_, err := q.Enqueue(ctx, "test.busy", testArgs{N: i})
		require.NoError(t, err)
	}

	w := fastWorker(q, Concurrency(2))
	runUntil(t, w, func() bool {
		n, err := store.CountPending(ctx, core.LaneRouteGeneration)
		if err != nil || n > 0 {
			return false
		}
		jobs, err := store.GetJobsByStatus(ctx, core.StatusCompleted, 100)
		return err == nil && len(jobs) == 8
	})

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	w := fastWorker(q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
