package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leynos/wildside-sub000/pkg/core"
	intctx "github.com/leynos/wildside-sub000/pkg/internal/context"
	"github.com/leynos/wildside-sub000/pkg/internal/handler"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/storage"
)

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	cycle []string
	next  int
	slots chan struct{}
}

var _ core.Starter = (*Worker)(nil)

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:   4,
		PollInterval:  100 * time.Millisecond,
		WorkerID:      uuid.New().String(),
		LeaseDuration: storage.DefaultLease,
		Backoff:       DefaultBackoff(),
	}
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Lanes == nil {
		config.Lanes = DefaultLanes()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = config.LeaseDuration / 3
	}
	if config.StorageRetry == nil {
		cfg := DefaultRetryConfig()
		config.StorageRetry = &cfg
	}
	if config.LeaseRetry == nil {
		cfg := leaseRetryConfig()
		config.LeaseRetry = &cfg
	}
	logger := config.Logger
	if logger == nil {
		logger = q.Logger()
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
		cycle:  laneCycle(config.Lanes),
		slots:  make(chan struct{}, config.Concurrency),
	}
}

// laneCycle expands weights into a poll order, heaviest lanes first:
// {route: 4, enrichment: 1} gives [route route route route enrichment].
func laneCycle(weights map[string]int) []string {
	lanes := make([]string, 0, len(weights))
	for lane := range weights {
		lanes = append(lanes, lane)
	}
	sort.Slice(lanes, func(i, j int) bool {
		if weights[lanes[i]] != weights[lanes[j]] {
			return weights[lanes[i]] > weights[lanes[j]]
		}
		return lanes[i] < lanes[j]
	})

	var cycle []string
	for _, lane := range lanes {
		for range weights[lane] {
			cycle = append(cycle, lane)
		}
	}
	return cycle
}

// laneOrder returns the lanes to try for the next lease: the preferred
// lane of the cycle first, then the others in weight order.
func (w *Worker) laneOrder() []string {
	if len(w.cycle) == 0 {
		return nil
	}
	preferred := w.cycle[w.next%len(w.cycle)]
	w.next++

	order := []string{preferred}
	seen := map[string]bool{preferred: true}
	for _, lane := range w.cycle {
		if !seen[lane] {
			seen[lane] = true
			order = append(order, lane)
		}
	}
	return order
}

// Start begins processing jobs. Blocks until the context is cancelled,
// then waits for running jobs to settle.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started", "lanes", w.config.Lanes, "concurrency", w.config.Concurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.fill(ctx)
		}
	}
}

// fill leases jobs until every slot is busy or no lane has work.
func (w *Worker) fill(ctx context.Context) {
	for {
		select {
		case w.slots <- struct{}{}:
		default:
			return
		}

		job, err := w.leaseNext(ctx)
		if err != nil || job == nil {
			<-w.slots
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to lease after retries", "error", err)
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.processJob(ctx, job)
		}()
	}
}

// leaseNext tries each lane in cycle order and returns the first job found.
func (w *Worker) leaseNext(ctx context.Context) (*core.Job, error) {
	for _, lane := range w.laneOrder() {
		var job *core.Job
		err := retryWithBackoff(ctx, *w.config.LeaseRetry, func() error {
			var leaseErr error
			job, leaseErr = w.queue.Storage().Lease(ctx, []string{lane}, w.config.WorkerID, w.config.LeaseDuration)
			return leaseErr
		})
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	// settling must survive shutdown, or the job waits for the stale reaper
	settleCtx := context.WithoutCancel(ctx)

	h, ok := w.queue.GetHandler(job.Type)
	if !ok || !h.Executable() {
		w.logger.Error("no handler for job", "job_id", job.ID, "kind", job.Type)
		w.handleError(settleCtx, job, core.NoRetry(fmt.Errorf("no handler for %s", job.Type)))
		return
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	err := w.executeHandler(ctx, job, h)
	cancelHeartbeat()

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		w.release(settleCtx, job, err)
		return
	}
	if err != nil {
		w.handleError(settleCtx, job, err)
		return
	}

	if err := w.ackWithRetry(settleCtx, job.ID); err != nil {
		w.logger.Error("failed to ack job", "job_id", job.ID, "error", err)
		return
	}
	w.queue.CallCompleteHooks(settleCtx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

func (w *Worker) ackWithRetry(ctx context.Context, jobID string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Ack(ctx, jobID, w.config.WorkerID)
	})
}

// runHeartbeat extends the lease while the handler runs.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID, w.config.LeaseDuration)
			})
			switch {
			case errors.Is(err, core.ErrJobNotOwned):
				w.logger.Warn("lease lost", "job_id", job.ID)
				return
			case err != nil && ctx.Err() == nil:
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			case err == nil:
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = h.Settings.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	jobCtx := intctx.WithJobContext(ctx, &intctx.JobContext{
		Job:      job,
		WorkerID: w.config.WorkerID,
		Logger:   w.logger,
	})
	return h.Execute(jobCtx, job.Args)
}

// handleError settles a failed delivery: permanent errors fail the job,
// failures with attempts left are nacked with backoff, and the rest are
// dead-lettered.
func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.settle(ctx, job, "fail", func() error {
			return w.queue.Storage().Fail(ctx, job.ID, w.config.WorkerID, err.Error())
		})
		w.logger.Warn("job failed permanently", "job_id", job.ID, "kind", job.Type, "error", err)
		w.queue.CallFailHooks(ctx, job, err)
		w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
		return
	}

	if job.Attempt < job.MaxAttempts {
		delay := w.config.Backoff.Delay(job.Attempt)
		var retryAfter *core.RetryAfterError
		if errors.As(err, &retryAfter) {
			delay = retryAfter.Delay
		}
		retryAt := time.Now().Add(delay)

		w.settle(ctx, job, "nack", func() error {
			return w.queue.Storage().NackAndRetry(ctx, job.ID, w.config.WorkerID, err.Error(), retryAt)
		})
		w.logger.Info("job retrying", "job_id", job.ID, "kind", job.Type,
			"attempt", job.Attempt, "max_attempts", job.MaxAttempts, "delay", delay, "error", err)
		w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
		w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
		return
	}

	w.settle(ctx, job, "dead-letter", func() error {
		return w.queue.Storage().DeadLetter(ctx, job.ID, w.config.WorkerID, err.Error())
	})
	w.logger.Error("job dead-lettered", "job_id", job.ID, "kind", job.Type, "attempts", job.Attempt, "error", err)
	w.queue.CallDeadLetterHooks(ctx, job, err)
	w.queue.CallFailHooks(ctx, job, err)
	w.queue.Emit(&core.JobDeadLettered{Job: job, Error: err, Timestamp: time.Now()})
}

// release hands a job interrupted by shutdown back to its lane. The
// handler did not fail, so the attempt is not spent and no hooks run.
func (w *Worker) release(ctx context.Context, job *core.Job, cause error) {
	w.settle(ctx, job, "release", func() error {
		return w.queue.Storage().ReleaseLease(ctx, job.ID, w.config.WorkerID)
	})
	w.logger.Info("job released on shutdown", "job_id", job.ID, "kind", job.Type,
		"attempt", job.Attempt, "error", cause)
}

func (w *Worker) settle(ctx context.Context, job *core.Job, op string, fn func() error) {
	if err := retryWithBackoff(ctx, *w.config.StorageRetry, fn); err != nil {
		w.logger.Error("failed to settle job", "op", op, "job_id", job.ID, "error", err)
	}
}
