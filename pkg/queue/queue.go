package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/internal/handler"
	"github.com/leynos/wildside-sub000/pkg/security"
)

// Queue manages job kind registration, enqueueing, hooks and events.
type Queue struct {
	store    core.JobStore
	handlers map[string]*handler.Handler
	mu       sync.RWMutex
	logger   *slog.Logger

	// Hooks
	onStart      []func(context.Context, *core.Job)
	onComplete   []func(context.Context, *core.Job)
	onFail       []func(context.Context, *core.Job, error)
	onRetry      []func(context.Context, *core.Job, int, error)
	onDeadLetter []func(context.Context, *core.Job, error)

	eventSubs []chan core.Event
}

// New creates a new Queue on the given job store.
func New(store core.JobStore) *Queue {
	return &Queue{
		store:    store,
		handlers: make(map[string]*handler.Handler),
		logger:   slog.Default(),
	}
}

// SetLogger replaces the logger used by the queue and its workers.
func (q *Queue) SetLogger(l *slog.Logger) {
	if l != nil {
		q.logger = l
	}
}

// Logger returns the queue's logger.
func (q *Queue) Logger() *slog.Logger {
	return q.logger
}

func registrationSettings(kind string, opts []Option) handler.Settings {
	if err := security.ValidateJobTypeName(kind); err != nil {
		panic(fmt.Sprintf("queue: invalid job kind %q: %v", kind, err))
	}
	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	if err := security.ValidateQueueName(o.Lane); err != nil {
		panic(fmt.Sprintf("queue: invalid lane %q for %q: %v", o.Lane, kind, err))
	}
	return handler.Settings{
		Lane:        o.Lane,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		Timeout:     o.Timeout,
	}
}

// Register registers a job handler function.
// The function must have signature func(ctx context.Context, args T) error,
// func(args T) error or func(ctx context.Context) error.
// Kinds must start with a letter and may contain letters, digits, '.', '-'
// and '_', max 255 chars. Register panics on invalid input.
func (q *Queue) Register(kind string, fn any, opts ...Option) {
	h, err := handler.New(kind, fn, registrationSettings(kind, opts))
	if err != nil {
		panic(fmt.Sprintf("queue: handler for %q: %v", kind, err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Declare records the defaults of a kind handled by another process, so
// this one can enqueue it without running it. A later Register wins.
func (q *Queue) Declare(kind string, opts ...Option) {
	h := handler.Declare(kind, registrationSettings(kind, opts))

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.handlers[kind]; ok && existing.Executable() {
		return
	}
	q.handlers[kind] = h
}

// HasHandler reports whether kind can be executed by this process.
func (q *Queue) HasHandler(kind string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[kind].Executable()
}

// GetHandler returns a registered or declared kind.
func (q *Queue) GetHandler(kind string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Lanes returns the lanes of every executable kind.
func (q *Queue) Lanes() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	seen := map[string]bool{}
	var lanes []string
	for _, h := range q.handlers {
		if h.Executable() && !seen[h.Settings.Lane] {
			seen[h.Settings.Lane] = true
			lanes = append(lanes, h.Settings.Lane)
		}
	}
	return lanes
}

// Enqueue adds a job and returns its id. Unique jobs whose key is taken
// return core.ErrDuplicateJob unwrapped.
func (q *Queue) Enqueue(ctx context.Context, kind string, args any, opts ...Option) (string, error) {
	q.mu.RLock()
	h, ok := q.handlers[kind]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("queue: no handler registered for %q", kind)
	}

	options := NewOptions()
	options.Lane = h.Settings.Lane
	options.Priority = h.Settings.Priority
	options.MaxAttempts = h.Settings.MaxAttempts
	options.Timeout = h.Settings.Timeout
	for _, opt := range opts {
		opt.Apply(options)
	}

	if err := security.ValidateQueueName(options.Lane); err != nil {
		return "", err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal args: %w", err)
	}
	if len(payload) > security.MaxJobArgsSize {
		return "", core.ErrJobArgsTooLarge
	}

	job := &core.Job{
		ID:             uuid.New().String(),
		Type:           kind,
		Args:           payload,
		Queue:          options.Lane,
		Priority:       options.Priority,
		MaxAttempts:    security.ClampAttempts(options.MaxAttempts),
		Status:         core.StatusPending,
		TraceID:        options.TraceID,
		TimeoutSeconds: int(options.Timeout.Round(time.Second) / time.Second),
	}
	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	if options.UniqueKey != "" {
		if err := security.ValidateUniqueKey(options.UniqueKey); err != nil {
			return "", err
		}
		if err := q.store.EnqueueUnique(ctx, job, options.UniqueKey); err != nil {
			if errors.Is(err, core.ErrDuplicateJob) {
				return "", err
			}
			return "", fmt.Errorf("queue: failed to enqueue: %w", err)
		}
		return job.ID, nil
	}

	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("queue: failed to enqueue: %w", err)
	}
	return job.ID, nil
}

// Storage returns the underlying job store.
func (q *Queue) Storage() core.JobStore {
	return q.store
}

// DeadLetters lists dead-lettered jobs on a lane ("" for all lanes).
func (q *Queue) DeadLetters(ctx context.Context, lane string, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.store.ListDeadLetters(ctx, lane, limit)
}

// Requeue returns a dead-lettered job to its lane with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	if err := q.store.RequeueDeadLetter(ctx, jobID); err != nil {
		return err
	}
	q.logger.Info("dead letter requeued", "job_id", jobID)
	return nil
}

// ReapStale returns jobs whose workers stopped heartbeating to their lanes.
// Jobs that were on their final attempt are dead-lettered and get the same
// dead-letter and fail hooks a worker would have run for them.
func (q *Queue) ReapStale(ctx context.Context, staleDuration time.Duration) (int64, error) {
	n, dead, err := q.store.ReleaseStaleLocks(ctx, staleDuration)
	if err != nil {
		return 0, err
	}
	for _, id := range dead {
		job, err := q.store.GetJob(ctx, id)
		if err != nil {
			q.logger.Error("failed to load reaped job", "job_id", id, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		q.logger.Error("job dead-lettered", "job_id", job.ID, "kind", job.Type,
			"attempts", job.Attempt, "error", core.ErrLeaseExpired)
		q.CallDeadLetterHooks(ctx, job, core.ErrLeaseExpired)
		q.CallFailHooks(ctx, job, core.ErrLeaseExpired)
		q.Emit(&core.JobDeadLettered{Job: job, Error: core.ErrLeaseExpired, Timestamp: time.Now()})
	}
	return n, nil
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job is acked.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for terminal failures, dead letters included.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is nacked for another attempt.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// OnDeadLetter registers a callback for when a job exhausts its attempts.
func (q *Queue) OnDeadLetter(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onDeadLetter = append(q.onDeadLetter, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers, dropping it for full ones.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}

// CallDeadLetterHooks calls all registered dead-letter hooks.
func (q *Queue) CallDeadLetterHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onDeadLetter))
	copy(hooks, q.onDeadLetter)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}
