package worker

import (
	"log/slog"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/security"
)

// Default lane weights: four route polls for every enrichment poll.
const (
	DefaultRouteWeight      = 4
	DefaultEnrichmentWeight = 1
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Lanes             map[string]int // lane -> poll weight
	Concurrency       int
	PollInterval      time.Duration
	WorkerID          string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	Backoff           BackoffConfig
	StorageRetry      *RetryConfig
	LeaseRetry        *RetryConfig
	Logger            *slog.Logger
}

// DefaultLanes returns the production lane weights.
func DefaultLanes() map[string]int {
	return map[string]int{
		core.LaneRouteGeneration: DefaultRouteWeight,
		core.LaneEnrichment:      DefaultEnrichmentWeight,
	}
}

// WorkerLane adds a lane with a poll weight (at least 1).
func WorkerLane(name string, weight int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Lanes == nil {
			c.Lanes = make(map[string]int)
		}
		if weight < 1 {
			weight = 1
		}
		c.Lanes[name] = weight
	})
}

// Concurrency sets how many jobs run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets how often idle slots look for work.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WorkerID overrides the generated worker id recorded in locked_by.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// Lease sets the lease duration and derives the heartbeat interval.
func Lease(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.LeaseDuration = d
			c.HeartbeatInterval = d / 3
		}
	})
}

// Backoff sets the job retry schedule.
func Backoff(base, max time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Backoff = BackoffConfig{Base: base, Max: max}
	})
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStorageRetry configures retries of ack, nack and heartbeat calls.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithLeaseRetry configures retries of lease calls.
func WithLeaseRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.LeaseRetry = &cfg
	})
}

// DisableRetry makes every storage call a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		one := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &one
		lease := one
		c.LeaseRetry = &lease
	})
}
