package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// RetryConfig tunes retries of the worker's own storage calls (lease,
// ack, nack, heartbeat). Job retries are governed by BackoffConfig.
type RetryConfig struct {
	// MaxAttempts is the number of tries including the first.
	MaxAttempts int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// JitterFraction randomizes each sleep by +/- this fraction.
	JitterFraction float64
}

// DefaultRetryConfig returns the storage retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// leaseRetryConfig backs off longer so an outage is not hammered by pollers.
func leaseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff runs operation until it succeeds, returns a
// non-retryable error, or the attempts run out.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil || !IsRetryableError(lastErr) {
			return lastErr
		}
		if attempt >= config.MaxAttempts {
			break
		}

		sleep := backoff + time.Duration(float64(backoff)*config.JitterFraction*(rand.Float64()*2-1))
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError reports whether a storage error may succeed on retry.
// Context errors and lost ownership are final; anything else is assumed
// transient (connection resets, lock timeouts, deadlocks).
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrJobNotOwned), errors.Is(err, core.ErrJobNotDeadLettered):
		return false
	}
	return true
}

// BackoffConfig is the job retry schedule.
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s ... capped at one minute.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Max: time.Minute}
}

// Delay returns how long to wait after the given failed attempt (1-based):
// min(Base * 2^(attempt-1), Max).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d <= 0 {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
