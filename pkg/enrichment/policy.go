package enrichment

import (
	"sync"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// BreakerState is the state of the circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker stops calls to a failing source. It opens after
// Threshold consecutive failures, admits a single trial call once Cooldown
// has passed, and closes again on the first success. Not safe for
// concurrent use on its own; Policy serialises access.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	return b.state
}

// allow reports whether a call may start, and otherwise how long the
// breaker stays open.
func (b *CircuitBreaker) allow(now time.Time) (bool, time.Duration) {
	switch b.state {
	case BreakerOpen:
		if wait := b.openedAt.Add(b.Cooldown).Sub(now); wait > 0 {
			return false, wait
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true, 0
	case BreakerHalfOpen:
		if b.probing {
			return false, b.Cooldown
		}
		b.probing = true
		return true, 0
	}
	return true, 0
}

// abort gives back the trial slot taken by allow for a call that never ran.
func (b *CircuitBreaker) abort() {
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

func (b *CircuitBreaker) success() {
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

func (b *CircuitBreaker) failure(now time.Time) {
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= max(b.Threshold, 1) {
			b.state = BreakerOpen
			b.openedAt = now
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.probing = false
	}
}

// DailyQuota bounds requests and transferred bytes per UTC day.
type DailyQuota struct {
	MaxRequests int64
	MaxBytes    int64

	day      time.Time
	requests int64
	bytes    int64
}

// Used returns the requests and bytes consumed today.
func (q *DailyQuota) Used() (requests, bytes int64) {
	return q.requests, q.bytes
}

func (q *DailyQuota) roll(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(q.day) {
		q.day = day
		q.requests = 0
		q.bytes = 0
	}
}

// check returns the failure kind when a quota is spent.
func (q *DailyQuota) check(now time.Time) (core.ExternalFailureKind, bool) {
	q.roll(now)
	if q.requests >= q.MaxRequests {
		return core.ExternalQuotaRequests, false
	}
	if q.bytes >= q.MaxBytes {
		return core.ExternalQuotaTransfer, false
	}
	return "", true
}

// untilReset is the time left until the next UTC midnight.
func (q *DailyQuota) untilReset(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}

// Policy combines the daily quota and the circuit breaker under one lock.
type Policy struct {
	mu       sync.Mutex
	quota    DailyQuota
	breaker  CircuitBreaker
	onChange func(BreakerState)
}

// NewPolicy creates a policy with a closed breaker and a fresh quota.
func NewPolicy(quota DailyQuota, breaker CircuitBreaker) *Policy {
	return &Policy{quota: quota, breaker: breaker}
}

// OnBreakerChange registers a callback for breaker state changes. The
// callback runs with the policy lock held and must not call back into it.
func (p *Policy) OnBreakerChange(fn func(BreakerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Admit decides whether a source call may start now. A denied call
// returns a *core.ExternalServiceError wrapped in core.RetryAfter with
// the time until the quota resets or the breaker admits a trial call. An
// admitted call counts against the request quota.
func (p *Policy) Admit(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kind, ok := p.quota.check(now); !ok {
		return core.RetryAfter(p.quota.untilReset(now), &core.ExternalServiceError{
			Kind:    kind,
			Message: "daily Overpass quota exhausted",
		})
	}

	before := p.breaker.state
	ok, wait := p.breaker.allow(now)
	p.changed(before)
	if !ok {
		return core.RetryAfter(wait, &core.ExternalServiceError{
			Kind:    core.ExternalCircuitOpen,
			Message: "Overpass circuit breaker is open",
		})
	}

	p.quota.requests++
	return nil
}

// Abort releases an admission whose call was never made, such as when the
// caller's context ended while waiting for the pacer.
func (p *Policy) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breaker.abort()
}

// Success records a completed call and the bytes it transferred.
func (p *Policy) Success(now time.Time, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quota.roll(now)
	p.quota.bytes += bytes

	before := p.breaker.state
	p.breaker.success()
	p.changed(before)
}

// Failure records a failed call.
func (p *Policy) Failure(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quota.roll(now)

	before := p.breaker.state
	p.breaker.failure(now)
	p.changed(before)
}

// State returns the breaker state.
func (p *Policy) State() BreakerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breaker.state
}

// Usage returns today's requests and bytes.
func (p *Policy) Usage(now time.Time) (requests, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quota.roll(now)
	return p.quota.Used()
}

func (p *Policy) changed(before BreakerState) {
	if p.onChange != nil && p.breaker.state != before {
		p.onChange(p.breaker.state)
	}
}
