package enrichment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leynos/wildside-sub000/pkg/core"
)

var noon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testPolicy() *Policy {
	return NewPolicy(
		DailyQuota{MaxRequests: 100, MaxBytes: 1 << 20},
		CircuitBreaker{Threshold: 3, Cooldown: 30 * time.Second},
	)
}

func externalKind(t *testing.T, err error) core.ExternalFailureKind {
	t.Helper()
	var ext *core.ExternalServiceError
	require.True(t, errors.As(err, &ext), "want ExternalServiceError, got %v", err)
	return ext.Kind
}

// ──────────────────────────────────────────────────────────────────────────────
// Circuit breaker
// ──────────────────────────────────────────────────────────────────────────────

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	p := testPolicy()
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Admit(noon))
		p.Failure(noon)
		assert.Equal(t, BreakerClosed, p.State())
	}

	require.NoError(t, p.Admit(noon))
	p.Failure(noon)
	assert.Equal(t, BreakerOpen, p.State())

	err := p.Admit(noon.Add(10 * time.Second))
	require.Error(t, err)
	assert.Equal(t, core.ExternalCircuitOpen, externalKind(t, err))

	var retry *core.RetryAfterError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 20*time.Second, retry.Delay)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	p := testPolicy()
	p.Failure(noon)
	p.Failure(noon)
	p.Success(noon, 0)
	p.Failure(noon)
	p.Failure(noon)
	assert.Equal(t, BreakerClosed, p.State())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	p := testPolicy()
	for i := 0; i < 3; i++ {
		p.Failure(noon)
	}
	later := noon.Add(30 * time.Second)

	require.NoError(t, p.Admit(later), "first call after cooldown is the trial")
	assert.Equal(t, BreakerHalfOpen, p.State())

	err := p.Admit(later)
	require.Error(t, err, "second concurrent trial is refused")
	assert.Equal(t, core.ExternalCircuitOpen, externalKind(t, err))

	p.Success(later, 10)
	assert.Equal(t, BreakerClosed, p.State())
	assert.NoError(t, p.Admit(later))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	p := testPolicy()
	for i := 0; i < 3; i++ {
		p.Failure(noon)
	}
	later := noon.Add(31 * time.Second)
	require.NoError(t, p.Admit(later))

	p.Failure(later)
	assert.Equal(t, BreakerOpen, p.State())
	assert.Error(t, p.Admit(later.Add(29*time.Second)))
	assert.NoError(t, p.Admit(later.Add(30*time.Second)))
}

func TestBreaker_AbortReleasesProbe(t *testing.T) {
	p := testPolicy()
	for i := 0; i < 3; i++ {
		p.Failure(noon)
	}
	later := noon.Add(time.Minute)
	require.NoError(t, p.Admit(later))
	p.Abort()
	assert.NoError(t, p.Admit(later))
}

func TestBreaker_ReportsStateChanges(t *testing.T) {
	p := testPolicy()
	var states []BreakerState
	p.OnBreakerChange(func(s BreakerState) { states = append(states, s) })

	for i := 0; i < 3; i++ {
		p.Failure(noon)
	}
	require.NoError(t, p.Admit(noon.Add(time.Minute)))
	p.Success(noon.Add(time.Minute), 0)

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, states)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}

// ──────────────────────────────────────────────────────────────────────────────
// Daily quota
// ──────────────────────────────────────────────────────────────────────────────

func TestQuota_RequestLimit(t *testing.T) {
	p := NewPolicy(
		DailyQuota{MaxRequests: 2, MaxBytes: 1 << 20},
		CircuitBreaker{Threshold: 3, Cooldown: time.Second},
	)
	require.NoError(t, p.Admit(noon))
	require.NoError(t, p.Admit(noon))

	err := p.Admit(noon)
	require.Error(t, err)
	assert.Equal(t, core.ExternalQuotaRequests, externalKind(t, err))

	var retry *core.RetryAfterError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 12*time.Hour, retry.Delay, "retry at the next UTC midnight")
}

func TestQuota_TransferLimit(t *testing.T) {
	p := NewPolicy(
		DailyQuota{MaxRequests: 100, MaxBytes: 1000},
		CircuitBreaker{Threshold: 3, Cooldown: time.Second},
	)
	require.NoError(t, p.Admit(noon))
	p.Success(noon, 1000)

	err := p.Admit(noon)
	require.Error(t, err)
	assert.Equal(t, core.ExternalQuotaTransfer, externalKind(t, err))
}

func TestQuota_ResetsAtUTCMidnight(t *testing.T) {
	p := NewPolicy(
		DailyQuota{MaxRequests: 1, MaxBytes: 1000},
		CircuitBreaker{Threshold: 3, Cooldown: time.Second},
	)
	require.NoError(t, p.Admit(noon))
	p.Success(noon, 400)
	require.Error(t, p.Admit(noon.Add(11*time.Hour)))

	requests, bytes := p.Usage(noon)
	assert.Equal(t, int64(1), requests)
	assert.Equal(t, int64(400), bytes)

	tomorrow := time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	require.NoError(t, p.Admit(tomorrow))
	requests, bytes = p.Usage(tomorrow)
	assert.Equal(t, int64(1), requests)
	assert.Equal(t, int64(0), bytes)
}

func TestQuota_CircuitDenialDoesNotSpendRequests(t *testing.T) {
	p := testPolicy()
	for i := 0; i < 3; i++ {
		p.Failure(noon)
	}
	for i := 0; i < 5; i++ {
		require.Error(t, p.Admit(noon))
	}
	requests, _ := p.Usage(noon)
	assert.Zero(t, requests)
}
