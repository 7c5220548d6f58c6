package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/enrichment"
	"github.com/leynos/wildside-sub000/pkg/gatekeeper"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/routeworker"
	"github.com/leynos/wildside-sub000/pkg/storage"
)

var (
	_ gatekeeper.Observer  = (*Metrics)(nil)
	_ routeworker.Observer = (*Metrics)(nil)
	_ enrichment.Observer  = (*Metrics)(nil)
)

func newMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func newQueue(t *testing.T) *queue.Queue {
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
	return queue.New(store)
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue hooks
// ──────────────────────────────────────────────────────────────────────────────

func TestInstrument_CountsLifecycle(t *testing.T) {
	m, _ := newMetrics(t)
	q := newQueue(t)
	m.Instrument(q)
	ctx := context.Background()

	route := &core.Job{ID: "j1", Type: core.KindRouteGeneration, Queue: core.LaneRouteGeneration}
	q.CallStartHooks(ctx, route)
	q.CallRetryHooks(ctx, route, 1, errors.New("boom"))
	q.CallStartHooks(ctx, route)
	q.CallCompleteHooks(ctx, route)

	enrich := &core.Job{ID: "j2", Type: core.KindEnrichment, Queue: core.LaneEnrichment}
	q.CallStartHooks(ctx, enrich)
	q.CallDeadLetterHooks(ctx, enrich, errors.New("gone"))
	q.CallFailHooks(ctx, enrich, errors.New("gone"))

	routeLabels := []string{core.LaneRouteGeneration, core.KindRouteGeneration}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsStarted.WithLabelValues(routeLabels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsRetried.WithLabelValues(routeLabels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsCompleted.WithLabelValues(routeLabels...)))

	enrichLabels := []string{core.LaneEnrichment, core.KindEnrichment}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsDeadLettered.WithLabelValues(enrichLabels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues(enrichLabels...)))

	assert.Equal(t, 2, testutil.CollectAndCount(m.jobDuration), "one series per lane")
	m.mu.Lock()
	assert.Empty(t, m.started, "start times are dropped once observed")
	m.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Observers
// ──────────────────────────────────────────────────────────────────────────────

func TestObservers(t *testing.T) {
	m, _ := newMetrics(t)

	m.Submitted(gatekeeper.OutcomeCacheHit)
	m.Submitted(gatekeeper.OutcomeCacheHit)
	m.Submitted(gatekeeper.OutcomeEnqueued)
	m.IdempotencyLookup(core.IdempotencyConflictingPayload)
	m.Solved(1500*time.Millisecond, true, 6)
	m.Solved(200*time.Millisecond, false, 4)
	m.EnrichmentSucceeded(12, 4096)
	m.EnrichmentFailed("rate_limited")
	m.BreakerChanged(enrichment.BreakerHalfOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues(gatekeeper.OutcomeCacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues(gatekeeper.OutcomeEnqueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idempotency.WithLabelValues("conflicting_payload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.solvePartial))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enrichments.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enrichments.WithLabelValues("rate_limited")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.enrichedPOIs))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.enrichedBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState))
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP
// ──────────────────────────────────────────────────────────────────────────────

func TestMiddleware_RecordsStatus(t *testing.T) {
	m, _ := newMetrics(t)
	h := m.Middleware("/v1/routes", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/routes", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodPost, "/v1/routes", "202")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))
}

func TestMiddleware_DefaultsToOK(t *testing.T) {
	m, _ := newMetrics(t)
	h := m.Middleware("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/healthz", "200")))
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	m, reg := newMetrics(t)
	m.Submitted(gatekeeper.OutcomeCoalesced)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `wildside_route_submissions_total{outcome="coalesced"} 1`), body)
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "duplicate registration")
}
