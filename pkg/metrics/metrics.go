// Package metrics exposes pipeline counters and histograms to Prometheus.
// A Metrics value is the observer of the gatekeeper, the route worker and
// the enrichment worker, and instruments the job queue through its hooks.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/enrichment"
	"github.com/leynos/wildside-sub000/pkg/queue"
)

const namespace = "wildside"

// Metrics holds every collector of the process.
type Metrics struct {
	jobsStarted      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsRetried      *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec

	submissions *prometheus.CounterVec
	idempotency *prometheus.CounterVec

	solveDuration prometheus.Histogram
	solvePartial  prometheus.Counter
	routeStops    prometheus.Histogram

	enrichments   *prometheus.CounterVec
	enrichedPOIs  prometheus.Counter
	enrichedBytes prometheus.Counter
	breakerState  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	jobLabels := []string{"lane", "kind"}

	return &Metrics{
		jobsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_started_total",
			Help: "Job attempts started.",
		}, jobLabels),
		jobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Jobs acknowledged as done.",
		}, jobLabels),
		jobsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_retried_total",
			Help: "Failed attempts scheduled for retry.",
		}, jobLabels),
		jobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Jobs that ended without succeeding.",
		}, jobLabels),
		jobsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter state.",
		}, jobLabels),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Duration of job attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, jobLabels),

		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_submissions_total",
			Help: "Route submissions by outcome.",
		}, []string{"outcome"}),
		idempotency: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotency_lookups_total",
			Help: "Idempotency key lookups by outcome.",
		}, []string{"outcome"}),

		solveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "solver_duration_seconds",
			Help:    "Wall time spent in the route solver.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		solvePartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "solver_partial_total",
			Help: "Routes returned when the solver deadline expired.",
		}),
		routeStops: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "route_stops",
			Help:    "Stops per generated route.",
			Buckets: prometheus.LinearBuckets(0, 2, 12),
		}),

		enrichments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enrichment_jobs_total",
			Help: "Enrichment runs by outcome.",
		}, []string{"outcome"}),
		enrichedPOIs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "enrichment_pois_total",
			Help: "POIs written by enrichment.",
		}),
		enrichedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "enrichment_transfer_bytes_total",
			Help: "Bytes received from the enrichment source.",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "enrichment_circuit_state",
			Help: "Enrichment circuit breaker state: 0 closed, 1 open, 2 half open.",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_requests_in_flight",
			Help: "HTTP requests being served.",
		}),

		started: make(map[string]time.Time),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue hooks
// ──────────────────────────────────────────────────────────────────────────────

// Instrument counts job lifecycle events of q.
func (m *Metrics) Instrument(q *queue.Queue) {
	q.OnJobStart(func(_ context.Context, j *core.Job) {
		m.jobsStarted.WithLabelValues(j.Queue, j.Type).Inc()
		m.mu.Lock()
		m.started[j.ID] = time.Now()
		m.mu.Unlock()
	})
	q.OnJobComplete(func(_ context.Context, j *core.Job) {
		m.jobsCompleted.WithLabelValues(j.Queue, j.Type).Inc()
		m.observeAttempt(j)
	})
	q.OnRetry(func(_ context.Context, j *core.Job, _ int, _ error) {
		m.jobsRetried.WithLabelValues(j.Queue, j.Type).Inc()
		m.observeAttempt(j)
	})
	q.OnDeadLetter(func(_ context.Context, j *core.Job, _ error) {
		m.jobsDeadLettered.WithLabelValues(j.Queue, j.Type).Inc()
	})
	q.OnJobFail(func(_ context.Context, j *core.Job, _ error) {
		m.jobsFailed.WithLabelValues(j.Queue, j.Type).Inc()
		m.observeAttempt(j)
	})
}

func (m *Metrics) observeAttempt(j *core.Job) {
	m.mu.Lock()
	start, ok := m.started[j.ID]
	delete(m.started, j.ID)
	m.mu.Unlock()
	if ok {
		m.jobDuration.WithLabelValues(j.Queue, j.Type).Observe(time.Since(start).Seconds())
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Pipeline observers
// ──────────────────────────────────────────────────────────────────────────────

// Submitted counts a gatekeeper outcome.
func (m *Metrics) Submitted(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

// IdempotencyLookup counts an idempotency key lookup.
func (m *Metrics) IdempotencyLookup(outcome core.IdempotencyOutcome) {
	m.idempotency.WithLabelValues(outcome.String()).Inc()
}

// Solved records one solver run.
func (m *Metrics) Solved(elapsed time.Duration, partial bool, stops int) {
	m.solveDuration.Observe(elapsed.Seconds())
	m.routeStops.Observe(float64(stops))
	if partial {
		m.solvePartial.Inc()
	}
}

// EnrichmentSucceeded counts a successful enrichment run.
func (m *Metrics) EnrichmentSucceeded(pois int, bytes int64) {
	m.enrichments.WithLabelValues("succeeded").Inc()
	m.enrichedPOIs.Add(float64(pois))
	m.enrichedBytes.Add(float64(bytes))
}

// EnrichmentFailed counts a failed enrichment run by failure kind.
func (m *Metrics) EnrichmentFailed(kind string) {
	m.enrichments.WithLabelValues(kind).Inc()
}

// BreakerChanged records the circuit breaker state.
func (m *Metrics) BreakerChanged(s enrichment.BreakerState) {
	m.breakerState.Set(float64(s))
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP
// ──────────────────────────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records requests served by next under the route pattern.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
