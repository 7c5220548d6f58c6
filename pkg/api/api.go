// Package api is the reference HTTP and WebSocket surface of the route
// pipeline.
//
// Usage:
//
//	srv := api.New(gk, store, q, hub, api.WithMetrics(m, registry))
//	http.ListenAndServe(":8080", srv.Handler())
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/gatekeeper"
	"github.com/leynos/wildside-sub000/pkg/metrics"
	"github.com/leynos/wildside-sub000/pkg/notify"
	"github.com/leynos/wildside-sub000/pkg/queue"
)

// IdempotencyKeyHeader carries the optional client idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes bounds a route request body.
const maxBodyBytes = 64 << 10

// Server serves the pipeline over HTTP.
type Server struct {
	gk    *gatekeeper.Gatekeeper
	plans core.PlanStore
	queue *queue.Queue
	hub   *notify.Hub

	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	health     func(context.Context) error
	middleware func(http.Handler) http.Handler
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// Option configures a Server.
type Option interface {
	apply(*Server)
}

type optionFunc func(*Server)

func (f optionFunc) apply(s *Server) { f(s) }

// WithMetrics records per-route HTTP metrics on m and serves g on
// /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return optionFunc(func(s *Server) {
		s.metrics = m
		s.gatherer = g
	})
}

// WithHealthCheck makes /healthz report 503 when check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return optionFunc(func(s *Server) {
		s.health = check
	})
}

// WithMiddleware wraps the whole handler (authentication, CORS and so on).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(s *Server) {
		s.middleware = mw
	})
}

// WithCheckOrigin sets the WebSocket origin policy. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return optionFunc(func(s *Server) {
		s.upgrader.CheckOrigin = fn
	})
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Server) {
		if l != nil {
			s.logger = l
		}
	})
}

// New creates a server.
func New(gk *gatekeeper.Gatekeeper, plans core.PlanStore, q *queue.Queue, hub *notify.Hub, opts ...Option) *Server {
	s := &Server{
		gk:    gk,
		plans: plans,
		queue: q,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		var handler http.Handler = h
		if s.metrics != nil {
			handler = s.metrics.Middleware(route, handler)
		}
		mux.Handle(pattern, handler)
	}

	handle("POST /v1/routes", "/v1/routes", s.submit)
	handle("GET /v1/routes/status/{id}", "/v1/routes/status/{id}", s.status)
	handle("GET /v1/routes/{planID}", "/v1/routes/{planID}", s.plan)
	handle("GET /v1/ws", "/v1/ws", s.socket)
	handle("GET /v1/admin/dead-letters", "/v1/admin/dead-letters", s.deadLetters)
	handle("POST /v1/admin/dead-letters/{id}/requeue", "/v1/admin/dead-letters/{id}/requeue", s.requeue)
	handle("GET /healthz", "/healthz", s.healthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	if s.middleware != nil {
		return s.middleware(mux)
	}
	return mux
}

// ──────────────────────────────────────────────────────────────────────────────
// Routes
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req core.RouteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, &core.ValidationError{Reason: "malformed JSON body: " + err.Error()})
		return
	}

	res, err := s.gk.Submit(r.Context(), req, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusAccepted
	if res.Cached {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	tr, err := s.gk.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.GetPlan(r.Context(), r.PathValue("planID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("request_id")
	if id == "" {
		s.writeError(w, r, &core.ValidationError{Fields: []string{"request_id"}, Reason: "request_id is required"})
		return
	}
	if _, err := s.gk.Status(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "request_id", id, "error", err)
		return
	}
	s.hub.Serve(r.Context(), conn, id, func(ctx context.Context) (core.StatusEvent, error) {
		tr, err := s.gk.Status(ctx, id)
		if err != nil {
			return core.StatusEvent{}, err
		}
		return tr.Event(time.Now()), nil
	})
}

// deadLetter is the admin view of a dead-lettered job.
type deadLetter struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Lane           string     `json:"lane"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error"`
	TraceID        string     `json:"trace_id,omitempty"`
	Args           any        `json:"args"`
	CreatedAt      time.Time  `json:"created_at"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, &core.ValidationError{Fields: []string{"limit"}, Reason: "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}

	jobs, err := s.queue.DeadLetters(r.Context(), r.URL.Query().Get("lane"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]deadLetter, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, deadLetter{
			ID:             j.ID,
			Kind:           j.Type,
			Lane:           j.Queue,
			Attempts:       j.Attempt,
			MaxAttempts:    j.MaxAttempts,
			LastError:      j.LastError,
			TraceID:        j.TraceID,
			Args:           json.RawMessage(j.Args),
			CreatedAt:      j.CreatedAt,
			DeadLetteredAt: j.DeadLetteredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Requeue(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────────────────────────────────

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors to status codes. Unclassified errors
// are logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *core.ValidationError
		cerr *core.ConflictError
		rerr *core.ResourceExhaustedError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: verr.Error(), Fields: verr.Fields})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, errorBody{Error: "idempotency_conflict", Message: cerr.Error()})
	case errors.As(err, &rerr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rerr.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "resource_exhausted", Message: rerr.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, core.ErrJobNotDeadLettered):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

// retryAfterSeconds rounds up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
