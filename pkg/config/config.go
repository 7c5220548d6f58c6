// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then a .env file, then WILDSIDE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/enrichment"
	"github.com/leynos/wildside-sub000/pkg/gatekeeper"
	"github.com/leynos/wildside-sub000/pkg/routeworker"
	"github.com/leynos/wildside-sub000/pkg/schedule"
	"github.com/leynos/wildside-sub000/pkg/scoring"
	"github.com/leynos/wildside-sub000/pkg/security"
	"github.com/leynos/wildside-sub000/pkg/solver"
	"github.com/leynos/wildside-sub000/pkg/storage"
	"github.com/leynos/wildside-sub000/pkg/worker"
)

// Config is the process configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Solver      SolverConfig      `yaml:"solver"`
	Scoring     scoring.Config    `yaml:"scoring"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Cache       CacheConfig       `yaml:"cache"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig configures the HTTP surface and admission limits.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	RatePerSecond       float64  `yaml:"rate_per_second"`
	Burst               int      `yaml:"burst"`
	MaxPendingRoutes    int64    `yaml:"max_pending_routes"`
	QueueFullRetryAfter Duration `yaml:"queue_full_retry_after"`
}

// DatabaseConfig selects the SQL store.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the Redis cache and notifier when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// QueueConfig tunes workers and the route job.
type QueueConfig struct {
	Concurrency      int      `yaml:"concurrency"`
	PollInterval     Duration `yaml:"poll_interval"`
	Lease            Duration `yaml:"lease"`
	RouteWeight      int      `yaml:"route_weight"`
	EnrichmentWeight int      `yaml:"enrichment_weight"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffMax       Duration `yaml:"backoff_max"`

	RouteMaxAttempts int      `yaml:"route_max_attempts"`
	RouteTimeout     Duration `yaml:"route_timeout"`
	RoutePriority    int      `yaml:"route_priority"`
}

// SolverConfig tunes route generation.
type SolverConfig struct {
	SolveTime     Duration       `yaml:"solve_time"`
	CommitMargin  Duration       `yaml:"commit_margin"`
	PlanRetention Duration       `yaml:"plan_retention"`
	Travel        solver.Options `yaml:"travel"`
}

// EnrichmentConfig configures the trigger and the Overpass worker.
type EnrichmentConfig struct {
	Enabled  bool                      `yaml:"enabled"`
	Cooldown Duration                  `yaml:"cooldown"`
	Overpass enrichment.OverpassConfig `yaml:"overpass"`
	Worker   enrichment.Config         `yaml:"worker"`
}

// IdempotencyConfig bounds how long idempotency keys are honoured.
type IdempotencyConfig struct {
	TTL Duration `yaml:"ttl"`
}

// CacheConfig tunes the route cache and in-flight markers.
type CacheConfig struct {
	TTL         Duration `yaml:"ttl"`
	InflightTTL Duration `yaml:"inflight_ttl"`
	// MaxEntries bounds the in-memory cache used without Redis.
	MaxEntries int `yaml:"max_entries"`
}

// MaintenanceConfig schedules the background sweeps.
type MaintenanceConfig struct {
	ReaperSchedule    string   `yaml:"reaper_schedule"`
	StaleAfter        Duration `yaml:"stale_after"`
	RetentionSchedule string   `yaml:"retention_schedule"`
	PurgeSchedule     string   `yaml:"purge_schedule"`
	Tick              Duration `yaml:"tick"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	gk := gatekeeper.DefaultConfig()
	rw := routeworker.DefaultConfig()
	pool := storage.DefaultPoolConfig()
	maint := schedule.DefaultMaintenanceConfig()
	backoff := worker.DefaultBackoff()

	return &Config{
		Server: ServerConfig{
			Addr:                ":8080",
			ReadTimeout:         Duration(10 * time.Second),
			WriteTimeout:        Duration(30 * time.Second),
			ShutdownTimeout:     Duration(15 * time.Second),
			RatePerSecond:       gk.RatePerSecond,
			Burst:               gk.Burst,
			MaxPendingRoutes:    gk.MaxPendingRoutes,
			QueueFullRetryAfter: Duration(gk.QueueFullRetryAfter),
		},
		Database: DatabaseConfig{
			Driver:          storage.DriverSQLite,
			DSN:             "wildside.db",
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: Duration(pool.ConnMaxLifetime),
		},
		Queue: QueueConfig{
			Concurrency:      4,
			PollInterval:     Duration(100 * time.Millisecond),
			Lease:            Duration(storage.DefaultLease),
			RouteWeight:      worker.DefaultRouteWeight,
			EnrichmentWeight: worker.DefaultEnrichmentWeight,
			BackoffBase:      Duration(backoff.Base),
			BackoffMax:       Duration(backoff.Max),
			RouteMaxAttempts: rw.MaxAttempts,
			RouteTimeout:     Duration(rw.JobTimeout),
			RoutePriority:    gk.RoutePriority,
		},
		Solver: SolverConfig{
			SolveTime:     Duration(rw.SolveTime),
			CommitMargin:  Duration(rw.CommitMargin),
			PlanRetention: Duration(rw.PlanRetention),
			Travel:        rw.Solver,
		},
		Scoring: scoring.DefaultConfig(),
		Enrichment: EnrichmentConfig{
			Enabled:  true,
			Cooldown: Duration(enrichment.DefaultCooldown),
			Overpass: enrichment.DefaultOverpassConfig(),
			Worker:   enrichment.DefaultConfig(),
		},
		Idempotency: IdempotencyConfig{TTL: Duration(gk.IdempotencyTTL)},
		Cache: CacheConfig{
			TTL:         Duration(gk.CacheTTL),
			InflightTTL: Duration(gk.InflightTTL),
			MaxEntries:  10_000,
		},
		Maintenance: MaintenanceConfig{
			ReaperSchedule:    maint.ReaperSchedule,
			StaleAfter:        Duration(maint.StaleAfter),
			RetentionSchedule: maint.RetentionSchedule,
			PurgeSchedule:     maint.PurgeSchedule,
			Tick:              Duration(time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty; a missing .env file
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Database.Driver == storage.DriverSQLite || c.Database.Driver == storage.DriverPostgres,
		fmt.Sprintf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	check(c.Database.DSN != "", "database.dsn is required")
	check(c.Queue.Concurrency > 0, "queue.concurrency must be positive")
	check(c.Queue.PollInterval > 0, "queue.poll_interval must be positive")
	check(c.Queue.Lease > 0, "queue.lease must be positive")
	check(c.Queue.RouteWeight > 0 && c.Queue.EnrichmentWeight > 0, "queue lane weights must be positive")
	check(c.Queue.RouteMaxAttempts > 0, "queue.route_max_attempts must be positive")
	check(c.Queue.RouteTimeout > 0, "queue.route_timeout must be positive")
	check(c.Solver.SolveTime > 0, "solver.solve_time must be positive")
	check(c.Solver.CommitMargin >= 0 && c.Solver.CommitMargin < c.Queue.RouteTimeout,
		"solver.commit_margin must be shorter than queue.route_timeout")
	check(c.Solver.Travel.WalkingSpeed > 0, "solver.travel.walking_speed must be positive")
	check(c.Scoring.MaxCandidates > 0, "scoring.max_candidates must be positive")
	check(c.Scoring.MinRadiusMeters > 0 && c.Scoring.MinRadiusMeters <= c.Scoring.MaxRadiusMeters,
		"scoring radius bounds are inverted")
	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Cache.InflightTTL > 0, "cache.inflight_ttl must be positive")
	check(c.Cache.MaxEntries > 0, "cache.max_entries must be positive")
	check(c.Server.RatePerSecond >= 0 && c.Server.Burst >= 0, "server rate limits cannot be negative")
	if c.Enrichment.Enabled {
		check(c.Enrichment.Overpass.Endpoint != "", "enrichment.overpass.endpoint is required")
		check(c.Enrichment.Worker.MaxConcurrentCalls > 0, "enrichment.worker.max_concurrent_calls must be positive")
		check(c.Enrichment.Cooldown > 0, "enrichment.cooldown must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Gatekeeper returns the admission settings.
func (c *Config) Gatekeeper() gatekeeper.Config {
	return gatekeeper.Config{
		IdempotencyTTL:      security.ClampIdempotencyTTL(c.Idempotency.TTL.D()),
		CacheTTL:            c.Cache.TTL.D(),
		InflightTTL:         c.Cache.InflightTTL.D(),
		RatePerSecond:       c.Server.RatePerSecond,
		Burst:               c.Server.Burst,
		MaxPendingRoutes:    c.Server.MaxPendingRoutes,
		QueueFullRetryAfter: c.Server.QueueFullRetryAfter.D(),
		RoutePriority:       c.Queue.RoutePriority,
	}
}

// RouteWorker returns the route job settings.
func (c *Config) RouteWorker() routeworker.Config {
	return routeworker.Config{
		SolveTime:     c.Solver.SolveTime.D(),
		CommitMargin:  c.Solver.CommitMargin.D(),
		JobTimeout:    c.Queue.RouteTimeout.D(),
		MaxAttempts:   c.Queue.RouteMaxAttempts,
		PlanRetention: c.Solver.PlanRetention.D(),
		CacheTTL:      c.Cache.TTL.D(),
		Solver:        c.Solver.Travel,
	}
}

// WorkerOptions returns the job worker settings.
func (c *Config) WorkerOptions() []worker.WorkerOption {
	return []worker.WorkerOption{
		worker.WorkerLane(core.LaneRouteGeneration, c.Queue.RouteWeight),
		worker.WorkerLane(core.LaneEnrichment, c.Queue.EnrichmentWeight),
		worker.Concurrency(c.Queue.Concurrency),
		worker.PollInterval(c.Queue.PollInterval.D()),
		worker.Lease(c.Queue.Lease.D()),
		worker.Backoff(c.Queue.BackoffBase.D(), c.Queue.BackoffMax.D()),
	}
}

// PoolOptions returns the database pool settings.
func (c *Config) PoolOptions() []storage.PoolOption {
	return []storage.PoolOption{
		storage.MaxOpenConns(c.Database.MaxOpenConns),
		storage.MaxIdleConns(c.Database.MaxIdleConns),
		storage.ConnMaxLifetime(c.Database.ConnMaxLifetime.D()),
	}
}

// MaintenanceSchedules returns the background sweep settings.
func (c *Config) MaintenanceSchedules() schedule.MaintenanceConfig {
	return schedule.MaintenanceConfig{
		ReaperSchedule:    c.Maintenance.ReaperSchedule,
		StaleAfter:        c.Maintenance.StaleAfter.D(),
		RetentionSchedule: c.Maintenance.RetentionSchedule,
		PurgeSchedule:     c.Maintenance.PurgeSchedule,
	}
}
