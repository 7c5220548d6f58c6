// Command wildside runs the route generation service.
//
// One binary serves every role. With -role=all (the default) a process
// accepts requests, runs route and enrichment jobs and performs
// maintenance. Larger deployments run -role=api and -role=worker
// processes against a shared PostgreSQL database and Redis, which carries
// the route cache and status events between them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/leynos/wildside-sub000/pkg/api"
	"github.com/leynos/wildside-sub000/pkg/cache"
	"github.com/leynos/wildside-sub000/pkg/config"
	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/enrichment"
	"github.com/leynos/wildside-sub000/pkg/gatekeeper"
	"github.com/leynos/wildside-sub000/pkg/logging"
	"github.com/leynos/wildside-sub000/pkg/metrics"
	"github.com/leynos/wildside-sub000/pkg/notify"
	"github.com/leynos/wildside-sub000/pkg/queue"
	"github.com/leynos/wildside-sub000/pkg/routeworker"
	"github.com/leynos/wildside-sub000/pkg/schedule"
	"github.com/leynos/wildside-sub000/pkg/scoring"
	"github.com/leynos/wildside-sub000/pkg/storage"
	"github.com/leynos/wildside-sub000/pkg/worker"
)

const (
	roleAll    = "all"
	roleAPI    = "api"
	roleWorker = "worker"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "YAML configuration file")
	role := flag.String("role", roleAll, "process role: all, api or worker")
	flag.Parse()

	if err := run(*configPath, *role); err != nil {
		slog.Error("wildside exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, role string) error {
	switch role {
	case roleAll, roleAPI, roleWorker:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger = logger.With("role", role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.PoolOptions()...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	var (
		routeCache core.RouteCache
		notifier   core.Notifier
		redisConn  *redis.Client
	)
	hub := notify.NewHub()
	hub.SetLogger(logger)
	if cfg.Redis.Enabled() {
		redisConn, err = cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redisConn.Close()
		routeCache = cache.NewRedis(redisConn)
		notifier = notify.NewRedisNotifier(redisConn)
		logger.Info("redis ready", "addr", cfg.Redis.Addr)
	} else {
		routeCache = cache.NewMemory(cfg.Cache.MaxEntries)
		notifier = hub
		if role != roleAll {
			logger.Warn("without redis, status events and cache entries stay inside this process")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	q := queue.New(store)
	q.SetLogger(logger)
	m.Instrument(q)

	tracker := notify.NewTracker(store, notifier)
	tracker.SetLogger(logger)

	g, ctx := errgroup.WithContext(ctx)

	if role == roleAll || role == roleWorker {
		startWorkers(ctx, g, cfg, logger, store, q, routeCache, tracker, m)
	} else {
		q.Declare(core.KindRouteGeneration,
			queue.Lane(core.LaneRouteGeneration),
			queue.MaxAttempts(cfg.Queue.RouteMaxAttempts),
			queue.Timeout(cfg.Queue.RouteTimeout.D()),
		)
	}

	if role == roleAll || role == roleAPI {
		gk := gatekeeper.New(gatekeeper.Deps{
			Idempotency: store,
			Inflight:    store,
			Cache:       routeCache,
			Plans:       store,
			Tracker:     tracker,
			Queue:       q,
			Observer:    m,
		}, cfg.Gatekeeper())
		gk.SetLogger(logger)

		srv := api.New(gk, store, q, hub,
			api.WithMetrics(m, registry),
			api.WithHealthCheck(pingDatabase(db)),
			api.WithLogger(logger),
		)
		serveHTTP(ctx, g, cfg, logger, srv.Handler())

		if redisConn != nil {
			bridge := notify.NewRedisBridge(redisConn, hub)
			bridge.SetLogger(logger)
			g.Go(func() error { return ignoreCanceled(bridge.Start(ctx)) })
		}
	}

	err = g.Wait()
	hub.Close()
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// startWorkers registers the job handlers and starts the job worker and
// the maintenance runner.
func startWorkers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	logger *slog.Logger,
	store *storage.GormStorage,
	q *queue.Queue,
	routeCache core.RouteCache,
	tracker *notify.Tracker,
	m *metrics.Metrics,
) {
	var trigger *enrichment.Trigger
	if cfg.Enrichment.Enabled {
		source := enrichment.NewOverpass(cfg.Enrichment.Overpass, &http.Client{})
		ew := enrichment.NewWorker(source, store, store, cfg.Enrichment.Worker, m)
		ew.SetLogger(logger)
		ew.Register(q)

		trigger = enrichment.NewTrigger(store, q, cfg.Enrichment.Cooldown.D())
		trigger.SetLogger(logger)
	}

	rw := routeworker.New(routeworker.Deps{
		Scorer:   scoring.New(store, cfg.Scoring),
		Plans:    store,
		Cache:    routeCache,
		Inflight: store,
		Tracker:  tracker,
		Trigger:  trigger,
		Observer: m,
	}, cfg.RouteWorker())
	rw.SetLogger(logger)
	rw.Register(q)

	w := worker.NewWorker(q, append(cfg.WorkerOptions(), worker.WithLogger(logger))...)
	g.Go(func() error { return ignoreCanceled(w.Start(ctx)) })

	tasks, err := schedule.Maintenance(cfg.MaintenanceSchedules(), q, store, store, logger)
	if err != nil {
		g.Go(func() error { return fmt.Errorf("maintenance schedules: %w", err) })
		return
	}
	runner := schedule.NewRunner(cfg.Maintenance.Tick.D(), tasks...)
	runner.SetLogger(logger)
	g.Go(func() error { return ignoreCanceled(runner.Start(ctx)) })
}

// serveHTTP runs the HTTP server until ctx ends, then drains it.
func serveHTTP(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger, h http.Handler) {
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout.D(),
		WriteTimeout:      cfg.Server.WriteTimeout.D(),
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("http server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
}

func pingDatabase(db *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return sqlDB.PingContext(ctx)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
