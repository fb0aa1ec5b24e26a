package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/taskqueue/internal/api"
	"github.com/phrazzld/taskqueue/internal/auth"
	"github.com/phrazzld/taskqueue/internal/batch"
	"github.com/phrazzld/taskqueue/internal/config"
	"github.com/phrazzld/taskqueue/internal/consistency"
	"github.com/phrazzld/taskqueue/internal/failure"
	"github.com/phrazzld/taskqueue/internal/lock"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"github.com/phrazzld/taskqueue/internal/platform/postgres"
	"github.com/phrazzld/taskqueue/internal/platform/procstat"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/phrazzld/taskqueue/internal/task"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// application holds the wired components and the resources to release on
// shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	redis    *redis.Client
	metrics  *metrics.Provider
	registry *task.Registry
	service  *task.Service
	runner   *task.Runner
	router   http.Handler
}

// newApplication wires the stores, the queue components and the API.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{config: cfg, logger: logger, db: db}

	app.metrics = metrics.NewProvider()
	otel.SetMeterProvider(app.metrics.MeterProvider())
	sink, err := metrics.New(app.metrics.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	var memory task.MemoryProbe
	if sampler, err := procstat.New(); err != nil {
		// memory is then reported as zero
		logger.Warn("process sampler unavailable", "error", err)
	} else {
		memory = sampler
	}

	var notifier notify.Notifier
	notifier, app.redis = newNotifier(cfg.Redis)

	tx := store.NewTxManager(db)
	taskStore := postgres.NewTaskStore(db)

	cm := consistency.NewManager(tx, postgres.NewMarkerStore(db),
		consistency.WithMetrics(sink),
		consistency.WithDeadlockRetries(cfg.Queue.DeadlockRetries))

	sizer := batch.NewSizer(
		batch.WithSlowThreshold(cfg.Batch.SlowThreshold),
		batch.WithMinSuccessRate(cfg.Batch.MinSuccessRate))
	bp := batch.NewProcessor(tx,
		batch.WithSizer(sizer),
		batch.WithClearEvery(cfg.Batch.CacheClearEvery),
		batch.WithClearers(cm.Cache()),
		batch.WithMetrics(sink))

	deps := task.Deps{
		Store:           taskStore,
		Logs:            postgres.NewExecutionLogStore(db),
		Tx:              tx,
		Locks:           lock.NewService(postgres.NewLockStore(db)),
		Signal:          task.NewSignal(),
		Metrics:         sink,
		Notifier:        notifier,
		Memory:          memory,
		DeadlockRetries: cfg.Queue.DeadlockRetries,
	}

	app.registry = task.NewRegistry()
	registerHandlers(app.registry, notifier)

	retry := task.NewRetryManager(deps, failure.NewPlanner())
	queue := task.NewQueue(deps, task.QueueConfig{
		BatchLimit:          cfg.Queue.BatchLimit,
		LockTTL:             cfg.Queue.LockTTL,
		MaxRunningDuration:  cfg.Queue.MaxRunningDuration,
		LongRunningCritical: cfg.Queue.LongRunningCritical,
		HealthWindow:        cfg.Queue.HealthWindow,
	}, app.registry, retry, task.WithConsistency(cm))

	app.service = task.NewService(deps, queue, retry, bp,
		task.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries))

	sweeper := task.NewSweeper(deps, task.SweepConfig{
		MaxRunningDuration: cfg.Queue.MaxRunningDuration,
		Retention:          cfg.Queue.RetentionAge,
	}, retry, bp)

	app.runner = task.NewRunner(queue, retry, sweeper, task.RunnerConfig{
		WorkerCount:   cfg.Queue.WorkerCount,
		Queues:        cfg.Queue.Queues,
		PollInterval:  cfg.Queue.PollInterval,
		SweepInterval: cfg.Queue.SweepInterval,
	}, logger.With("component", "runner"))

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.router = api.NewRouter(api.RouterConfig{
		Tasks:   app.service,
		Auth:    jwtService,
		DB:      db,
		Metrics: app.metrics,
		Logger:  logger,
	})

	logger.Info("application initialized",
		"handlers", app.registry.Types(),
		"deadlock_retries", cfg.Queue.DeadlockRetries)
	return app, nil
}

// newNotifier always logs alerts and also publishes them to Redis when
// enabled. The returned client is nil when Redis is disabled.
func newNotifier(cfg config.RedisConfig) (notify.Notifier, *redis.Client) {
	if !cfg.Enabled {
		return notify.Log{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	published := notify.NewRateLimited(notify.NewRedis(client, cfg.Channel), cfg.AlertsPerSecond, cfg.AlertBurst)
	return notify.Multi{notify.Log{}, published}, client
}

// serve runs the workers and the HTTP server until ctx is cancelled or one
// of them fails, then shuts both down.
func (app *application) serve(ctx context.Context, workers, httpAPI bool) error {
	g, ctx := errgroup.WithContext(ctx)

	if workers {
		if err := app.runner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start task runner: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			app.runner.Stop()
			return nil
		})
	}

	if httpAPI {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
			Handler:           app.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			app.logger.Info("starting server", "port", app.config.Server.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			app.logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// cleanup releases what newApplication opened. The database is closed by
// the caller.
func (app *application) cleanup() {
	if app.runner != nil {
		app.runner.Stop()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.metrics.Shutdown(ctx); err != nil {
			app.logger.Error("error shutting down meter provider", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
