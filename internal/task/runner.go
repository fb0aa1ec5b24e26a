package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks
	WorkerCount int

	// Queues lists the queues every worker polls, in order
	Queues []string

	// PollInterval is how long an idle worker waits before polling again
	// when it is not woken earlier
	PollInterval time.Duration

	// SweepInterval defines how often retries, expiry, stuck tasks, locks,
	// retention and queue health are checked
	SweepInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:   2,
		Queues:        DefaultQueues,
		PollInterval:  5 * time.Second,
		SweepInterval: time.Minute,
	}
}

// Runner manages background task processing
type Runner struct {
	queue   *Queue
	retry   *RetryManager
	sweeper *Sweeper
	config  RunnerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a new Runner
func NewRunner(q *Queue, r *RetryManager, s *Sweeper, config RunnerConfig, log *slog.Logger) *Runner {
	d := DefaultRunnerConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = d.WorkerCount
	}
	if len(config.Queues) == 0 {
		config.Queues = d.Queues
	}
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = d.SweepInterval
	}
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		queue:   q,
		retry:   r,
		sweeper: s,
		config:  config,
		logger:  log,
	}
}

// Start recovers unfinished work and starts the workers and the sweep loop.
// They run until Stop is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("task runner already started")
	}

	ctx = logger.WithLogger(ctx, r.logger)

	// Recover unfinished tasks from previous runs
	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	// Start worker goroutines
	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	// Start goroutine for the periodic sweeps
	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("task runner started",
		slog.Int("workers", r.config.WorkerCount),
		slog.Any("queues", r.config.Queues))
	return nil
}

// Stop gracefully shuts down the runner, waiting for in-flight tasks
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.running = false
	r.logger.Info("task runner stopped")
}

// Recover handles work left behind by a previous process: RUNNING tasks
// whose lock is gone are failed and retried, and interrupted retries are
// released.
func (r *Runner) Recover(ctx context.Context) error {
	recovered, err := r.sweeper.RecoverStuck(ctx)
	if err != nil {
		r.logger.Error("failed to recover some running tasks", slog.String("error", err.Error()))
	}

	released, rerr := r.retry.ProcessDueRetries(ctx)
	if rerr != nil {
		return rerr
	}

	// Log recovery statistics
	r.logger.Info("recovering unfinished tasks",
		slog.Int("recovered_count", recovered),
		slog.Int("released_count", released))

	r.queue.Signal.Notify()
	return nil
}

// worker processes the queues until ctx is done
func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	log := r.logger.With(slog.Int("worker_id", id))
	ctx = logger.WithLogger(ctx, log)
	log.Debug("starting worker")

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}

		if r.drain(ctx) {
			// More work may be waiting; let an idle peer help
			r.queue.Signal.Notify()
			continue
		}

		select {
		case <-ctx.Done():
			// Context cancelled, stop worker
			log.Debug("stopping worker")
			return
		case <-ticker.C:
		case <-r.queue.Signal.C():
		}
	}
}

// drain polls each queue once and reports whether any task was executed.
func (r *Runner) drain(ctx context.Context) bool {
	busy := false
	for _, name := range r.config.Queues {
		if ctx.Err() != nil {
			return false
		}
		res, err := r.queue.ProcessQueue(ctx, name)
		if err != nil {
			logger.FromContext(ctx).Error("failed to process queue",
				slog.String("queue", name),
				slog.String("error", err.Error()))
			continue
		}
		if res.Processed+res.Failed > 0 {
			busy = true
		}
	}
	return busy
}

// sweepLoop periodically runs the maintenance sweeps
func (r *Runner) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every maintenance job once. Failures are logged and do not
// stop the remaining jobs.
func (r *Runner) Sweep(ctx context.Context) {
	log := logger.FromContext(ctx)

	if n, err := r.sweeper.SweepLocks(ctx); err != nil {
		log.Error("failed to sweep expired locks", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Debug("swept expired locks", slog.Int64("count", n))
	}

	if _, err := r.retry.ProcessDueRetries(ctx); err != nil {
		log.Error("failed to process due retries", slog.String("error", err.Error()))
	}

	if _, err := r.sweeper.ExpireOverdue(ctx); err != nil {
		log.Error("failed to expire overdue tasks", slog.String("error", err.Error()))
	}

	if n, err := r.sweeper.RecoverStuck(ctx); err != nil {
		log.Error("failed to check for stuck tasks", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Info("found stuck tasks", slog.Int("count", n))
	}

	if _, err := r.sweeper.PurgeFinished(ctx); err != nil {
		log.Error("failed to purge finished tasks", slog.String("error", err.Error()))
	}

	r.checkHealth(ctx)
}

// checkHealth alerts about every queue that is not healthy.
func (r *Runner) checkHealth(ctx context.Context) {
	for _, name := range r.config.Queues {
		h, err := r.queue.Health(ctx, name)
		if err != nil {
			logger.FromContext(ctx).Error("failed to check queue health",
				slog.String("queue", name),
				slog.String("error", err.Error()))
			continue
		}
		if h.Status == HealthHealthy {
			continue
		}
		r.queue.Notifier.Send(ctx, h.AlertSeverity(), "queue unhealthy", map[string]any{
			"queue":         name,
			"status":        string(h.Status),
			"failure_ratio": h.FailureRatio,
			"long_running":  h.LongRunning,
			"pending":       h.Stats.Pending,
		})
	}
}
