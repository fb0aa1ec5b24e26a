package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/batch"
	"github.com/phrazzld/taskqueue/internal/failure"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"go.uber.org/multierr"
)

// SweepConfig tunes the periodic maintenance.
type SweepConfig struct {
	// Limit caps the tasks handled per sweep.
	Limit int
	// MaxRunningDuration is how long a task may stay RUNNING.
	MaxRunningDuration time.Duration
	// OrphanGrace is how long a RUNNING task may go without its lock
	// before it is considered abandoned.
	OrphanGrace time.Duration
	// Retention is how long finished tasks are kept. Zero disables purging.
	Retention time.Duration
}

// DefaultSweepConfig returns the production defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Limit:              500,
		MaxRunningDuration: time.Hour,
		OrphanGrace:        time.Minute,
		Retention:          30 * 24 * time.Hour,
	}
}

// Sweeper expires overdue tasks, recovers stuck ones and purges old ones.
type Sweeper struct {
	*core
	config SweepConfig
	retry  *RetryManager
	batch  *batch.Processor
}

// NewSweeper creates a Sweeper.
func NewSweeper(deps Deps, config SweepConfig, retry *RetryManager, bp *batch.Processor) *Sweeper {
	c := newCore(deps)
	d := DefaultSweepConfig()
	if config.Limit <= 0 {
		config.Limit = d.Limit
	}
	if config.MaxRunningDuration <= 0 {
		config.MaxRunningDuration = d.MaxRunningDuration
	}
	if config.OrphanGrace <= 0 {
		config.OrphanGrace = d.OrphanGrace
	}
	if bp == nil {
		bp = batch.NewProcessor(c.Tx, batch.WithMetrics(c.Metrics), batch.WithClock(c.Clock))
	}
	return &Sweeper{core: c, config: config, retry: retry, batch: bp}
}

// ExpireOverdue applies expiry to every unfinished task past its expires_at,
// writes an expiry execution log for each and alerts about them. It returns
// the number of tasks expired.
func (s *Sweeper) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()

	overdue, err := s.Store.ListExpired(ctx, now, s.config.Limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired tasks: %w", err)
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	var expired []*Task
	res, err := batch.Process(ctx, s.batch, batch.KindStatusUpdate, overdue, func(ctx context.Context, chunk []*Task) error {
		var done []*Task
		for _, t := range chunk {
			cur, changed, err := s.expireOne(ctx, t.ID, now)
			if err != nil {
				return err
			}
			if changed {
				done = append(done, cur)
			}
		}
		expired = append(expired, done...)
		return nil
	})
	errs := multierr.Append(err, res.Err())

	logs := make([]*ExecutionLog, 0, len(expired))
	for _, t := range expired {
		logs = append(logs, expiryLog(t, now))
	}
	logRes, err := batch.Process(ctx, s.batch, batch.KindLogWrite, logs, func(ctx context.Context, chunk []*ExecutionLog) error {
		return s.Logs.Append(ctx, chunk)
	})
	errs = multierr.Append(errs, multierr.Append(err, logRes.Err()))

	_, err = batch.Process(ctx, s.batch, batch.KindNotification, expired, func(ctx context.Context, chunk []*Task) error {
		for _, t := range chunk {
			s.Notifier.Send(ctx, notify.SeverityWarning, "task expired", map[string]any{
				"task_id":   t.ID,
				"task_type": string(t.Type),
				"queue":     t.QueueName,
				"status":    string(t.Status),
			})
		}
		return nil
	})
	errs = multierr.Append(errs, err)

	for _, t := range expired {
		s.resolveDependents(ctx, t.ID)
	}

	if len(expired) > 0 {
		logger.FromContext(ctx).Info("expired overdue tasks", slog.Int("count", len(expired)))
	}
	return len(expired), errs
}

// RecoverStuck fails RUNNING tasks that ran longer than MaxRunningDuration
// or whose worker no longer holds the task lock. The failure is classified
// as a system error, so the task is retried while its budget lasts.
func (s *Sweeper) RecoverStuck(ctx context.Context) (int, error) {
	if s.retry == nil || s.Locks == nil {
		return 0, errors.New("recover stuck tasks: retry manager and lock service are required")
	}
	now := s.now()
	log := logger.FromContext(ctx)

	running, err := s.Store.ListRunningSince(ctx, "", now.Add(-s.config.OrphanGrace), s.config.Limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list running tasks: %w", err)
	}

	recovered := 0
	var errs error
	for _, t := range running {
		if ctx.Err() != nil {
			break
		}

		var cause error
		if now.Sub(*t.StartedAt) > s.config.MaxRunningDuration {
			cause = fmt.Errorf("task exceeded maximum running duration of %s", s.config.MaxRunningDuration)
		} else {
			locked, err := s.Locks.IsLocked(ctx, LockKey(t.ID))
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if locked {
				continue
			}
			cause = errors.New("task lock lost while running")
		}

		log.Warn("recovering stuck task",
			slog.String("task_id", t.ID),
			slog.Time("started_at", *t.StartedAt),
			slog.String("reason", cause.Error()))

		if _, err := s.retry.HandleFailure(ctx, t, failure.System(cause)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		recovered++
	}
	return recovered, errs
}

// PurgeFinished deletes tasks that finished more than Retention ago, in
// cleanup batches. Their logs, dependencies and markers go with them.
func (s *Sweeper) PurgeFinished(ctx context.Context) (int64, error) {
	if s.config.Retention <= 0 {
		return 0, nil
	}

	ids, err := s.Store.ListFinishedBefore(ctx, s.now().Add(-s.config.Retention), s.config.Limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list finished tasks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	res, err := batch.Process(ctx, s.batch, batch.KindCleanup, ids, func(ctx context.Context, chunk []string) error {
		n, err := s.Store.Delete(ctx, chunk)
		if err != nil {
			return err
		}
		deleted += n
		return nil
	})

	logger.FromContext(ctx).Info("purged finished tasks",
		slog.Int64("deleted", deleted),
		slog.Int("failed", res.Failed))
	return deleted, multierr.Append(err, res.Err())
}

// SweepLocks removes expired locks.
func (s *Sweeper) SweepLocks(ctx context.Context) (int64, error) {
	if s.Locks == nil {
		return 0, nil
	}
	return s.Locks.Sweep(ctx)
}
