package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/lock"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"github.com/phrazzld/taskqueue/internal/store"
)

// MemoryProbe reports the memory used by the process.
type MemoryProbe interface {
	RSS(ctx context.Context) uint64
}

// Deps are the collaborators shared by Queue, RetryManager, Service and
// Sweeper. Store, Logs and Locks are required; the rest have defaults.
type Deps struct {
	Store    Store
	Logs     ExecutionLogStore
	Tx       store.Transactor
	Locks    *lock.Service
	Signal   *Signal
	Metrics  *metrics.Sink
	Notifier notify.Notifier
	Memory   MemoryProbe
	Clock    func() time.Time

	// DeadlockRetries is the attempt budget for units of work that hit a
	// deadlock. Defaults to 3.
	DeadlockRetries int
}

type core struct {
	Deps
}

func newCore(d Deps) *core {
	if d.Tx == nil {
		d.Tx = store.NopTransactor{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.DeadlockRetries <= 0 {
		d.DeadlockRetries = 3
	}
	return &core{Deps: d}
}

func (c *core) now() time.Time {
	return c.Clock().UTC()
}

func (c *core) runTx(ctx context.Context, fn store.TxFn) error {
	return store.RunWithRetry(ctx, c.Tx, fn, c.DeadlockRetries)
}

func (c *core) memory(ctx context.Context) uint64 {
	if c.Memory == nil {
		return 0
	}
	return c.Memory.RSS(ctx)
}

// LockKey is the lock taken while a task executes.
func LockKey(taskID string) string {
	return "task:" + taskID
}

// Signal wakes idle workers when work becomes available. A nil Signal is
// valid and never fires.
type Signal struct {
	ch chan struct{}
}

// NewSignal creates a Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify wakes one waiting worker without blocking.
func (s *Signal) Notify() {
	if s == nil {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is the channel workers wait on.
func (s *Signal) C() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}

// expireOne applies lazy expiry to the stored task inside the caller's
// transaction. A RUNNING task fails; a PENDING or RETRYING task is
// cancelled. It reports whether the task changed.
func (c *core) expireOne(ctx context.Context, id string, now time.Time) (*Task, bool, error) {
	t, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !t.Expired(now) {
		return t, false, nil
	}

	from := t.Status
	if from == StatusRetrying {
		if err := transition(ctx, t, StatusPending, now, transitionOpts{}); err != nil {
			return nil, false, err
		}
		if err := c.Store.Update(ctx, t, from); err != nil {
			return conflictOr(t, err)
		}
		from = StatusPending
	}

	switch from {
	case StatusRunning:
		if err := transition(ctx, t, StatusFailed, now, transitionOpts{}); err != nil {
			return nil, false, err
		}
		t.ErrorMessage = ErrExpired.Error()
	case StatusPending:
		if err := transition(ctx, t, StatusCancelled, now, transitionOpts{}); err != nil {
			return nil, false, err
		}
		t.ErrorMessage = "expired"
	default:
		return t, false, nil
	}

	if err := c.Store.Update(ctx, t, from); err != nil {
		return conflictOr(t, err)
	}
	return t, true, nil
}

// conflictOr swallows a lost conditional write: someone else moved the task.
func conflictOr(t *Task, err error) (*Task, bool, error) {
	if store.IsConflictError(err) {
		return t, false, nil
	}
	return nil, false, err
}

// expireTask runs lazy expiry for t and returns the current task.
func (c *core) expireTask(ctx context.Context, t *Task) (*Task, error) {
	now := c.now()
	if !t.Expired(now) {
		return t, nil
	}

	var (
		out     *Task
		changed bool
	)
	err := c.runTx(ctx, func(ctx context.Context) error {
		var err error
		out, changed, err = c.expireOne(ctx, t.ID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire task %s: %w", t.ID, err)
	}
	if !changed {
		return c.Store.Get(ctx, t.ID)
	}

	logger.FromContext(ctx).Info("task expired",
		slog.String("task_id", out.ID),
		slog.String("status", string(out.Status)))

	entry := expiryLog(out, now)
	if err := c.Logs.Append(ctx, []*ExecutionLog{entry}); err != nil {
		logger.FromContext(ctx).Warn("failed to write expiry log",
			slog.String("task_id", out.ID),
			slog.String("error", err.Error()))
	}
	c.resolveDependents(ctx, out.ID)
	return out, nil
}

func expiryLog(t *Task, now time.Time) *ExecutionLog {
	completed := now
	return &ExecutionLog{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		Status:      ExecutionExpired,
		StartedAt:   now,
		CompletedAt: &completed,
		Error:       t.ErrorMessage,
	}
}

// resolveDependents runs after taskID reached a terminal status. Dependents
// that can never be released are cancelled, which cascades to their own
// dependents; if any dependent became eligible the workers are woken.
func (c *core) resolveDependents(ctx context.Context, taskID string) {
	log := logger.FromContext(ctx)
	now := c.now()
	ready := false

	pending := []string{taskID}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		deps, err := c.Store.Dependents(ctx, id)
		if err != nil {
			log.Error("failed to load dependents",
				slog.String("task_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if len(deps) == 0 {
			continue
		}

		parent, err := c.Store.Get(ctx, id)
		if err != nil {
			log.Error("failed to load task for dependency resolution",
				slog.String("task_id", id),
				slog.String("error", err.Error()))
			continue
		}

		for _, d := range deps {
			if d.Satisfied(parent.Status) {
				ready = true
				continue
			}
			if !d.Unsatisfiable(parent.Status) {
				continue
			}

			child, err := c.Store.Get(ctx, d.TaskID)
			if err != nil || child.Status != StatusPending {
				continue
			}
			if err := transition(ctx, child, StatusCancelled, now, transitionOpts{}); err != nil {
				continue
			}
			child.ErrorMessage = fmt.Sprintf("dependency %s ended %s", id, parent.Status)
			if err := c.Store.Update(ctx, child, StatusPending); err != nil {
				if !store.IsConflictError(err) {
					log.Error("failed to cancel dependent task",
						slog.String("task_id", child.ID),
						slog.String("error", err.Error()))
				}
				continue
			}

			log.Info("cancelled task with unsatisfiable dependency",
				slog.String("task_id", child.ID),
				slog.String("depends_on_task_id", id),
				slog.String("dependency_status", string(parent.Status)))
			pending = append(pending, child.ID)
		}
	}

	if ready {
		c.Signal.Notify()
	}
}
