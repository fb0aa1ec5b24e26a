package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/consistency"
	"github.com/phrazzld/taskqueue/internal/failure"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"github.com/phrazzld/taskqueue/internal/redact"
	"github.com/phrazzld/taskqueue/internal/store"
)

// QueueConfig tunes a Queue.
type QueueConfig struct {
	// BatchLimit caps the tasks considered per ProcessQueue or Dequeue call.
	BatchLimit int
	// LockTTL is the lifetime of a task lock. It is extended while the task
	// runs.
	LockTTL time.Duration
	// MaxRunningDuration is how long a task may stay RUNNING before it is
	// reported by Health and recovered as stuck.
	MaxRunningDuration time.Duration
	// LongRunningCritical is the number of long running tasks that makes a
	// queue critical.
	LongRunningCritical int
	// HealthWindow bounds the finished tasks counted by Health.
	HealthWindow time.Duration
}

// DefaultQueueConfig returns the production defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchLimit:          10,
		LockTTL:             30 * time.Minute,
		MaxRunningDuration:  time.Hour,
		LongRunningCritical: 5,
		HealthWindow:        24 * time.Hour,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.BatchLimit <= 0 {
		c.BatchLimit = d.BatchLimit
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.MaxRunningDuration <= 0 {
		c.MaxRunningDuration = d.MaxRunningDuration
	}
	if c.LongRunningCritical <= 0 {
		c.LongRunningCritical = d.LongRunningCritical
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = d.HealthWindow
	}
	return c
}

// Queue admits tasks and executes them by priority.
type Queue struct {
	*core
	config      QueueConfig
	router      Router
	registry    *Registry
	retry       *RetryManager
	consistency *consistency.Manager
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithRouter replaces DefaultRouter.
func WithRouter(r Router) QueueOption {
	return func(q *Queue) { q.router = r }
}

// WithConsistency sets the manager that guards executions. By default an
// in-memory marker store is used.
func WithConsistency(m *consistency.Manager) QueueOption {
	return func(q *Queue) { q.consistency = m }
}

// NewQueue creates a Queue. Failures are handed to retry.
func NewQueue(deps Deps, config QueueConfig, registry *Registry, retry *RetryManager, opts ...QueueOption) *Queue {
	q := &Queue{
		core:     newCore(deps),
		config:   config.withDefaults(),
		router:   DefaultRouter(),
		registry: registry,
		retry:    retry,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.consistency == nil {
		q.consistency = consistency.NewManager(q.Tx, consistency.NewMemoryMarkerStore(),
			consistency.WithMetrics(q.Metrics),
			consistency.WithDeadlockRetries(q.DeadlockRetries))
	}
	if q.registry == nil {
		q.registry = NewRegistry()
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() QueueConfig {
	return q.config
}

// Registry returns the handler registry.
func (q *Queue) Registry() *Registry {
	return q.registry
}

// Consistency returns the manager guarding executions.
func (q *Queue) Consistency() *consistency.Manager {
	return q.consistency
}

// knownType reports whether tasks of type t can ever be executed.
func (q *Queue) knownType(t Type) bool {
	if _, ok := q.registry.Lookup(t); ok {
		return true
	}
	return slices.Contains(KnownTypes, t)
}

// Enqueue persists t as PENDING in queueName, or in the routed queue when
// queueName is empty. Missing id, priority and timestamps are filled in.
// Enqueueing an id that already exists returns false and no error.
func (q *Queue) Enqueue(ctx context.Context, t *Task, queueName string) (bool, error) {
	now := q.now()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Status != StatusPending {
		return false, fmt.Errorf("%w: new tasks must be %s", ErrInvalidTransition, StatusPending)
	}
	if !q.knownType(t.Type) {
		return false, fmt.Errorf("%w: %q", ErrInvalidType, t.Type)
	}
	if queueName != "" {
		t.QueueName = queueName
	}
	t.QueueName = q.router.Route(t)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	t.UpdatedAt = now

	if err := t.Validate(); err != nil {
		return false, err
	}

	if err := q.Store.Create(ctx, t); err != nil {
		if store.IsDuplicateError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.Metrics.Enqueued(ctx, t.QueueName)
	logger.FromContext(ctx).Debug("task enqueued",
		slog.String("task_id", t.ID),
		slog.String("task_type", string(t.Type)),
		slog.String("queue", t.QueueName),
		slog.Int("priority", t.Priority))

	if !t.ScheduledAt.After(now) {
		q.Signal.Notify()
	}
	return true, nil
}

// Dequeue claims up to limit eligible tasks of queue and returns them
// RUNNING. Callers executing the tasks themselves should hold LockKey for
// each, or the stuck task sweep will treat them as orphaned.
func (q *Queue) Dequeue(ctx context.Context, queue string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = q.config.BatchLimit
	}

	candidates, err := q.Store.ListEligible(ctx, queue, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible tasks: %w", err)
	}

	claimed := make([]*Task, 0, len(candidates))
	for _, t := range candidates {
		ok, err := q.claim(ctx, t)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, t)
		}
	}

	q.Metrics.Dequeued(ctx, queue, len(claimed))
	return claimed, nil
}

// claim moves a PENDING task to RUNNING. It returns false when another
// worker got there first.
func (q *Queue) claim(ctx context.Context, t *Task) (bool, error) {
	if t.Status != StatusPending {
		return false, nil
	}
	next := t.Clone()
	if err := transition(ctx, next, StatusRunning, q.now(), transitionOpts{}); err != nil {
		return false, err
	}
	if err := q.Store.Update(ctx, next, StatusPending); err != nil {
		if store.IsConflictError(err) {
			logger.FromContext(ctx).Debug("task already claimed",
				slog.String("task_id", t.ID))
			q.Metrics.Skipped(ctx, t.QueueName, "claimed")
			return false, nil
		}
		return false, fmt.Errorf("failed to claim task %s: %w", t.ID, err)
	}
	*t = *next
	return true, nil
}

// ProcessResult counts what a ProcessQueue call did.
type ProcessResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type attempt int

const (
	attemptSkipped attempt = iota
	attemptSucceeded
	attemptFailed
)

// ProcessQueue executes up to BatchLimit eligible tasks of queue, one at a
// time, each under its task lock. Tasks that are locked or claimed
// elsewhere are skipped.
func (q *Queue) ProcessQueue(ctx context.Context, queue string) (ProcessResult, error) {
	var res ProcessResult
	if q.Locks == nil {
		return res, errors.New("process queue: lock service is required")
	}

	candidates, err := q.Store.ListEligible(ctx, queue, q.now(), q.config.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to list eligible tasks: %w", err)
	}

	log := logger.FromContext(ctx)
	for _, t := range candidates {
		if ctx.Err() != nil {
			break
		}

		key := LockKey(t.ID)
		outcome := attemptSkipped
		acquired, err := q.Locks.With(ctx, key, q.config.LockTTL, func(ctx context.Context) error {
			ok, err := q.claim(ctx, t)
			if err != nil || !ok {
				return err
			}
			stop := q.holdLock(ctx, key)
			defer stop()
			outcome = q.execute(ctx, t)
			return nil
		})
		if err != nil {
			log.Error("failed to process task",
				slog.String("task_id", t.ID),
				slog.String("queue", queue),
				slog.String("error", err.Error()))
		}
		if !acquired {
			q.Metrics.Skipped(ctx, queue, "locked")
		}

		switch outcome {
		case attemptSucceeded:
			res.Processed++
		case attemptFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	if res.Processed+res.Failed > 0 {
		q.Metrics.Dequeued(ctx, queue, res.Processed+res.Failed)
	}
	return res, nil
}

// holdLock extends the task lock until the returned stop is called.
func (q *Queue) holdLock(ctx context.Context, key string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.config.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := q.Locks.Extend(ctx, key, q.config.LockTTL)
				if err != nil || !ok {
					logger.FromContext(ctx).Warn("failed to extend task lock",
						slog.String("lock_key", key),
						slog.Bool("extended", ok))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// execute runs a claimed task and records the attempt.
func (q *Queue) execute(ctx context.Context, t *Task) attempt {
	log := logger.FromContext(ctx).With(
		slog.String("task_id", t.ID),
		slog.String("task_type", string(t.Type)),
		slog.String("queue", t.QueueName))
	ctx = logger.WithLogger(ctx, log)

	start := q.now()
	entry := &ExecutionLog{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		Status:      ExecutionRunning,
		StartedAt:   start,
		MemoryBytes: q.memory(ctx),
	}
	if err := q.Logs.Start(ctx, entry); err != nil {
		log.Warn("failed to write execution log", slog.String("error", err.Error()))
	}

	log.Info("processing task", slog.Int("retry_count", t.RetryCount))

	out, err := q.run(ctx, t)

	end := q.now()
	elapsed := end.Sub(start)
	entry.CompletedAt = &end
	entry.DurationMS = elapsed.Milliseconds()
	entry.MemoryBytes = q.memory(ctx)
	entry.ProcessedItems = out.ProcessedItems

	if err == nil {
		entry.Status = ExecutionCompleted
		q.finishLog(ctx, entry)
		q.Metrics.Completed(ctx, t.QueueName, elapsed)
		log.Info("task completed successfully", slog.Duration("duration", elapsed))
		q.resolveDependents(ctx, t.ID)
		return attemptSucceeded
	}

	if store.IsConflictError(err) {
		if cur, gerr := q.Store.Get(ctx, t.ID); gerr == nil && cur.Status == StatusCancelled {
			entry.Status = ExecutionCancelled
			entry.Error = cur.ErrorMessage
			q.finishLog(ctx, entry)
			log.Info("task cancelled while running")
			return attemptSkipped
		}
	}

	entry.Status = ExecutionFailed
	entry.Error = redact.ErrorSecrets(err)

	// an attempt that outlived expires_at is not retried
	if t.Expired(end) {
		q.finishLog(ctx, entry)
		if _, xerr := q.expireTask(ctx, t); xerr != nil {
			log.Error("failed to expire task", slog.String("error", xerr.Error()))
		}
		return attemptFailed
	}

	if q.retry == nil {
		log.Error("task failed with no retry manager", slog.String("error", entry.Error))
		q.finishLog(ctx, entry)
		return attemptFailed
	}

	// the handler's transaction has rolled back; the failure is recorded in
	// its own unit of work
	d, herr := q.retry.HandleFailure(ctx, t, err)
	if herr != nil {
		log.Error("failed to record task failure", slog.String("error", herr.Error()))
	} else if d.Retry() {
		entry.Status = ExecutionRetrying
	}
	q.finishLog(ctx, entry)
	return attemptFailed
}

func (q *Queue) finishLog(ctx context.Context, entry *ExecutionLog) {
	if err := q.Logs.Finish(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("failed to finish execution log",
			slog.String("error", err.Error()))
	}
}

// run executes the handler inside a guarded transaction and completes the
// task in that same transaction.
func (q *Queue) run(ctx context.Context, t *Task) (Outcome, error) {
	h, ok := q.registry.Lookup(t.Type)
	if !ok {
		return Outcome{}, failure.Validation(fmt.Errorf("no handler registered for task type %q", t.Type))
	}

	if t.ExpiresAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.ExpiresAt.Sub(q.now()))
		defer cancel()
	}

	ex := &execution{
		taskID: t.ID,
		once:   q.consistency.EnsureOnce,
	}
	var violation error
	ex.progress = func(ctx context.Context, percent int) error {
		err := q.progress(ctx, t.ID, percent)
		if consistency.IsViolation(err) {
			violation = err
		}
		return err
	}

	var out Outcome
	err := q.consistency.Run(ctx, q.guard(t, h), func(ctx context.Context) error {
		violation = nil
		o, err := safeExecute(withExecution(ctx, ex), h, t.Payload)
		if err != nil {
			return err
		}
		if violation != nil {
			return violation
		}
		out = o
		return q.complete(ctx, t, o)
	})
	return out, err
}

func safeExecute(ctx context.Context, h Handler, payload json.RawMessage) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.System(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return h.Execute(ctx, payload)
}

// progress persists a progress report. Reports are clamped to 0..100 and
// must not go backwards.
func (q *Queue) progress(ctx context.Context, id string, percent int) error {
	percent = max(0, min(100, percent))

	cur, err := q.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if percent < cur.Progress {
		logger.FromContext(ctx).Warn("rejected progress regression",
			slog.Int("progress", cur.Progress),
			slog.Int("reported", percent))
		q.Metrics.Violation(ctx, consistency.RuleProgressRegression)
		return consistency.NewViolation(consistency.RuleProgressRegression,
			fmt.Sprintf("task %s: progress %d -> %d", id, cur.Progress, percent))
	}
	if percent == cur.Progress {
		return nil
	}

	cur.Progress = percent
	cur.UpdatedAt = q.now()
	return q.Store.Update(ctx, cur, StatusRunning)
}

// complete marks a RUNNING task COMPLETED with its result.
func (q *Queue) complete(ctx context.Context, t *Task, o Outcome) error {
	done, err := q.Store.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if done.Status != StatusRunning {
		return fmt.Errorf("%w: task %s is %s", store.ErrConflict, t.ID, done.Status)
	}

	if o.Result != nil {
		b, err := json.Marshal(o.Result)
		if err != nil {
			return failure.Validation(fmt.Errorf("failed to encode task result: %w", err))
		}
		done.Result = b
	}
	if err := transition(ctx, done, StatusCompleted, q.now(), transitionOpts{}); err != nil {
		return err
	}
	done.Progress = 100
	done.ErrorMessage = ""

	if err := q.Store.Update(ctx, done, StatusRunning); err != nil {
		return err
	}
	*t = *done
	return nil
}

// guard builds the consistency guard for one execution of t.
func (q *Queue) guard(t *Task, h Handler) consistency.Guard {
	rg, _ := h.(RecordGuard)

	g := consistency.Guard{
		Capture: func(ctx context.Context) (consistency.State, error) {
			cur, err := q.Store.Get(ctx, t.ID)
			if err != nil {
				return consistency.State{}, err
			}
			st := consistency.State{Status: string(cur.Status), Progress: cur.Progress}
			if rg != nil {
				if st.Records, err = rg.Records(ctx, t.Payload); err != nil {
					return consistency.State{}, err
				}
			}
			return st, nil
		},
		Legal: func(from, to string) bool {
			return CanTransition(Status(from), Status(to))
		},
	}
	if rg != nil {
		g.Rules = rg.Rules()
		g.Restore = func(ctx context.Context, pre consistency.State) error {
			return rg.Restore(ctx, t.Payload, pre.Records)
		}
	}
	return g
}

// HealthStatus summarises a queue's condition.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Failure ratio thresholds.
const (
	warningFailureRatio  = 0.10
	criticalFailureRatio = 0.30
)

// Health is a point-in-time view of one queue, or of all queues when Queue
// is empty.
type Health struct {
	Queue        string       `json:"queue,omitempty"`
	Status       HealthStatus `json:"status"`
	Stats        Stats        `json:"stats"`
	FailureRatio float64      `json:"failure_ratio"`
	LongRunning  int          `json:"long_running"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// Health reports queue counts and classifies the queue. Finished tasks are
// counted over HealthWindow.
func (q *Queue) Health(ctx context.Context, queue string) (Health, error) {
	now := q.now()

	stats, err := q.Store.Stats(ctx, queue, now.Add(-q.config.HealthWindow))
	if err != nil {
		return Health{}, fmt.Errorf("failed to load queue stats: %w", err)
	}
	long, err := q.Store.ListRunningSince(ctx, queue, now.Add(-q.config.MaxRunningDuration), q.config.LongRunningCritical)
	if err != nil {
		return Health{}, fmt.Errorf("failed to list long running tasks: %w", err)
	}

	h := Health{
		Queue:       queue,
		Status:      HealthHealthy,
		Stats:       stats,
		LongRunning: len(long),
		CheckedAt:   now,
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		h.FailureRatio = float64(stats.Failed) / float64(finished)
	}

	switch {
	case h.FailureRatio > criticalFailureRatio || h.LongRunning >= q.config.LongRunningCritical:
		h.Status = HealthCritical
	case h.FailureRatio > warningFailureRatio || h.LongRunning > 0:
		h.Status = HealthWarning
	}
	return h, nil
}

// AlertSeverity maps a health status to an alert severity.
func (h Health) AlertSeverity() notify.Severity {
	switch h.Status {
	case HealthCritical:
		return notify.SeverityCritical
	case HealthWarning:
		return notify.SeverityWarning
	}
	return notify.SeverityInfo
}
