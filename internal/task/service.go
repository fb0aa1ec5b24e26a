package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/batch"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
	"go.uber.org/multierr"
)

// ErrInvalidExpiry is returned when a task would be created already expired.
var ErrInvalidExpiry = errors.New("expires_at must be in the future")

// Page limits for ListTasks.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// DependencySpec names a task the new task waits for.
type DependencySpec struct {
	TaskID string         `json:"task_id" validate:"required"`
	Type   DependencyType `json:"type,omitempty" validate:"omitempty,oneof=completion finish"`
}

// CreateRequest describes a task to create.
type CreateRequest struct {
	Type      Type            `json:"type" validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	QueueName string          `json:"queue_name,omitempty"`
	// Priority defaults to DefaultPriority when zero.
	Priority int `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	// MaxRetries defaults to the service's default budget when nil.
	MaxRetries *int             `json:"max_retries,omitempty" validate:"omitempty,min=0"`
	Delay      time.Duration    `json:"-"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	DependsOn  []DependencySpec `json:"depends_on,omitempty" validate:"omitempty,dive"`
	CreatedBy  string           `json:"-"`
}

// Page is one page of ListTasks.
type Page struct {
	Tasks  []*Task `json:"tasks"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Service is the producer and administrator facing API of the queue.
type Service struct {
	*core
	queue      *Queue
	retry      *RetryManager
	batch      *batch.Processor
	maxRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDefaultMaxRetries sets the retry budget of tasks created without one.
func WithDefaultMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// NewService creates a Service.
func NewService(deps Deps, queue *Queue, retry *RetryManager, bp *batch.Processor, opts ...ServiceOption) *Service {
	c := newCore(deps)
	if bp == nil {
		bp = batch.NewProcessor(c.Tx, batch.WithMetrics(c.Metrics), batch.WithClock(c.Clock))
	}
	s := &Service{core: c, queue: queue, retry: retry, batch: bp, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask creates a PENDING task and its dependencies atomically and
// returns its id.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	now := s.now()

	t := &Task{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		QueueName:   req.QueueName,
		MaxRetries:  s.maxRetries,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		ScheduledAt: now.Add(max(req.Delay, 0)),
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return "", ErrInvalidExpiry
		}
		exp := req.ExpiresAt.UTC()
		t.ExpiresAt = &exp
	}

	err := s.runTx(ctx, func(ctx context.Context) error {
		ok, err := s.queue.Enqueue(ctx, t, req.QueueName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
		}
		for _, d := range req.DependsOn {
			typ := d.Type
			if typ == "" {
				typ = DependencyCompletion
			}
			if err := s.Store.AddDependency(ctx, Dependency{TaskID: t.ID, DependsOnTaskID: d.TaskID, Type: typ}); err != nil {
				return fmt.Errorf("failed to add dependency on %s: %w", d.TaskID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.FromContext(ctx).Info("task created",
		slog.String("task_id", t.ID),
		slog.String("task_type", string(t.Type)),
		slog.String("queue", t.QueueName),
		slog.Int("priority", t.Priority),
		slog.Int("dependencies", len(req.DependsOn)))

	// a dependency that already ended badly cancels the new task right away
	for _, d := range req.DependsOn {
		if dep, err := s.Store.Get(ctx, d.TaskID); err == nil && dep.Status.Terminal() {
			s.resolveDependents(ctx, d.TaskID)
		}
	}
	return t.ID, nil
}

// GetTaskStatus returns the task, applying lazy expiry first.
func (s *Service) GetTaskStatus(ctx context.Context, id string) (*Task, error) {
	t, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireTask(ctx, t)
}

// ListTasks returns a page of tasks matching f, applying lazy expiry to the
// page.
func (s *Service) ListTasks(ctx context.Context, f Filter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	f.Limit = min(f.Limit, MaxPageSize)
	f.Offset = max(f.Offset, 0)

	tasks, total, err := s.Store.List(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list tasks: %w", err)
	}

	for i, t := range tasks {
		cur, err := s.expireTask(ctx, t)
		if err != nil {
			return Page{}, err
		}
		tasks[i] = cur
	}

	return Page{Tasks: tasks, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// ExecutionLogs returns the attempts recorded for a task.
func (s *Service) ExecutionLogs(ctx context.Context, id string) ([]*ExecutionLog, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Logs.ListByTask(ctx, id)
}

// CancelTask cancels a task that has not finished. It returns false when the
// task is already terminal. A RUNNING task is marked CANCELLED; its worker
// discards the result when it tries to complete.
func (s *Service) CancelTask(ctx context.Context, id, reason string) (bool, error) {
	t, err := s.GetTaskStatus(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}
	if reason == "" {
		reason = "cancelled"
	}

	now := s.now()
	var ok bool
	err = s.runTx(ctx, func(ctx context.Context) error {
		ok = false
		cur, err := s.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}

		from := cur.Status
		if from == StatusRetrying {
			if err := transition(ctx, cur, StatusPending, now, transitionOpts{}); err != nil {
				return err
			}
			if err := s.Store.Update(ctx, cur, from); err != nil {
				return ignoreConflict(err)
			}
			from = StatusPending
		}

		if err := transition(ctx, cur, StatusCancelled, now, transitionOpts{}); err != nil {
			return err
		}
		cur.ErrorMessage = reason
		if err := s.Store.Update(ctx, cur, from); err != nil {
			return ignoreConflict(err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}

	if ok {
		logger.FromContext(ctx).Info("task cancelled",
			slog.String("task_id", id),
			slog.String("reason", reason))
		s.resolveDependents(ctx, id)
	}
	return ok, nil
}

func ignoreConflict(err error) error {
	if store.IsConflictError(err) {
		return nil
	}
	return err
}

// CancelTasks cancels many PENDING or RUNNING tasks in status-update
// batches. It returns how many were cancelled; a failed batch does not stop
// the rest and its error is included in the returned error.
func (s *Service) CancelTasks(ctx context.Context, ids []string, reason string) (int, error) {
	if reason == "" {
		reason = "cancelled"
	}
	now := s.now()

	var cancelled []string
	res, err := batch.Process(ctx, s.batch, batch.KindStatusUpdate, ids, func(ctx context.Context, chunk []string) error {
		moved, err := s.Store.UpdateStatuses(ctx, chunk, []Status{StatusPending, StatusRunning}, StatusCancelled, reason, now)
		if err != nil {
			return err
		}
		cancelled = append(cancelled, moved...)
		return nil
	})

	for _, id := range cancelled {
		s.resolveDependents(ctx, id)
	}

	logger.FromContext(ctx).Info("bulk cancel finished",
		slog.Int("requested", len(ids)),
		slog.Int("cancelled", len(cancelled)),
		slog.Int("failed_chunks", len(res.Errors)))

	return len(cancelled), multierr.Append(err, res.Err())
}

// RetryTask puts a FAILED or CANCELLED task back in the queue.
func (s *Service) RetryTask(ctx context.Context, id string, resetCount bool) (bool, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return false, err
	}
	return s.retry.ManualRetry(ctx, id, resetCount)
}

// Health reports the condition of queue, or of all queues when empty.
func (s *Service) Health(ctx context.Context, queue string) (Health, error) {
	return s.queue.Health(ctx, queue)
}
