package task

import (
	"context"
	"time"
)

// DependencyType decides when a dependency counts as satisfied.
type DependencyType string

const (
	// DependencyCompletion is satisfied only when the depended-on task
	// COMPLETED.
	DependencyCompletion DependencyType = "completion"
	// DependencyFinish is satisfied by any terminal status.
	DependencyFinish DependencyType = "finish"
)

// Dependency makes TaskID wait for DependsOnTaskID.
type Dependency struct {
	TaskID          string         `json:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Type            DependencyType `json:"dependency_type"`
}

// Satisfied reports whether a depended-on task in status s releases the
// dependent.
func (d Dependency) Satisfied(s Status) bool {
	if d.Type == DependencyFinish {
		return s.Terminal()
	}
	return s == StatusCompleted
}

// Unsatisfiable reports whether no future status of the depended-on task can
// release the dependent.
func (d Dependency) Unsatisfiable(s Status) bool {
	return s.Terminal() && !d.Satisfied(s)
}

// Filter selects tasks for listing. Zero values match everything.
type Filter struct {
	Status    Status
	Type      Type
	QueueName string
	CreatedBy string
	Limit     int
	Offset    int
}

// Stats counts tasks per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Store persists tasks and their dependencies. Implementations pick up the
// transaction carried by ctx.
type Store interface {
	// Create inserts a new task. It returns store.ErrDuplicate when the id
	// is taken.
	Create(ctx context.Context, t *Task) error

	// Get returns store.ErrTaskNotFound when the task does not exist.
	Get(ctx context.Context, id string) (*Task, error)

	// Update overwrites the mutable fields of t if the stored status still
	// equals expected, and returns store.ErrConflict otherwise.
	Update(ctx context.Context, t *Task, expected Status) error

	// List returns one page of tasks, newest first, and the total count.
	List(ctx context.Context, f Filter) ([]*Task, int, error)

	// ListEligible returns PENDING tasks of queue (all queues when empty)
	// that are due at now, have not expired and whose dependencies are all
	// satisfied, ordered by priority descending then creation time.
	ListEligible(ctx context.Context, queue string, now time.Time, limit int) ([]*Task, error)

	// ListDueRetries returns tasks waiting on a retry: RETRYING rows, and
	// PENDING rows with a non-zero retry count that are due at now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ListExpired returns unfinished tasks whose expires_at is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ListRunningSince returns RUNNING tasks of queue started at or before
	// the given time, oldest first.
	ListRunningSince(ctx context.Context, queue string, before time.Time, limit int) ([]*Task, error)

	// Stats counts tasks of queue (all queues when empty). Finished tasks
	// count only when updated at or after since.
	Stats(ctx context.Context, queue string, since time.Time) (Stats, error)

	// UpdateStatuses moves every listed task currently in one of from to
	// status to, and returns the ids it moved.
	UpdateStatuses(ctx context.Context, ids []string, from []Status, to Status, errMsg string, now time.Time) ([]string, error)

	// ListFinishedBefore returns ids of terminal tasks completed before t.
	ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]string, error)

	// Delete removes tasks with their logs, dependencies and markers.
	Delete(ctx context.Context, ids []string) (int64, error)

	AddDependency(ctx context.Context, d Dependency) error
	Dependencies(ctx context.Context, taskID string) ([]Dependency, error)
	Dependents(ctx context.Context, taskID string) ([]Dependency, error)
}

// ExecutionStatus is the outcome recorded for one attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRetrying  ExecutionStatus = "retrying"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionExpired   ExecutionStatus = "expired"
)

// ExecutionLog is the audit record of one execution attempt.
type ExecutionLog struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	MemoryBytes    uint64          `json:"memory_bytes"`
	ProcessedItems int             `json:"processed_items"`
	Error          string          `json:"error,omitempty"`
}

// ExecutionLogStore appends execution logs. A row is only ever updated to
// record the completion of its own attempt.
type ExecutionLogStore interface {
	Start(ctx context.Context, l *ExecutionLog) error
	Finish(ctx context.Context, l *ExecutionLog) error
	// Append inserts already finished rows in one statement.
	Append(ctx context.Context, logs []*ExecutionLog) error
	ListByTask(ctx context.Context, taskID string) ([]*ExecutionLog, error)
}
