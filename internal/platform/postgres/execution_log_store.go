package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/phrazzld/taskqueue/internal/task"
)

const executionLogColumns = `id, task_id, status, started_at, completed_at, duration_ms,
	memory_bytes, processed_items, error_message`

// ExecutionLogStore implements task.ExecutionLogStore on PostgreSQL.
type ExecutionLogStore struct {
	db store.DBTX
}

// NewExecutionLogStore creates an ExecutionLogStore over db.
func NewExecutionLogStore(db store.DBTX) *ExecutionLogStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &ExecutionLogStore{db: db}
}

var _ task.ExecutionLogStore = (*ExecutionLogStore)(nil)

// Start inserts the row for an attempt that has begun.
func (s *ExecutionLogStore) Start(ctx context.Context, l *task.ExecutionLog) error {
	return s.Append(ctx, []*task.ExecutionLog{l})
}

// Finish records the outcome of the attempt l.
func (s *ExecutionLogStore) Finish(ctx context.Context, l *task.ExecutionLog) error {
	res, err := store.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE task_execution_log
		SET status = $2, completed_at = $3, duration_ms = $4, memory_bytes = $5,
			processed_items = $6, error_message = $7
		WHERE id = $1`,
		l.ID, string(l.Status), nullTime(l.CompletedAt), l.DurationMS, int64(l.MemoryBytes),
		l.ProcessedItems, l.Error)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, fmt.Errorf("%w: execution log %s", store.ErrNotFound, l.ID))
}

// Append inserts logs with a single multi-row INSERT.
func (s *ExecutionLogStore) Append(ctx context.Context, logs []*task.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}

	var q query
	values := make([]string, len(logs))
	for i, l := range logs {
		values[i] = "(" + q.list(
			l.ID, l.TaskID, string(l.Status), l.StartedAt.UTC(), nullTime(l.CompletedAt),
			l.DurationMS, int64(l.MemoryBytes), l.ProcessedItems, l.Error,
		) + ")"
	}

	_, err := store.Conn(ctx, s.db).ExecContext(ctx,
		`INSERT INTO task_execution_log (`+executionLogColumns+`) VALUES `+strings.Join(values, ", "),
		q.args...)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: execution log for unknown task", store.ErrTaskNotFound)
		}
		return MapError(err)
	}
	return nil
}

// ListByTask returns the attempts of taskID, oldest first.
func (s *ExecutionLogStore) ListByTask(ctx context.Context, taskID string) ([]*task.ExecutionLog, error) {
	rows, err := store.Conn(ctx, s.db).QueryContext(ctx, `
		SELECT `+executionLogColumns+`
		FROM task_execution_log
		WHERE task_id = $1
		ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	out := []*task.ExecutionLog{}
	for rows.Next() {
		var (
			l         task.ExecutionLog
			status    string
			completed sql.NullTime
			memory    int64
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &status, &l.StartedAt, &completed, &l.DurationMS,
			&memory, &l.ProcessedItems, &l.Error); err != nil {
			return nil, MapError(err)
		}
		l.Status = task.ExecutionStatus(status)
		l.StartedAt = l.StartedAt.UTC()
		l.CompletedAt = timePtr(completed)
		l.MemoryBytes = uint64(max(memory, 0))
		out = append(out, &l)
	}
	return out, MapError(rows.Err())
}
