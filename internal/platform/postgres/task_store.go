package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/phrazzld/taskqueue/internal/task"
)

const taskColumns = `id, type, payload, priority, queue_name, status, retry_count, max_retries,
	created_by, created_at, started_at, completed_at, expires_at, scheduled_at,
	error_message, result, progress, updated_at`

var terminalStatuses = []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled}

// TaskStore implements task.Store on PostgreSQL. Every query runs on the
// transaction carried by ctx when there is one.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a TaskStore over db.
func NewTaskStore(db store.DBTX) *TaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &TaskStore{db: db}
}

var _ task.Store = (*TaskStore)(nil)

func (s *TaskStore) conn(ctx context.Context) store.DBTX {
	return store.Conn(ctx, s.db)
}

// Create implements task.Store.Create
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, string(t.Type), nullJSON(t.Payload), t.Priority, t.QueueName, string(t.Status),
		t.RetryCount, t.MaxRetries, t.CreatedBy, t.CreatedAt.UTC(),
		nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.ExpiresAt), t.ScheduledAt.UTC(),
		t.ErrorMessage, nullJSON(t.Result), t.Progress, t.UpdatedAt.UTC(),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
		}
		logger.FromContext(ctx).Error("failed to create task",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return nil
}

// Get implements task.Store.Get
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, mapRowError(err, store.ErrTaskNotFound)
	}
	return t, nil
}

// Update implements task.Store.Update as a compare-and-swap on status.
func (s *TaskStore) Update(ctx context.Context, t *task.Task, expected task.Status) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, payload = $3, priority = $4, queue_name = $5, retry_count = $6,
			max_retries = $7, started_at = $8, completed_at = $9, expires_at = $10,
			scheduled_at = $11, error_message = $12, result = $13, progress = $14, updated_at = $15
		WHERE id = $1 AND status = $16`,
		t.ID, string(t.Status), nullJSON(t.Payload), t.Priority, t.QueueName, t.RetryCount,
		t.MaxRetries, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.ExpiresAt),
		t.ScheduledAt.UTC(), t.ErrorMessage, nullJSON(t.Result), t.Progress, t.UpdatedAt.UTC(),
		string(expected),
	)
	if err != nil {
		return MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// distinguish a missing task from a lost race
	var cur string
	err = s.conn(ctx).QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, t.ID).Scan(&cur)
	if err != nil {
		return mapRowError(err, store.ErrTaskNotFound)
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", store.ErrConflict, t.ID, cur, expected)
}

// List implements task.Store.List
func (s *TaskStore) List(ctx context.Context, f task.Filter) ([]*task.Task, int, error) {
	var q query
	if f.Status != "" {
		q.and("status = " + q.arg(string(f.Status)))
	}
	if f.Type != "" {
		q.and("type = " + q.arg(string(f.Type)))
	}
	if f.QueueName != "" {
		q.and("queue_name = " + q.arg(f.QueueName))
	}
	if f.CreatedBy != "" {
		q.and("created_by = " + q.arg(f.CreatedBy))
	}

	var total int
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+q.whereClause(), q.args...).Scan(&total)
	if err != nil {
		return nil, 0, MapError(err)
	}

	sqlText := `SELECT ` + taskColumns + ` FROM tasks` + q.whereClause() + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		sqlText += ` LIMIT ` + q.arg(f.Limit)
	}
	if f.Offset > 0 {
		sqlText += ` OFFSET ` + q.arg(f.Offset)
	}

	tasks, err := s.queryTasks(ctx, sqlText, q.args...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListEligible implements task.Store.ListEligible. A dependency blocks the
// task while its target is missing or has not reached a satisfying status.
func (s *TaskStore) ListEligible(ctx context.Context, queue string, now time.Time, limit int) ([]*task.Task, error) {
	var q query
	q.and("t.status = " + q.arg(string(task.StatusPending)))
	if queue != "" {
		q.and("t.queue_name = " + q.arg(queue))
	}
	at := q.arg(now.UTC())
	q.and("t.scheduled_at <= " + at)
	q.and("(t.expires_at IS NULL OR t.expires_at > " + at + ")")
	q.and(`NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		LEFT JOIN tasks p ON p.id = d.depends_on_task_id
		WHERE d.task_id = t.id
		AND (p.id IS NULL OR NOT (p.status = ` + q.arg(string(task.StatusCompleted)) + `
			OR (d.dependency_type = ` + q.arg(string(task.DependencyFinish)) + `
				AND p.status IN (` + q.list(stringArgs(terminalStatuses)...) + `)))))`)

	sqlText := `SELECT ` + prefixed("t", taskColumns) + ` FROM tasks t` + q.whereClause() +
		` ORDER BY t.priority DESC, t.created_at, t.id LIMIT ` + q.arg(limitOrAll(limit))
	return s.queryTasks(ctx, sqlText, q.args...)
}

// ListDueRetries implements task.Store.ListDueRetries
func (s *TaskStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 OR (status = $2 AND retry_count > 0 AND scheduled_at <= $3)
		ORDER BY scheduled_at, id
		LIMIT $4`,
		string(task.StatusRetrying), string(task.StatusPending), now.UTC(), limitOrAll(limit))
}

// ListExpired implements task.Store.ListExpired
func (s *TaskStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	var q query
	q.and("status NOT IN (" + q.list(stringArgs(terminalStatuses)...) + ")")
	q.and("expires_at IS NOT NULL")
	q.and("expires_at <= " + q.arg(now.UTC()))
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks`+q.whereClause()+
		` ORDER BY expires_at, id LIMIT `+q.arg(limitOrAll(limit)), q.args...)
}

// ListRunningSince implements task.Store.ListRunningSince
func (s *TaskStore) ListRunningSince(ctx context.Context, queue string, before time.Time, limit int) ([]*task.Task, error) {
	var q query
	q.and("status = " + q.arg(string(task.StatusRunning)))
	if queue != "" {
		q.and("queue_name = " + q.arg(queue))
	}
	q.and("started_at <= " + q.arg(before.UTC()))
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks`+q.whereClause()+
		` ORDER BY started_at, id LIMIT `+q.arg(limitOrAll(limit)), q.args...)
}

// Stats implements task.Store.Stats
func (s *TaskStore) Stats(ctx context.Context, queue string, since time.Time) (task.Stats, error) {
	var q query
	if queue != "" {
		q.and("queue_name = " + q.arg(queue))
	}
	q.and("(status NOT IN (" + q.list(stringArgs(terminalStatuses)...) + ") OR updated_at >= " + q.arg(since.UTC()) + ")")

	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks`+q.whereClause()+` GROUP BY status`, q.args...)
	if err != nil {
		return task.Stats{}, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var st task.Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return task.Stats{}, MapError(err)
		}
		switch task.Status(status) {
		case task.StatusPending:
			st.Pending = n
		case task.StatusRunning:
			st.Running = n
		case task.StatusRetrying:
			st.Retrying = n
		case task.StatusCompleted:
			st.Completed = n
		case task.StatusFailed:
			st.Failed = n
		case task.StatusCancelled:
			st.Cancelled = n
		}
	}
	return st, MapError(rows.Err())
}

// UpdateStatuses implements task.Store.UpdateStatuses in one statement.
func (s *TaskStore) UpdateStatuses(ctx context.Context, ids []string, from []task.Status, to task.Status, errMsg string, now time.Time) ([]string, error) {
	if len(ids) == 0 || len(from) == 0 {
		return nil, nil
	}

	var q query
	at := q.arg(now.UTC())
	set := "status = " + q.arg(string(to)) + ", updated_at = " + at
	if errMsg != "" {
		set += ", error_message = " + q.arg(errMsg)
	}
	if to.Terminal() {
		set += ", completed_at = " + at
	}
	q.and("id IN (" + q.list(stringArgs(ids)...) + ")")
	q.and("status IN (" + q.list(stringArgs(from)...) + ")")

	rows, err := s.conn(ctx).QueryContext(ctx, `UPDATE tasks SET `+set+q.whereClause()+` RETURNING id`, q.args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var moved []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		moved = append(moved, id)
	}
	return moved, MapError(rows.Err())
}

// ListFinishedBefore implements task.Store.ListFinishedBefore
func (s *TaskStore) ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var q query
	q.and("status IN (" + q.list(stringArgs(terminalStatuses)...) + ")")
	q.and("completed_at < " + q.arg(before.UTC()))

	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM tasks`+q.whereClause()+
		` ORDER BY completed_at, id LIMIT `+q.arg(limitOrAll(limit)), q.args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		ids = append(ids, id)
	}
	return ids, MapError(rows.Err())
}

// Delete implements task.Store.Delete. Logs, dependencies and markers are
// removed by ON DELETE CASCADE.
func (s *TaskStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var q query
	q.and("id IN (" + q.list(stringArgs(ids)...) + ")")

	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM tasks`+q.whereClause(), q.args...)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// AddDependency implements task.Store.AddDependency
func (s *TaskStore) AddDependency(ctx context.Context, d task.Dependency) error {
	if d.TaskID == d.DependsOnTaskID {
		return fmt.Errorf("%w: task cannot depend on itself", store.ErrInvalidEntity)
	}
	typ := d.Type
	if typ == "" {
		typ = task.DependencyCompletion
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_task_id, dependency_type)
		VALUES ($1, $2, $3)`,
		d.TaskID, d.DependsOnTaskID, string(typ))
	switch {
	case err == nil:
		return nil
	case IsForeignKeyViolation(err):
		return fmt.Errorf("%w: dependency %s -> %s", store.ErrTaskNotFound, d.TaskID, d.DependsOnTaskID)
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: dependency %s -> %s", store.ErrDuplicate, d.TaskID, d.DependsOnTaskID)
	}
	return MapError(err)
}

// Dependencies implements task.Store.Dependencies
func (s *TaskStore) Dependencies(ctx context.Context, taskID string) ([]task.Dependency, error) {
	return s.queryDependencies(ctx, `
		SELECT task_id, depends_on_task_id, dependency_type
		FROM task_dependencies WHERE task_id = $1
		ORDER BY created_at, depends_on_task_id`, taskID)
}

// Dependents implements task.Store.Dependents
func (s *TaskStore) Dependents(ctx context.Context, taskID string) ([]task.Dependency, error) {
	return s.queryDependencies(ctx, `
		SELECT task_id, depends_on_task_id, dependency_type
		FROM task_dependencies WHERE depends_on_task_id = $1
		ORDER BY created_at, task_id`, taskID)
}

func (s *TaskStore) queryDependencies(ctx context.Context, sqlText string, id string) ([]task.Dependency, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlText, id)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.Dependency
	for rows.Next() {
		var d task.Dependency
		var typ string
		if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &typ); err != nil {
			return nil, MapError(err)
		}
		d.Type = task.DependencyType(typ)
		out = append(out, d)
	}
	return out, MapError(rows.Err())
}

func (s *TaskStore) queryTasks(ctx context.Context, sqlText string, args ...any) ([]*task.Task, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sqlText, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", MapError(err))
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", MapError(err))
	}
	return tasks, nil
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                           task.Task
		typ, status                 string
		payload, result             []byte
		started, completed, expires sql.NullTime
	)
	err := r.Scan(
		&t.ID, &typ, &payload, &t.Priority, &t.QueueName, &status, &t.RetryCount, &t.MaxRetries,
		&t.CreatedBy, &t.CreatedAt, &started, &completed, &expires, &t.ScheduledAt,
		&t.ErrorMessage, &result, &t.Progress, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ScheduledAt = t.ScheduledAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	t.ExpiresAt = timePtr(expires)
	return &t, nil
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
