package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/taskqueue/internal/store"
)

// MemoryStore keeps tasks, dependencies and execution logs in process
// memory. It implements Store and ExecutionLogStore with the same
// conditional-write semantics as the Postgres stores, and is used in tests
// and single-process deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	deps  []Dependency
	logs  map[string][]*ExecutionLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		logs:  make(map[string][]*ExecutionLog),
	}
}

var (
	_ Store             = (*MemoryStore)(nil)
	_ ExecutionLogStore = (*MemoryStore)(nil)
)

func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Task, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[t.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: task %s is %s, expected %s", store.ErrConflict, t.ID, cur.Status, expected)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.QueueName != "" && t.QueueName != f.QueueName {
			continue
		}
		if f.CreatedBy != "" && t.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	return cloneAll(limit(out, f.Limit)), total, nil
}

func (m *MemoryStore) ListEligible(_ context.Context, queue string, now time.Time, n int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status != StatusPending || (queue != "" && t.QueueName != queue) {
			continue
		}
		if t.ScheduledAt.After(now) || t.Expired(now) {
			continue
		}
		if !m.dependenciesSatisfied(t.ID) {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return cloneAll(limit(out, n)), nil
}

func (m *MemoryStore) dependenciesSatisfied(id string) bool {
	for _, d := range m.deps {
		if d.TaskID != id {
			continue
		}
		dep, ok := m.tasks[d.DependsOnTaskID]
		if !ok || !d.Satisfied(dep.Status) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ListDueRetries(_ context.Context, now time.Time, n int) ([]*Task, error) {
	return m.selectSorted(n, func(t *Task) bool {
		return t.Status == StatusRetrying ||
			(t.Status == StatusPending && t.RetryCount > 0 && !t.ScheduledAt.After(now))
	}, func(a, b *Task) bool { return a.ScheduledAt.Before(b.ScheduledAt) }), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, n int) ([]*Task, error) {
	return m.selectSorted(n, func(t *Task) bool {
		return t.Expired(now)
	}, func(a, b *Task) bool { return a.ExpiresAt.Before(*b.ExpiresAt) }), nil
}

func (m *MemoryStore) ListRunningSince(_ context.Context, queue string, before time.Time, n int) ([]*Task, error) {
	return m.selectSorted(n, func(t *Task) bool {
		return t.Status == StatusRunning &&
			(queue == "" || t.QueueName == queue) &&
			t.StartedAt != nil && !t.StartedAt.After(before)
	}, func(a, b *Task) bool { return a.StartedAt.Before(*b.StartedAt) }), nil
}

func (m *MemoryStore) selectSorted(n int, keep func(*Task) bool, less func(a, b *Task) bool) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return cloneAll(limit(out, n))
}

func (m *MemoryStore) Stats(_ context.Context, queue string, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, t := range m.tasks {
		if queue != "" && t.QueueName != queue {
			continue
		}
		if t.Status.Terminal() && t.UpdatedAt.Before(since) {
			continue
		}
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusRetrying:
			s.Retrying++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

func (m *MemoryStore) UpdateStatuses(_ context.Context, ids []string, from []Status, to Status, errMsg string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	var moved []string
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || !contains(from, t.Status) {
			continue
		}
		t.Status = to
		t.UpdatedAt = now
		if errMsg != "" {
			t.ErrorMessage = errMsg
		}
		if to.Terminal() {
			completed := now
			t.CompletedAt = &completed
		}
		moved = append(moved, id)
	}
	return moved, nil
}

func (m *MemoryStore) ListFinishedBefore(_ context.Context, before time.Time, n int) ([]string, error) {
	finished := m.selectSorted(n, func(t *Task) bool {
		return t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(before)
	}, func(a, b *Task) bool { return a.CompletedAt.Before(*b.CompletedAt) })

	ids := make([]string, len(finished))
	for i, t := range finished {
		ids[i] = t.ID
	}
	return ids, nil
}

func (m *MemoryStore) Delete(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gone := make(map[string]bool, len(ids))
	var n int64
	for _, id := range ids {
		if _, ok := m.tasks[id]; ok {
			delete(m.tasks, id)
			delete(m.logs, id)
			gone[id] = true
			n++
		}
	}

	kept := m.deps[:0]
	for _, d := range m.deps {
		if !gone[d.TaskID] && !gone[d.DependsOnTaskID] {
			kept = append(kept, d)
		}
	}
	m.deps = kept
	return n, nil
}

func (m *MemoryStore) AddDependency(_ context.Context, d Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.TaskID == d.DependsOnTaskID {
		return fmt.Errorf("%w: task cannot depend on itself", store.ErrInvalidEntity)
	}
	if _, ok := m.tasks[d.TaskID]; !ok {
		return store.ErrTaskNotFound
	}
	if _, ok := m.tasks[d.DependsOnTaskID]; !ok {
		return store.ErrTaskNotFound
	}
	for _, existing := range m.deps {
		if existing.TaskID == d.TaskID && existing.DependsOnTaskID == d.DependsOnTaskID {
			return fmt.Errorf("%w: dependency %s -> %s", store.ErrDuplicate, d.TaskID, d.DependsOnTaskID)
		}
	}
	m.deps = append(m.deps, d)
	return nil
}

func (m *MemoryStore) Dependencies(_ context.Context, taskID string) ([]Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Dependency
	for _, d := range m.deps {
		if d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) Dependents(_ context.Context, taskID string) ([]Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Dependency
	for _, d := range m.deps {
		if d.DependsOnTaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) Start(_ context.Context, l *ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *l
	m.logs[l.TaskID] = append(m.logs[l.TaskID], &c)
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, l *ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.logs[l.TaskID] {
		if existing.ID == l.ID {
			c := *l
			m.logs[l.TaskID][i] = &c
			return nil
		}
	}
	return fmt.Errorf("%w: execution log %s", store.ErrNotFound, l.ID)
}

func (m *MemoryStore) Append(_ context.Context, logs []*ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range logs {
		c := *l
		m.logs[l.TaskID] = append(m.logs[l.TaskID], &c)
	}
	return nil
}

func (m *MemoryStore) ListByTask(_ context.Context, taskID string) ([]*ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ExecutionLog, 0, len(m.logs[taskID]))
	for _, l := range m.logs[taskID] {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

func limit(ts []*Task, n int) []*Task {
	if n > 0 && len(ts) > n {
		return ts[:n]
	}
	return ts
}

func cloneAll(ts []*Task) []*Task {
	out := make([]*Task, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}
