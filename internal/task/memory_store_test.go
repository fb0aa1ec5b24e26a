package task

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpdateIsConditional(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, &Task{ID: "a", Status: StatusPending}))
	assert.True(t, store.IsDuplicateError(m.Create(ctx, &Task{ID: "a"})))

	err := m.Update(ctx, &Task{ID: "a", Status: StatusRunning}, StatusRunning)
	assert.True(t, store.IsConflictError(err))

	require.NoError(t, m.Update(ctx, &Task{ID: "a", Status: StatusRunning}, StatusPending))

	err = m.Update(ctx, &Task{ID: "b"}, StatusPending)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()

	tk := &Task{ID: "a", Status: StatusPending, Payload: []byte(`{"x":1}`)}
	require.NoError(t, m.Create(ctx, tk))
	tk.Payload[2] = 'y'

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got.Payload))
}

func TestMemoryStore_ListEligible(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	add := func(id string, prio int, created time.Time, mod func(*Task)) {
		tk := &Task{ID: id, Status: StatusPending, Priority: prio, QueueName: "q", CreatedAt: created, ScheduledAt: created}
		if mod != nil {
			mod(tk)
		}
		require.NoError(t, m.Create(ctx, tk))
	}

	add("low", 1, now.Add(-3*time.Minute), nil)
	add("high-new", 9, now.Add(-time.Minute), nil)
	add("high-old", 9, now.Add(-2*time.Minute), nil)
	add("future", 10, now, func(t *Task) { t.ScheduledAt = now.Add(time.Hour) })
	add("expired", 10, now, func(t *Task) { t.ExpiresAt = &past })
	add("running", 10, now, func(t *Task) { t.Status = StatusRunning })
	add("other-queue", 10, now, func(t *Task) { t.QueueName = "other" })
	add("blocked", 10, now, nil)
	require.NoError(t, m.AddDependency(ctx, Dependency{TaskID: "blocked", DependsOnTaskID: "low", Type: DependencyCompletion}))

	got, err := m.ListEligible(ctx, "q", now, 10)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, tk := range got {
		ids[i] = tk.ID
	}
	assert.Equal(t, []string{"high-old", "high-new", "low"}, ids)

	got, err = m.ListEligible(ctx, "q", now, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_Dependencies(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, &Task{ID: "a"}))
	require.NoError(t, m.Create(ctx, &Task{ID: "b"}))

	assert.ErrorIs(t, m.AddDependency(ctx, Dependency{TaskID: "a", DependsOnTaskID: "a"}), store.ErrInvalidEntity)
	assert.ErrorIs(t, m.AddDependency(ctx, Dependency{TaskID: "a", DependsOnTaskID: "zzz"}), store.ErrTaskNotFound)

	require.NoError(t, m.AddDependency(ctx, Dependency{TaskID: "b", DependsOnTaskID: "a", Type: DependencyCompletion}))
	assert.True(t, store.IsDuplicateError(m.AddDependency(ctx, Dependency{TaskID: "b", DependsOnTaskID: "a"})))

	deps, err := m.Dependents(ctx, "a")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "b", deps[0].TaskID)
}

func TestMemoryStore_UpdateStatuses(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Create(ctx, &Task{ID: "p", Status: StatusPending}))
	require.NoError(t, m.Create(ctx, &Task{ID: "c", Status: StatusCompleted}))

	moved, err := m.UpdateStatuses(ctx, []string{"p", "c", "x"}, []Status{StatusPending}, StatusCancelled, "bulk", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, moved)

	got, err := m.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "bulk", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, now, *got.CompletedAt)
}

func TestDependency_Satisfied(t *testing.T) {
	t.Parallel()

	completion := Dependency{Type: DependencyCompletion}
	finish := Dependency{Type: DependencyFinish}

	assert.True(t, completion.Satisfied(StatusCompleted))
	assert.False(t, completion.Satisfied(StatusFailed))
	assert.True(t, completion.Unsatisfiable(StatusFailed))
	assert.True(t, completion.Unsatisfiable(StatusCancelled))
	assert.False(t, completion.Unsatisfiable(StatusRunning))

	assert.True(t, finish.Satisfied(StatusFailed))
	assert.True(t, finish.Satisfied(StatusCancelled))
	assert.False(t, finish.Satisfied(StatusRetrying))
	assert.False(t, finish.Unsatisfiable(StatusFailed))
}
