package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/consistency"
	"github.com/phrazzld/taskqueue/internal/platform/postgres"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/phrazzld/taskqueue/internal/task"
	"github.com/phrazzld/taskqueue/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationTask(now time.Time, priority int) *task.Task {
	return &task.Task{
		ID:          uuid.NewString(),
		Type:        task.TypeSync,
		Payload:     json.RawMessage(`{"n":1}`),
		Priority:    priority,
		QueueName:   "integration",
		Status:      task.StatusPending,
		MaxRetries:  3,
		CreatedAt:   now,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
}

func TestTaskStore_Integration(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := postgres.NewTaskStore(tx)

		low := newIntegrationTask(now, 2)
		high := newIntegrationTask(now, 9)
		blocked := newIntegrationTask(now, 10)
		for _, tk := range []*task.Task{low, high, blocked} {
			require.NoError(t, s.Create(ctx, tk))
		}
		assert.ErrorIs(t, s.Create(ctx, low), store.ErrDuplicate)
		require.NoError(t, s.AddDependency(ctx, task.Dependency{
			TaskID: blocked.ID, DependsOnTaskID: low.ID, Type: task.DependencyCompletion,
		}))

		eligible, err := s.ListEligible(ctx, "integration", now, 10)
		require.NoError(t, err)
		require.Len(t, eligible, 2)
		assert.Equal(t, high.ID, eligible[0].ID)
		assert.Equal(t, low.ID, eligible[1].ID)

		// claim then finish the dependency
		claimed := low.Clone()
		claimed.Status = task.StatusRunning
		claimed.StartedAt = &now
		require.NoError(t, s.Update(ctx, claimed, task.StatusPending))
		assert.ErrorIs(t, s.Update(ctx, claimed, task.StatusPending), store.ErrConflict)

		claimed.Status = task.StatusCompleted
		claimed.CompletedAt = &now
		claimed.Result = json.RawMessage(`{"ok":true}`)
		require.NoError(t, s.Update(ctx, claimed, task.StatusRunning))

		eligible, err = s.ListEligible(ctx, "integration", now, 10)
		require.NoError(t, err)
		require.Len(t, eligible, 2)
		assert.Equal(t, blocked.ID, eligible[0].ID)

		got, err := s.Get(ctx, low.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))

		stats, err := s.Stats(ctx, "integration", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, task.Stats{Pending: 2, Completed: 1}, stats)

		moved, err := s.UpdateStatuses(ctx, []string{high.ID, low.ID},
			[]task.Status{task.StatusPending}, task.StatusCancelled, "bulk", now)
		require.NoError(t, err)
		assert.Equal(t, []string{high.ID}, moved)

		logs := postgres.NewExecutionLogStore(tx)
		require.NoError(t, logs.Append(ctx, []*task.ExecutionLog{
			{ID: uuid.NewString(), TaskID: low.ID, Status: task.ExecutionCompleted, StartedAt: now, CompletedAt: &now},
		}))

		n, err := s.Delete(ctx, []string{low.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// cascades removed the log and the dependency
		entries, err := logs.ListByTask(ctx, low.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
		deps, err := s.Dependencies(ctx, blocked.ID)
		require.NoError(t, err)
		assert.Empty(t, deps)
	})
}

func TestLockStore_Integration(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := postgres.NewLockStore(tx)
		key := "task:" + uuid.NewString()

		ok, err := s.TryAcquire(ctx, key, "a", now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryAcquire(ctx, key, "b", now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.False(t, ok, "live lease must not be taken over")

		later := now.Add(2 * time.Minute)
		ok, err = s.TryAcquire(ctx, key, "b", later.Add(time.Minute), later)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease is taken over")

		l, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "b", l.Holder)

		ok, err = s.Release(ctx, key, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMarkerStore_Integration(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		tk := newIntegrationTask(now, 5)
		require.NoError(t, postgres.NewTaskStore(tx).Create(ctx, tk))

		s := postgres.NewMarkerStore(tx)
		m := consistency.Marker{TaskID: tk.ID, OperationKey: "op", Result: json.RawMessage(`1`), CreatedAt: now}

		ok, err := s.PutMarker(ctx, m)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.PutMarker(ctx, m)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetMarker(ctx, tk.ID, "op")
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(got.Result))
	})
}
