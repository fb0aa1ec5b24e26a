package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/phrazzld/taskqueue/internal/lock"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockStore_TryAcquire(t *testing.T) {
	t.Parallel()

	upsert := regexp.QuoteMeta("ON CONFLICT (lock_key) DO UPDATE") + ".*" +
		regexp.QuoteMeta("WHERE distributed_locks.expire_time <= $4 RETURNING lock_id")
	expireAt := testNow.Add(time.Minute)

	t.Run("free or expired key is taken", func(t *testing.T) {
		t.Parallel()
		db, mock := newMock(t)
		s := NewLockStore(db)

		mock.ExpectQuery(upsert).
			WithArgs("task:1", "holder-a", expireAt, testNow).
			WillReturnRows(sqlmock.NewRows([]string{"lock_id"}).AddRow("holder-a"))

		ok, err := s.TryAcquire(context.Background(), "task:1", "holder-a", expireAt, testNow)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("live lease is kept", func(t *testing.T) {
		t.Parallel()
		db, mock := newMock(t)
		s := NewLockStore(db)

		mock.ExpectQuery(upsert).WillReturnRows(sqlmock.NewRows([]string{"lock_id"}))

		ok, err := s.TryAcquire(context.Background(), "task:1", "holder-b", expireAt, testNow)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLockStore_Get(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	s := NewLockStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM distributed_locks WHERE lock_key = $1")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"lock_key", "lock_id", "expire_time"}).
			AddRow("k", "h", testNow))
	mock.ExpectQuery(regexp.QuoteMeta("FROM distributed_locks WHERE lock_key = $1")).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	l, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, lock.Lock{Key: "k", Holder: "h", ExpireTime: testNow}, l)

	_, err = s.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, store.ErrLockNotFound)
}

func TestLockStore_ReleaseExtendSweep(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	s := NewLockStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM distributed_locks WHERE lock_key = $1 AND lock_id = $2")).
		WithArgs("k", "h").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM distributed_locks WHERE lock_key = $1 AND lock_id = $2")).
		WithArgs("k", "other").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("WHERE lock_key = $1 AND lock_id = $2 AND expire_time > $4")).
		WithArgs("k", "h", testNow.Add(time.Minute), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM distributed_locks WHERE expire_time <= $1")).
		WithArgs(testNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ok, err := s.Release(ctx, "k", "h")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Release(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Extend(ctx, "k", "h", testNow.Add(time.Minute), testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.SweepExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockStore_WithService(t *testing.T) {
	t.Parallel()
	db, mock := newMock(t)
	svc := lock.NewService(NewLockStore(db), lock.WithHolder("worker-1"), lock.WithClock(func() time.Time { return testNow }))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM distributed_locks WHERE expire_time <= $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING lock_id")).
		WithArgs("task:9", "worker-1", testNow.Add(30*time.Second), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"lock_id"}).AddRow("worker-1"))

	ok, err := svc.Acquire(context.Background(), "task:9", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
