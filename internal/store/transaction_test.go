package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockManager(t *testing.T) (*TxManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fast := func(maxRetries int) retry.Backoff {
		return retry.WithMaxRetries(uint64(maxRetries-1), retry.NewConstant(time.Millisecond))
	}
	return NewTxManager(db, WithDeadlockBackoff(fast)), mock
}

func TestRun_Commit(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	var sawTx bool
	err := m.Run(context.Background(), func(ctx context.Context) error {
		sawTx = InTransaction(ctx)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawTx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RollbackOnError(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := m.Run(context.Background(), func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RollbackOnPanic(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.Run(context.Background(), func(ctx context.Context) error {
			panic("kaboom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_BeginFailure(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := m.Run(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})

	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CommitFailure(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("commit lost"))

	err := m.Run(context.Background(), func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_NestedUsesSavepoints(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT "sp_1"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`RELEASE SAVEPOINT "sp_1"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT "sp_2"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT "sp_2"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inner := errors.New("inner failed")
	err := m.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, m.Run(ctx, func(ctx context.Context) error { return nil }))

		// the inner failure is visible to the caller but the outer unit may continue
		nestedErr := m.Run(ctx, func(ctx context.Context) error { return inner })
		assert.ErrorIs(t, nestedErr, inner)
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepoint_RequiresTransaction(t *testing.T) {
	t.Parallel()
	m, _ := newMockManager(t)

	err := m.CreateSavepoint(context.Background(), "sp_1")
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestSavepoint_RejectsInvalidName(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := m.Run(context.Background(), func(ctx context.Context) error {
		return m.CreateSavepoint(ctx, `x"; DROP TABLE tasks; --`)
	})

	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunWithDeadlockRetry_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := m.RunWithDeadlockRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	}, 3)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunWithDeadlockRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	calls := 0
	err := m.RunWithDeadlockRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("Deadlock found when trying to get lock")
	}, 3)

	require.Error(t, err)
	assert.True(t, IsDeadlock(err))
	assert.Equal(t, 3, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunWithDeadlockRetry_DoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	boom := errors.New("constraint violated")
	err := m.RunWithDeadlockRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	}, 3)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunWithDeadlockRetry_InsideTransactionRunsOnce(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT "sp_1"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT "sp_1"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	calls := 0
	err := m.Run(context.Background(), func(ctx context.Context) error {
		return m.RunWithDeadlockRetry(ctx, func(ctx context.Context) error {
			calls++
			return &pgconn.PgError{Code: "40001"}
		}, 5)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDeadlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "deadlock detected"}, false},
		{"mysql message", errors.New("Deadlock found when trying to get lock"), true},
		{"lock wait timeout", errors.New("Lock wait timeout exceeded; try restarting transaction"), true},
		{"sqlite busy", errors.New("database is locked"), true},
		{"unrelated", errors.New("connection reset by peer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDeadlock(tt.err))
		})
	}
}
