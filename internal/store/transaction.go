package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/sethvargo/go-retry"
)

// TxFn is a function that executes within a database transaction. The
// transaction travels in ctx; stores pick it up through Conn.
// The transaction is committed if the function returns nil, or rolled back if it returns an error.
type TxFn func(ctx context.Context) error

// Transactor runs units of work atomically.
type Transactor interface {
	Run(ctx context.Context, fn TxFn) error
}

// NopTransactor runs fn directly without opening a transaction. It is used
// with the in-memory stores, which apply each write atomically on their own.
type NopTransactor struct{}

// Run calls fn with ctx unchanged.
func (NopTransactor) Run(ctx context.Context, fn TxFn) error {
	return fn(ctx)
}

type txKey struct{}

type txState struct {
	tx         *sql.Tx
	savepoints int
}

func txFromContext(ctx context.Context) *txState {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// BackoffFunc builds the retry schedule for RunWithDeadlockRetry.
type BackoffFunc func(maxRetries int) retry.Backoff

// DefaultDeadlockBackoff waits a random 100–1000 ms between attempts and
// allows maxRetries-1 additional attempts.
func DefaultDeadlockBackoff(maxRetries int) retry.Backoff {
	b := retry.NewConstant(550 * time.Millisecond)
	b = retry.WithJitter(450*time.Millisecond, b)
	return retry.WithMaxRetries(uint64(maxRetries-1), b)
}

// TxManager brackets units of work in database transactions.
type TxManager struct {
	db      *sql.DB
	opts    *sql.TxOptions
	backoff BackoffFunc
}

// TxOption customises a TxManager.
type TxOption func(*TxManager)

// WithTxOptions sets the isolation level and read-only flag for top-level transactions.
func WithTxOptions(opts *sql.TxOptions) TxOption {
	return func(m *TxManager) { m.opts = opts }
}

// WithDeadlockBackoff replaces the jittered deadlock retry schedule.
func WithDeadlockBackoff(fn BackoffFunc) TxOption {
	return func(m *TxManager) { m.backoff = fn }
}

// NewTxManager creates a TxManager over db.
func NewTxManager(db *sql.DB, opts ...TxOption) *TxManager {
	m := &TxManager{
		db:      db,
		backoff: DefaultDeadlockBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying connection pool.
func (m *TxManager) DB() *sql.DB {
	return m.db
}

// Run executes fn within a database transaction. If ctx already carries a
// transaction, fn runs inside a savepoint of it instead: an error rolls back
// to the savepoint and is returned, success releases the savepoint.
// The function handles rollbacks in case of panic and logs appropriate information.
func (m *TxManager) Run(ctx context.Context, fn TxFn) (err error) {
	if st := txFromContext(ctx); st != nil {
		return m.runNested(ctx, st, fn)
	}

	log := logger.FromContext(ctx)

	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		log.Error("failed to begin transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: begin: %w", ErrTransactionFailed, err)
	}

	txCtx := context.WithValue(ctx, txKey{}, &txState{tx: tx})

	// Set up defer to handle panics and roll back the transaction if needed
	defer func() {
		if p := recover(); p != nil {
			if txErr := tx.Rollback(); txErr != nil {
				log.Error("failed to roll back transaction after panic",
					slog.String("error", txErr.Error()),
					slog.Any("panic", p))
			} else {
				log.Error("rolled back transaction after panic",
					slog.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("failed to roll back transaction",
				slog.String("rollback_error", rollbackErr.Error()),
				slog.String("original_error", err.Error()))
			return fmt.Errorf(
				"error rolling back transaction: %v (original error: %w)",
				rollbackErr,
				err,
			)
		}
		log.Debug("rolled back transaction due to error",
			slog.String("error", err.Error()))
		return err
	}

	if err = tx.Commit(); err != nil {
		log.Error("failed to commit transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
	}

	log.Debug("transaction committed successfully")
	return nil
}

func (m *TxManager) runNested(ctx context.Context, st *txState, fn TxFn) error {
	st.savepoints++
	name := fmt.Sprintf("sp_%d", st.savepoints)

	if err := m.CreateSavepoint(ctx, name); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rbErr := m.RollbackToSavepoint(ctx, name); rbErr != nil {
			return fmt.Errorf("error rolling back to savepoint %s: %v (original error: %w)", name, rbErr, err)
		}
		logger.FromContext(ctx).Debug("rolled back to savepoint",
			slog.String("savepoint", name),
			slog.String("error", err.Error()))
		return err
	}

	return m.ReleaseSavepoint(ctx, name)
}

// CreateSavepoint marks a savepoint in the transaction carried by ctx.
func (m *TxManager) CreateSavepoint(ctx context.Context, name string) error {
	return savepointExec(ctx, "SAVEPOINT ", name)
}

// RollbackToSavepoint undoes everything done after the named savepoint.
func (m *TxManager) RollbackToSavepoint(ctx context.Context, name string) error {
	return savepointExec(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

// ReleaseSavepoint forgets the named savepoint, keeping its changes.
func (m *TxManager) ReleaseSavepoint(ctx context.Context, name string) error {
	return savepointExec(ctx, "RELEASE SAVEPOINT ", name)
}

func savepointExec(ctx context.Context, verb, name string) error {
	st := txFromContext(ctx)
	if st == nil {
		return fmt.Errorf("%w: savepoint %q requires an open transaction", ErrTransactionFailed, name)
	}
	if !savepointName.MatchString(name) {
		return fmt.Errorf("%w: invalid savepoint name %q", ErrTransactionFailed, name)
	}
	if _, err := st.tx.ExecContext(ctx, verb+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("%w: %s%s: %w", ErrTransactionFailed, verb, name, err)
	}
	return nil
}

// RunWithDeadlockRetry runs fn in a transaction and, when it fails with a
// deadlock or lock-timeout, retries the whole unit with randomized jitter.
// At most maxRetries attempts are made in total. Inside an existing
// transaction the unit runs once: a deadlock aborts the enclosing
// transaction, so only its owner can retry.
func (m *TxManager) RunWithDeadlockRetry(ctx context.Context, fn TxFn, maxRetries int) error {
	if InTransaction(ctx) {
		return m.Run(ctx, fn)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	log := logger.FromContext(ctx)
	attempt := 0

	return retry.Do(ctx, m.backoff(maxRetries), func(ctx context.Context) error {
		attempt++
		err := m.Run(ctx, fn)
		if err != nil && IsDeadlock(err) {
			log.Warn("deadlock detected, retrying transaction",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxRetries),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
}

type deadlockRetrier interface {
	RunWithDeadlockRetry(ctx context.Context, fn TxFn, maxRetries int) error
}

// RunWithRetry runs fn through tr, using its deadlock retry when tr supports
// one.
func RunWithRetry(ctx context.Context, tr Transactor, fn TxFn, maxRetries int) error {
	if r, ok := tr.(deadlockRetrier); ok {
		return r.RunWithDeadlockRetry(ctx, fn, maxRetries)
	}
	return tr.Run(ctx, fn)
}
