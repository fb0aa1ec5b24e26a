package store

import (
	"context"
	"database/sql"
)

// DBTX is an interface that abstracts the database access layer.
// It is implemented by both *sql.DB and *sql.Tx, allowing our code
// to work with either a database connection or a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn returns the transaction bound to ctx by TxManager.Run, or fallback when
// ctx carries no transaction. Stores call it on every query so they take part
// in whatever unit of work the caller opened.
func Conn(ctx context.Context, fallback DBTX) DBTX {
	if st := txFromContext(ctx); st != nil {
		return st.tx
	}
	return fallback
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

// Detach returns a context that keeps ctx's values and deadline but carries no
// transaction, so work done with it commits independently of the caller's
// unit of work.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, (*txState)(nil))
}
