// Package store defines the persistence plumbing shared by every component of
// the task queue: the DBTX abstraction over *sql.DB and *sql.Tx, the common
// error taxonomy, and the transaction manager that brackets units of work
// (nested savepoints, deadlock retry, and best-effort multi-step transactions
// with compensating actions).
package store
