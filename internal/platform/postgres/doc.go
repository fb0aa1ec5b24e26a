// Package postgres provides the PostgreSQL implementations of the task,
// execution log, distributed lock and idempotency marker stores, together
// with the embedded goose migrations that create their tables.
//
// Stores accept a store.DBTX and join a transaction carried in the context
// (see store.Conn), except LockStore, whose statements always run on the
// connection it was built with so a lease is visible to other workers as
// soon as it is taken.
package postgres
