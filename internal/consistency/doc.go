// Package consistency guards task execution with before and after snapshots.
//
// Manager.Run captures the state a job is about to change, runs the job in a
// transaction, captures the state again and validates the difference. On a
// violation the transaction is rolled back and the caller's Restore hook is
// given the pre-snapshot to undo anything written outside the transaction.
//
// Manager.EnsureOnce memoizes side-effecting operations per task so retries
// do not apply them twice.
package consistency
