// Package task owns the lifecycle of background tasks: submission, routing
// to named queues, claiming by workers, guarded execution, retry scheduling,
// expiry, dependency resolution and retention.
//
// All coordination happens through the Store and the lock service, so any
// number of Runner processes can share one database. A task is claimed by a
// conditional status write (PENDING to RUNNING); a worker that loses the race
// skips the task instead of retrying it.
package task
