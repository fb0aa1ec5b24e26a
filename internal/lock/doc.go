// Package lock provides named, time-bounded mutual-exclusion locks kept in a
// shared store, so workers in different processes can agree on who runs a
// task.
//
// Acquisition is a single conditional write: the row is inserted, or taken
// over only when the current holder's lease has expired. Failing to acquire
// is not an error; it means the key is held elsewhere and the caller should
// skip the work.
package lock
