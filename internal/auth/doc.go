// Package auth validates the HS256 bearer tokens presented to the task
// control API. The token subject identifies the caller and is recorded as the
// creator of the tasks it submits.
package auth
