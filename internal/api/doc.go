// Package api exposes the task queue over a small JSON control API: task
// submission, inspection, cancellation, manual retry and queue health. It
// translates HTTP concerns to task.Service calls and maps service errors to
// status codes without leaking internal details to clients.
package api
