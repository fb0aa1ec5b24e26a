// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels, and carries task- or request-scoped loggers through
// context.Context so that stores and background workers log with the right attributes.
package logger
