// Package testutils holds helpers shared by the tests of several packages: a
// capturing slog handler, bearer token generation and small HTTP helpers for
// exercising the control API.
package testutils
