// Package failure classifies task errors and decides whether and when a
// failed task is retried.
//
// Code that knows why it failed should return a tagged error built with New
// or one of the category helpers (Network, Validation, ...). Classify trusts
// those tags first, then well-known error types, and only falls back to
// keyword matching on the message for errors from code it does not control.
package failure
