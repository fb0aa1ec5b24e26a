// Package batch splits bulk operations into transactional chunks whose size
// adapts to how the previous chunks of the same kind performed.
package batch
