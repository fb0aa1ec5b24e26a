package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		duplicate bool
		conflict  bool
	}{
		{name: "nil error"},
		{name: "generic error", err: errors.New("some error")},
		{name: "ErrNotFound", err: ErrNotFound, notFound: true},
		{name: "wrapped task not found", err: fmt.Errorf("get: %w", ErrTaskNotFound), notFound: true},
		{name: "lock not found", err: ErrLockNotFound, notFound: true},
		{name: "marker not found", err: ErrMarkerNotFound, notFound: true},
		{name: "duplicate", err: fmt.Errorf("insert: %w", ErrDuplicate), duplicate: true},
		{name: "conflict", err: fmt.Errorf("claim: %w", ErrConflict), conflict: true},
		{
			name:     "store error wrapping not found",
			err:      NewStoreError("task", "get", "lookup failed", ErrTaskNotFound),
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFoundError(tt.err))
			assert.Equal(t, tt.duplicate, IsDuplicateError(tt.err))
			assert.Equal(t, tt.conflict, IsConflictError(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewStoreError("task", "claim", "update failed", inner)

	assert.Equal(t, "claim operation on task failed: update failed: connection reset", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := NewStoreError("lock", "release", "not held", nil)
	assert.Equal(t, "release operation on lock failed: not held", bare.Error())
}
