package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying},
	StatusRetrying: {StatusPending},
}

// administrative edges, only taken by a manual retry
var adminTransitions = map[Status][]Status{
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusPending},
}

// CanTransition reports whether the worker-driven state machine allows
// from -> to.
func CanTransition(from, to Status) bool {
	return contains(transitions[from], to)
}

// CanTransitionAdmin additionally allows the administrative retry edges.
func CanTransitionAdmin(from, to Status) bool {
	return CanTransition(from, to) || contains(adminTransitions[from], to)
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// transitionOpts control the side effects of a move.
type transitionOpts struct {
	admin bool
}

// transition moves t to status to, maintaining the timestamps: started_at is
// written only on entering RUNNING and completed_at only on entering a
// terminal status. Illegal moves are logged as consistency violations and
// leave t untouched.
func transition(ctx context.Context, t *Task, to Status, now time.Time, opts transitionOpts) error {
	allowed := CanTransition(t.Status, to)
	if opts.admin {
		allowed = CanTransitionAdmin(t.Status, to)
	}
	if !allowed {
		logger.FromContext(ctx).Warn("rejected illegal status transition",
			slog.String("task_id", t.ID),
			slog.String("from_status", string(t.Status)),
			slog.String("to_status", string(to)))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}

	now = now.UTC()
	switch {
	case to == StatusRunning:
		t.StartedAt = &now
	case to.Terminal():
		t.CompletedAt = &now
	case to == StatusPending && t.Status.Terminal():
		t.StartedAt = nil
		t.CompletedAt = nil
	}

	t.Status = to
	t.UpdatedAt = now
	return nil
}
