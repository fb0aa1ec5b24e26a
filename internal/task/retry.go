package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/failure"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"github.com/phrazzld/taskqueue/internal/redact"
	"github.com/phrazzld/taskqueue/internal/store"
)

// retryMetadataKey is the payload field that carries the last failure of a
// task waiting for its next attempt.
const retryMetadataKey = "_retry"

type retryMetadata struct {
	Attempt     int       `json:"attempt"`
	Category    string    `json:"category"`
	LastError   string    `json:"last_error"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// Decision is the outcome of HandleFailure.
type Decision struct {
	Classification failure.Classification
	Plan           failure.Plan
	// Status is the task's status afterwards: PENDING when a retry was
	// scheduled, FAILED otherwise.
	Status     Status
	RetryCount int
}

// Retry reports whether another attempt was scheduled.
func (d Decision) Retry() bool {
	return d.Plan.ShouldRetry
}

// RetryManager records failed attempts and schedules retries.
type RetryManager struct {
	*core
	planner *failure.Planner
	limit   int
}

// NewRetryManager creates a RetryManager. A nil planner uses the default
// policies.
func NewRetryManager(deps Deps, planner *failure.Planner) *RetryManager {
	if planner == nil {
		planner = failure.NewPlanner()
	}
	return &RetryManager{core: newCore(deps), planner: planner, limit: 100}
}

// Planner returns the retry planner.
func (r *RetryManager) Planner() *failure.Planner {
	return r.planner
}

// HandleFailure classifies cause and moves the RUNNING task t either back to
// PENDING with a scheduled retry or to FAILED. t is updated to match the
// stored task.
func (r *RetryManager) HandleFailure(ctx context.Context, t *Task, cause error) (Decision, error) {
	now := r.now()
	d := Decision{Classification: failure.Classify(cause)}
	msg := redact.ErrorSecrets(cause)

	var updated *Task
	err := r.runTx(ctx, func(ctx context.Context) error {
		cur, err := r.Store.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusRunning {
			return fmt.Errorf("%w: task %s is %s", store.ErrConflict, cur.ID, cur.Status)
		}

		d.Plan = r.planner.Plan(d.Classification, cur.RetryCount, cur.MaxRetries, now)
		cur.ErrorMessage = msg

		if d.Plan.ShouldRetry {
			if err := transition(ctx, cur, StatusRetrying, now, transitionOpts{}); err != nil {
				return err
			}
			cur.RetryCount++
			cur.Progress = 0
			cur.Payload = withRetryMetadata(cur.Payload, retryMetadata{
				Attempt:     cur.RetryCount,
				Category:    string(d.Classification.Category),
				LastError:   msg,
				NextRetryAt: d.Plan.NextRetryAt,
			})
			if err := r.Store.Update(ctx, cur, StatusRunning); err != nil {
				return err
			}
			if err := transition(ctx, cur, StatusPending, now, transitionOpts{}); err != nil {
				return err
			}
			cur.ScheduledAt = d.Plan.NextRetryAt
			if err := r.Store.Update(ctx, cur, StatusRetrying); err != nil {
				return err
			}
		} else {
			if err := transition(ctx, cur, StatusFailed, now, transitionOpts{}); err != nil {
				return err
			}
			if d.Classification.Recoverable {
				cur.RetryCount = min(cur.RetryCount+1, cur.MaxRetries)
			}
			if err := r.Store.Update(ctx, cur, StatusRunning); err != nil {
				return err
			}
		}

		updated = cur
		return nil
	})
	if err != nil {
		return d, fmt.Errorf("failed to record failure of task %s: %w", t.ID, err)
	}

	*t = *updated
	d.Status = t.Status
	d.RetryCount = t.RetryCount

	log := logger.FromContext(ctx).With(
		slog.String("task_id", t.ID),
		slog.String("category", string(d.Classification.Category)),
		slog.String("severity", string(d.Classification.Severity)),
		slog.Int("retry_count", t.RetryCount))

	if d.Retry() {
		log.Warn("task failed, retry scheduled",
			slog.Duration("delay", d.Plan.Delay),
			slog.Time("next_retry_at", d.Plan.NextRetryAt),
			slog.String("error", msg))
		r.Metrics.Retried(ctx, t.QueueName, string(d.Classification.Category))
		return d, nil
	}

	log.Error("task failed permanently",
		slog.String("reason", d.Plan.Reason),
		slog.String("error", msg))
	r.Metrics.Failed(ctx, t.QueueName, string(d.Classification.Category))

	severity := notify.SeverityWarning
	if d.Classification.Severity == failure.SeverityCritical {
		severity = notify.SeverityCritical
	}
	r.Notifier.Send(ctx, severity, "task failed", map[string]any{
		"task_id":     t.ID,
		"task_type":   string(t.Type),
		"queue":       t.QueueName,
		"category":    string(d.Classification.Category),
		"retry_count": t.RetryCount,
		"reason":      d.Plan.Reason,
		"error":       msg,
	})

	r.resolveDependents(ctx, t.ID)
	return d, nil
}

// withRetryMetadata records meta in a JSON object payload. Other payloads
// are returned unchanged.
func withRetryMetadata(payload json.RawMessage, meta retryMetadata) json.RawMessage {
	var obj map[string]json.RawMessage
	if len(payload) == 0 || json.Unmarshal(payload, &obj) != nil || obj == nil {
		return payload
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return payload
	}
	obj[retryMetadataKey] = b
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// ProcessDueRetries makes tasks whose retry time has come eligible again
// and wakes the workers. Tasks left in RETRYING by an interrupted attempt
// are moved to PENDING. Cancelled and expired tasks are skipped. It returns
// the number of tasks released.
func (r *RetryManager) ProcessDueRetries(ctx context.Context) (int, error) {
	now := r.now()
	log := logger.FromContext(ctx)

	due, err := r.Store.ListDueRetries(ctx, now, r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due retries: %w", err)
	}

	released := 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}

		// re-read: the task may have been cancelled since it was listed
		cur, err := r.Store.Get(ctx, t.ID)
		if err != nil {
			log.Warn("failed to load retry candidate",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()))
			continue
		}
		if cur.Status.Terminal() || cur.Status == StatusRunning {
			continue
		}
		if cur.Expired(now) {
			if _, err := r.expireTask(ctx, cur); err != nil {
				log.Warn("failed to expire retry candidate",
					slog.String("task_id", cur.ID),
					slog.String("error", err.Error()))
			}
			continue
		}

		if cur.Status == StatusRetrying {
			if err := transition(ctx, cur, StatusPending, now, transitionOpts{}); err != nil {
				continue
			}
			if err := r.Store.Update(ctx, cur, StatusRetrying); err != nil {
				if !store.IsConflictError(err) {
					log.Error("failed to release retrying task",
						slog.String("task_id", cur.ID),
						slog.String("error", err.Error()))
				}
				continue
			}
		}

		if !cur.ScheduledAt.After(now) {
			released++
			log.Debug("retry due", slog.String("task_id", cur.ID), slog.Int("retry_count", cur.RetryCount))
		}
	}

	if released > 0 {
		r.Signal.Notify()
	}
	return released, nil
}

// ManualRetry puts a FAILED or CANCELLED task back to PENDING for immediate
// execution, optionally resetting its retry count. It returns false when the
// task is in any other state or has expired.
func (r *RetryManager) ManualRetry(ctx context.Context, id string, resetCount bool) (bool, error) {
	now := r.now()
	log := logger.FromContext(ctx).With(slog.String("task_id", id))

	var ok bool
	err := r.runTx(ctx, func(ctx context.Context) error {
		ok = false
		cur, err := r.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusFailed && cur.Status != StatusCancelled {
			log.Warn("manual retry rejected", slog.String("status", string(cur.Status)))
			return nil
		}
		if cur.ExpiresAt != nil && !cur.ExpiresAt.After(now) {
			log.Warn("manual retry rejected", slog.String("reason", "expired"))
			return nil
		}

		from := cur.Status
		if err := transition(ctx, cur, StatusPending, now, transitionOpts{admin: true}); err != nil {
			return err
		}
		cur.ScheduledAt = now
		cur.ErrorMessage = ""
		cur.Result = nil
		cur.Progress = 0
		if resetCount {
			cur.RetryCount = 0
		}
		if err := r.Store.Update(ctx, cur, from); err != nil {
			if store.IsConflictError(err) {
				return nil
			}
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to retry task %s: %w", id, err)
	}

	if ok {
		log.Info("task queued for manual retry", slog.Bool("reset_count", resetCount))
		r.Signal.Notify()
	}
	return ok, nil
}
