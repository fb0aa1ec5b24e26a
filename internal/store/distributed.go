package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"go.uber.org/multierr"
)

// Step is one stage of a distributed unit of work. Run executes in its own
// transaction; Compensate, when set, undoes a successful Run.
type Step struct {
	Name       string
	Run        TxFn
	Compensate TxFn
}

// DistributedError reports the step that failed and the outcome of the
// compensations that were attempted for earlier steps.
type DistributedError struct {
	Step            string
	Err             error
	Compensated     []string
	CompensationErr error
}

// Error implements the error interface.
func (e *DistributedError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("distributed step %q failed: %v (compensation errors: %v)", e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("distributed step %q failed: %v", e.Step, e.Err)
}

// Unwrap exposes the step error.
func (e *DistributedError) Unwrap() error {
	return e.Err
}

// RunDistributed runs the steps in order, each in its own transaction.
//
// This is NOT atomic. When a step fails, the Compensate actions of the steps
// that already committed are invoked in reverse order, each in its own
// transaction, and every compensation is attempted even if an earlier one
// fails. Other readers can observe the intermediate states, and a crash
// during compensation leaves earlier steps applied. Compensations must
// therefore be idempotent.
func RunDistributed(ctx context.Context, tr Transactor, steps []Step) error {
	log := logger.FromContext(ctx)
	done := make([]Step, 0, len(steps))

	for _, step := range steps {
		if err := tr.Run(ctx, step.Run); err != nil {
			log.Warn("distributed step failed, compensating",
				slog.String("step", step.Name),
				slog.Int("completed_steps", len(done)),
				slog.String("error", err.Error()))

			derr := &DistributedError{Step: step.Name, Err: err}
			for i := len(done) - 1; i >= 0; i-- {
				prev := done[i]
				if prev.Compensate == nil {
					continue
				}
				if cerr := tr.Run(ctx, prev.Compensate); cerr != nil {
					log.Error("compensation failed",
						slog.String("step", prev.Name),
						slog.String("error", cerr.Error()))
					derr.CompensationErr = multierr.Append(derr.CompensationErr, fmt.Errorf("%s: %w", prev.Name, cerr))
					continue
				}
				derr.Compensated = append(derr.Compensated, prev.Name)
			}
			return derr
		}
		done = append(done, step)
	}

	return nil
}

// RunDistributed runs steps against this manager. See the package-level
// RunDistributed for the (non-atomic) guarantees.
func (m *TxManager) RunDistributed(ctx context.Context, steps []Step) error {
	return RunDistributed(ctx, m, steps)
}
