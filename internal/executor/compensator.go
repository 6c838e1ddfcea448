package executor

import (
	"context"
	"time"

	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/logger"
)

// StepCompensated is called after each step has been moved to COMPENSATED.
// callErr is the compensation call error, nil for success or a no-op. A
// non-nil return stops the walk.
type StepCompensated func(step *saga.Step, callErr error) error

// Compensator undoes COMPLETED steps in reverse order. Compensation is best
// effort: a failed call is recorded on the step and the walk continues.
type Compensator struct {
	exec *Executor
	log  *logger.Logger
	now  func() time.Time
}

func NewCompensator(exec *Executor, log *logger.Logger) *Compensator {
	if log == nil {
		log = logger.Nop()
	}
	return &Compensator{exec: exec, log: log, now: time.Now}
}

// Run walks tx.Steps backwards. Steps that never completed, or were already
// compensated by an earlier run, are skipped. It returns early only when ctx
// is done or onStep fails; the transaction status is left to the caller.
func (c *Compensator) Run(ctx context.Context, tx *saga.Transaction, onStep StepCompensated) error {
	for i := len(tx.Steps) - 1; i >= 0; i-- {
		step := &tx.Steps[i]
		if step.Status != saga.StepCompleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var callErr error
		if step.Compensable() {
			callErr = c.exec.Compensate(ctx, tx.ID, step)
			if callErr != nil && ctx.Err() != nil {
				// cut short by shutdown, leave the step for the next owner
				return ctx.Err()
			}
		}

		now := c.now().UTC()
		step.Status = saga.StepCompensated
		step.CompensatedAt = &now
		if callErr != nil {
			step.CompensationError = callErr.Error()
			tx.CompensationFailures++
			c.log.WithStep(tx.ID, step.StepID).WithError(callErr).
				Warn("compensation call failed, continuing")
		}

		if onStep != nil {
			if err := onStep(step, callErr); err != nil {
				return err
			}
		}
	}
	return nil
}
