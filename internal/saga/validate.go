package saga

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/validate"
)

const (
	MinStepTimeoutSeconds = 1
	MaxStepTimeoutSeconds = 3600
	MaxRetryAttempts      = 10
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 7200
)

// Validate checks the caller-supplied definition of a step. Runtime fields are ignored.
func (s Step) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.StepID, validation.Required, validate.ID),
		validation.Field(&s.ServiceURL, validation.Required),
		validation.Field(&s.Action, validation.Required),
		validation.Field(&s.TimeoutSeconds, validation.Required, validation.Min(MinStepTimeoutSeconds), validation.Max(MaxStepTimeoutSeconds)),
		validation.Field(&s.RetryAttempts, validation.Min(0), validation.Max(MaxRetryAttempts)),
	)
}

// Validate checks a transaction definition before it is first persisted.
func (t Transaction) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.ID, validation.Required, validate.ID),
		validation.Field(&t.Pattern, validation.In(PatternOrchestration, PatternChoreography)),
		validation.Field(&t.Steps, validation.Required, validation.By(uniqueStepIDs)),
		validation.Field(&t.TimeoutSeconds, validation.Required, validation.Min(MinTimeoutSeconds), validation.Max(MaxTimeoutSeconds)),
	)
}

func uniqueStepIDs(value interface{}) error {
	steps, _ := value.([]Step)
	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.StepID == "" {
			continue
		}
		if j, ok := seen[s.StepID]; ok {
			return commonerrors.Newf(commonerrors.CodeDuplicateStep, "duplicate step_id %q at positions %d and %d", s.StepID, j, i)
		}
		seen[s.StepID] = i
	}
	return nil
}
