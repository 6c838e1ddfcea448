// Package saga defines the persisted transaction document, its steps and the
// status state machine shared by the engine, the store and the API.
package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pattern of a transaction. Only orchestration has runtime behaviour.
type Pattern string

const (
	PatternOrchestration Pattern = "orchestration"
	PatternChoreography  Pattern = "choreography"
)

// Status of a transaction.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusTimeout      Status = "timeout"
)

// AllStatuses in state machine order.
var AllStatuses = []Status{
	StatusPending, StatusRunning, StatusCompleted, StatusFailed,
	StatusCompensating, StatusCompensated, StatusTimeout,
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// StepStatus of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

var (
	ErrNotFound          = errors.New("saga: transaction not found")
	ErrInvalidTransition = errors.New("saga: invalid status transition")
	// ErrTimeout is the cancellation cause used when the transaction deadline passes.
	ErrTimeout = errors.New("saga: transaction timed out")
	// ErrOverridden is the cancellation cause used by administrative overrides.
	ErrOverridden = errors.New("saga: overridden by operator")
)

// Step is one unit of forward work plus its optional inverse.
type Step struct {
	StepID              string          `json:"step_id"`
	ServiceURL          string          `json:"service_url"`
	Action              string          `json:"action"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	CompensationAction  string          `json:"compensation_action,omitempty"`
	CompensationPayload json.RawMessage `json:"compensation_payload,omitempty"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	RetryAttempts       int             `json:"retry_attempts"`

	Status            StepStatus      `json:"status"`
	Attempts          int             `json:"attempts"`
	StartedAt         *time.Time      `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensatedAt     *time.Time      `json:"compensated_at,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
}

// Compensable reports whether the step has an inverse action.
func (s *Step) Compensable() bool {
	return s.CompensationAction != ""
}

// Timeout returns the per-step bound, falling back to def when unset.
func (s *Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// Transaction is the aggregate root persisted as one JSON document.
type Transaction struct {
	ID                   string                 `json:"id"`
	Pattern              Pattern                `json:"pattern"`
	Status               Status                 `json:"status"`
	Steps                []Step                 `json:"steps"`
	CurrentStepIndex     int                    `json:"current_step_index"`
	CreatedAt            time.Time              `json:"created_at"`
	StartedAt            *time.Time             `json:"started_at"`
	CompletedAt          *time.Time             `json:"completed_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	TimeoutSeconds       int                    `json:"timeout_seconds"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CompensationReason   string                 `json:"compensation_reason,omitempty"`
	Error                string                 `json:"error,omitempty"`
	CompensationFailures int                    `json:"compensation_failures"`
	Version              int64                  `json:"version"`
}

// New builds a PENDING transaction. Step runtime fields are reset.
func New(id string, pattern Pattern, steps []Step, timeoutSeconds int, metadata map[string]interface{}, now time.Time) *Transaction {
	if pattern == "" {
		pattern = PatternOrchestration
	}
	tx := &Transaction{
		ID:             id,
		Pattern:        pattern,
		Status:         StatusPending,
		Steps:          make([]Step, len(steps)),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
		TimeoutSeconds: timeoutSeconds,
		Metadata:       metadata,
	}
	for i, s := range steps {
		tx.Steps[i] = Step{
			StepID:              s.StepID,
			ServiceURL:          s.ServiceURL,
			Action:              s.Action,
			Payload:             s.Payload,
			CompensationAction:  s.CompensationAction,
			CompensationPayload: s.CompensationPayload,
			TimeoutSeconds:      s.TimeoutSeconds,
			RetryAttempts:       s.RetryAttempts,
			Status:              StepPending,
		}
	}
	return tx
}

// Deadline is measured from CreatedAt, so time spent PENDING counts.
func (t *Transaction) Deadline() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
}

func (t *Transaction) Expired(now time.Time) bool {
	return t.TimeoutSeconds > 0 && now.After(t.Deadline())
}

// StepIndex returns the index of stepID or -1.
func (t *Transaction) StepIndex(stepID string) int {
	for i := range t.Steps {
		if t.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to mutate independently.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		s.Payload = cloneRaw(s.Payload)
		s.CompensationPayload = cloneRaw(s.CompensationPayload)
		s.Result = cloneRaw(s.Result)
		s.StartedAt = cloneTime(s.StartedAt)
		s.CompletedAt = cloneTime(s.CompletedAt)
		s.CompensatedAt = cloneTime(s.CompensatedAt)
		cp.Steps[i] = s
	}
	if t.Metadata != nil {
		// metadata holds decoded JSON, so a round trip copies it fully
		if raw, err := json.Marshal(t.Metadata); err == nil {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) == nil {
				cp.Metadata = m
			}
		}
	}
	return &cp
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusTimeout},
	StatusRunning:      {StatusCompleted, StatusCompensating, StatusTimeout},
	StatusCompensating: {StatusCompensated},
	StatusTimeout:      {StatusCompensating, StatusCompensated},
}

// CanTransition reports whether from -> to is an engine transition.
// Administrative overrides do not go through this table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the transaction to status `to` if the state machine allows it.
func (t *Transaction) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	now = now.UTC()
	switch to {
	case StatusRunning:
		t.StartedAt = &now
	case StatusCompleted, StatusCompensated:
		t.CompletedAt = &now
	}
	return nil
}

// Force sets a terminal status without consulting the state machine.
func (t *Transaction) Force(to Status, now time.Time) {
	now = now.UTC()
	t.Status = to
	t.CompletedAt = &now
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
