package saga

import "time"

// EventType names a lifecycle transition published to watchers and the audit trail.
type EventType string

const (
	EventStarted            EventType = "saga.started"
	EventRunning            EventType = "saga.running"
	EventStepStarted        EventType = "step.started"
	EventStepCompleted      EventType = "step.completed"
	EventStepFailed         EventType = "step.failed"
	EventCompensating       EventType = "saga.compensating"
	EventStepCompensated    EventType = "step.compensated"
	EventCompensationFailed EventType = "step.compensation_failed"
	EventCompleted          EventType = "saga.completed"
	EventCompensated        EventType = "saga.compensated"
	EventTimeout            EventType = "saga.timeout"
	EventOverridden         EventType = "saga.overridden"
)

type Event struct {
	SagaID    string    `json:"saga_id"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status"`
	StepID    string    `json:"step_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// set by administrative overrides only
	Previous  Status `json:"previous_status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewEvent snapshots the transaction status at the time of the event.
func NewEvent(tx *Transaction, typ EventType, stepID, errMsg string, now time.Time) Event {
	return Event{
		SagaID:    tx.ID,
		Type:      typ,
		Status:    tx.Status,
		StepID:    stepID,
		Error:     errMsg,
		Timestamp: now.UTC(),
	}
}

// Final reports whether no further events follow for the transaction.
func (e Event) Final() bool {
	switch e.Type {
	case EventCompleted, EventCompensated:
		return true
	case EventOverridden:
		return e.Status.Terminal()
	}
	return false
}
