package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a lifecycle operation is not allowed
// from the execution's current status.
var ErrInvalidTransition = errors.New("invalid transition")

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusActive    ExecutionStatus = "active"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusCancelled
}

// transitions lists the allowed edges of the execution state machine.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusActive: {ExecutionStatusPaused, ExecutionStatusCancelled, ExecutionStatusCompleted},
	ExecutionStatusPaused: {ExecutionStatusActive, ExecutionStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may move to target.
func SourcesFor(target ExecutionStatus) []ExecutionStatus {
	var sources []ExecutionStatus
	for _, from := range []ExecutionStatus{ExecutionStatusActive, ExecutionStatusPaused} {
		if CanTransition(from, target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// TransitionError describes a rejected lifecycle call.
type TransitionError struct {
	ExecutionID string
	From        ExecutionStatus
	To          ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: cannot move from %s to %s", e.ExecutionID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ContextRefs are the ids resolved into a render context for every step.
type ContextRefs struct {
	LeadID     string `json:"lead_id"`
	PropertyID string `json:"property_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// Execution is a single lead's run through one sequence.
type Execution struct {
	ID               string          `json:"id"`
	LeadID           string          `json:"lead_id"`
	SequenceID       string          `json:"sequence_id"`
	SequenceName     string          `json:"sequence_name,omitempty"`
	Status           ExecutionStatus `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	NextStepDate     time.Time       `json:"next_step_date"`

	// Steps is the snapshot frozen at enrollment.
	Steps     []Step      `json:"steps"`
	Context   ContextRefs `json:"context"`
	Signature string      `json:"signature,omitempty"`

	// StepsDone is set when the last step went out while the execution was
	// paused. Resuming it completes the execution.
	StepsDone bool `json:"steps_done,omitempty"`

	ClaimToken string     `json:"-"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	History []*HistoryEvent `json:"history,omitempty"`
}

// CurrentStep returns the step at CurrentStepIndex.
func (e *Execution) CurrentStep() (Step, error) {
	if e.CurrentStepIndex < 0 || e.CurrentStepIndex >= len(e.Steps) {
		return Step{}, fmt.Errorf("execution %s: step index %d out of range [0,%d)", e.ID, e.CurrentStepIndex, len(e.Steps))
	}
	return e.Steps[e.CurrentStepIndex], nil
}

// Validate checks the structural invariants of the execution.
func (e *Execution) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(e.LeadID) == "" {
		validation.AddMessage("lead_id", "lead_id is required")
	}
	if strings.TrimSpace(e.SequenceID) == "" {
		validation.AddMessage("sequence_id", "sequence_id is required")
	}
	switch e.Status {
	case ExecutionStatusActive, ExecutionStatusPaused:
		if e.CurrentStepIndex < 0 || e.CurrentStepIndex >= len(e.Steps) {
			validation.AddMessage("current_step_index", fmt.Sprintf("index %d out of range for %d steps", e.CurrentStepIndex, len(e.Steps)))
		}
	case ExecutionStatusCompleted, ExecutionStatusCancelled:
	default:
		validation.AddMessage("status", fmt.Sprintf("unknown status %q", e.Status))
	}
	if len(e.Steps) == 0 {
		validation.AddMessage("steps", "steps snapshot is required")
	}
	return validation.Err()
}

// HistoryEventType categorizes audit records.
type HistoryEventType string

const (
	HistoryEnroll         HistoryEventType = "enroll"
	HistoryStepDispatched HistoryEventType = "step-dispatched"
	HistoryStepFailed     HistoryEventType = "step-failed"
	HistoryPause          HistoryEventType = "pause"
	HistoryResume         HistoryEventType = "resume"
	HistoryCancel         HistoryEventType = "cancel"
	HistoryComplete       HistoryEventType = "complete"
)

// Valid reports whether t is a known history event type.
func (t HistoryEventType) Valid() bool {
	switch t {
	case HistoryEnroll, HistoryStepDispatched, HistoryStepFailed, HistoryPause, HistoryResume, HistoryCancel, HistoryComplete:
		return true
	}
	return false
}

// HistoryEvent is one immutable audit record.
type HistoryEvent struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Type        HistoryEventType  `json:"type"`
	Description string            `json:"description"`
	StepIndex   *int              `json:"step_index,omitempty"`
	StepID      string            `json:"step_id,omitempty"`
	DeliveryRef string            `json:"delivery_ref,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *HistoryEvent) Validate() error {
	validation := &ValidationErrors{}
	if !e.Type.Valid() {
		validation.AddMessage("type", fmt.Sprintf("unknown history event type %q", e.Type))
	}
	if strings.TrimSpace(e.ExecutionID) == "" {
		validation.AddMessage("execution_id", "execution_id is required")
	}
	return validation.Err()
}
