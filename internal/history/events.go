package history

import (
	"fmt"
	"time"

	"github.com/homelistingai/followup/internal/models"
)

// Enrolled builds the event written when a lead joins a sequence.
func Enrolled(seq *models.Sequence, leadID string, at time.Time) *models.HistoryEvent {
	return &models.HistoryEvent{
		Type:        models.HistoryEnroll,
		Description: fmt.Sprintf("Lead %s enrolled in %q", leadID, seq.Name),
		Timestamp:   at,
		Metadata: map[string]string{
			"sequence_id":  seq.ID,
			"trigger_type": string(seq.TriggerType),
		},
	}
}

// StepDispatched builds the event written after a collaborator accepted a step.
func StepDispatched(index int, step models.Step, deliveryRef string, at time.Time) *models.HistoryEvent {
	return &models.HistoryEvent{
		Type:        models.HistoryStepDispatched,
		Description: fmt.Sprintf("Step %d (%s) dispatched", index+1, step.Type),
		StepIndex:   &index,
		StepID:      step.ID,
		DeliveryRef: deliveryRef,
		Timestamp:   at,
	}
}

// StepFailed builds the event written when dispatch failed.
func StepFailed(index int, step models.Step, err error, attempt int, retryAt time.Time, at time.Time) *models.HistoryEvent {
	return &models.HistoryEvent{
		Type:        models.HistoryStepFailed,
		Description: fmt.Sprintf("Step %d (%s) failed: %v", index+1, step.Type, err),
		StepIndex:   &index,
		StepID:      step.ID,
		Timestamp:   at,
		Metadata: map[string]string{
			"error":    err.Error(),
			"attempt":  fmt.Sprintf("%d", attempt),
			"retry_at": retryAt.UTC().Format(time.RFC3339),
		},
	}
}

// Completed builds the event written after the last step.
func Completed(seqName string, at time.Time) *models.HistoryEvent {
	return &models.HistoryEvent{
		Type:        models.HistoryComplete,
		Description: fmt.Sprintf("Sequence %q completed", seqName),
		Timestamp:   at,
	}
}

// Lifecycle builds the pause, resume or cancel event.
func Lifecycle(eventType models.HistoryEventType, reason string, at time.Time) *models.HistoryEvent {
	description := map[models.HistoryEventType]string{
		models.HistoryPause:  "Execution paused",
		models.HistoryResume: "Execution resumed",
		models.HistoryCancel: "Execution cancelled",
	}[eventType]
	event := &models.HistoryEvent{Type: eventType, Description: description, Timestamp: at}
	if reason != "" {
		event.Description += ": " + reason
		event.Metadata = map[string]string{"reason": reason}
	}
	return event
}
