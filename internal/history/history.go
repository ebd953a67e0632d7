// Package history records and reads the immutable audit trail of executions.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/homelistingai/followup/internal/models"
)

// Repository is the minimal store needed by the recorder.
type Repository interface {
	Append(ctx context.Context, event *models.HistoryEvent) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.HistoryEvent, error)
}

// Recorder appends and reads history events.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

// NewRecorder creates a Recorder backed by repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Append records event for executionID, filling in the timestamp.
//
// Status changes do not go through Append: the execution repository writes
// their events in the same transaction as the update. Append is the path
// for callers that annotate an execution without changing it.
func (r *Recorder) Append(ctx context.Context, executionID string, event *models.HistoryEvent) error {
	if r.repo == nil {
		return fmt.Errorf("history repository is required")
	}
	if event == nil {
		return fmt.Errorf("history event is required")
	}
	if strings.TrimSpace(executionID) == "" {
		return fmt.Errorf("execution id is required")
	}
	event.ExecutionID = executionID
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	return r.repo.Append(ctx, event)
}

// GetHistory returns the events of executionID, oldest first.
func (r *Recorder) GetHistory(ctx context.Context, executionID string) ([]*models.HistoryEvent, error) {
	if r.repo == nil {
		return nil, fmt.Errorf("history repository is required")
	}
	return r.repo.ListByExecution(ctx, executionID)
}
