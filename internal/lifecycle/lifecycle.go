// Package lifecycle pauses, resumes and cancels executions.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/history"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
)

// Store applies conditional status writes.
type Store interface {
	Transition(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, now time.Time, event *models.HistoryEvent) (*models.Execution, error)
}

// Waker is notified when an execution becomes runnable again.
type Waker interface {
	ScheduleNow() error
}

// Controller changes execution status. A dispatch already in flight is not
// interrupted; its result is recorded against the new status.
type Controller struct {
	store  Store
	waker  Waker
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Controller. waker may be nil.
func New(store Store, waker Waker) *Controller {
	return &Controller{
		store:  store,
		waker:  waker,
		logger: logging.Component("lifecycle"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// SetWaker replaces the waker.
func (c *Controller) SetWaker(waker Waker) {
	c.waker = waker
}

// Pause stops an active execution from dispatching further steps.
func (c *Controller) Pause(ctx context.Context, id, reason string) (*models.Execution, error) {
	return c.transition(ctx, id, models.ExecutionStatusPaused, models.HistoryPause, reason)
}

// Resume reactivates a paused execution. Its next step date is kept, so an
// overdue step is dispatched by the next sweep. An execution whose last step
// went out while it was paused completes instead.
func (c *Controller) Resume(ctx context.Context, id, reason string) (*models.Execution, error) {
	exec, err := c.transition(ctx, id, models.ExecutionStatusActive, models.HistoryResume, reason)
	if err != nil {
		return nil, err
	}
	if c.waker != nil {
		if err := c.waker.ScheduleNow(); err != nil {
			c.logger.Debug().Err(err).Msg("scheduler not woken")
		}
	}
	return exec, nil
}

// Cancel ends an active or paused execution.
func (c *Controller) Cancel(ctx context.Context, id, reason string) (*models.Execution, error) {
	return c.transition(ctx, id, models.ExecutionStatusCancelled, models.HistoryCancel, reason)
}

func (c *Controller) transition(ctx context.Context, id string, to models.ExecutionStatus, eventType models.HistoryEventType, reason string) (*models.Execution, error) {
	now := c.now()
	exec, err := c.store.Transition(ctx, id, models.SourcesFor(to), to, now, history.Lifecycle(eventType, reason, now))
	if err != nil {
		var transitionErr *models.TransitionError
		if errors.As(err, &transitionErr) {
			c.logger.Debug().
				Str("execution_id", id).
				Str("from", string(transitionErr.From)).
				Str("to", string(to)).
				Msg("transition rejected")
		}
		return nil, err
	}

	c.logger.Info().
		Str("execution_id", id).
		Str("lead_id", exec.LeadID).
		Str("status", string(exec.Status)).
		Msg("execution " + string(eventType))
	return exec, nil
}
