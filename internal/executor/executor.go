// Package executor dispatches a single due step of an execution and records
// the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/adapters"
	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/history"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/templates"
)

// Executor errors.
var (
	ErrNoCollaborator  = errors.New("no collaborator configured for step type")
	ErrUnsupportedStep = errors.New("unsupported step type")
	ErrClaimRequired   = errors.New("claim token is required")
)

// Default email subjects.
const (
	DefaultEmailSubject   = "Follow-up"
	DefaultAIEmailSubject = "Personalized Follow-up"
	smsStopNotice         = "\n\nReply STOP to unsubscribe"
)

// Store is the persistence the executor writes outcomes through.
type Store interface {
	ApplyOutcome(ctx context.Context, id, token string, fn db.OutcomeFunc) (*models.Execution, error)
	Release(ctx context.Context, id, token string) error
}

// Config contains executor configuration.
type Config struct {
	// RetryBackoff delays the retry of a failed step. Default: 5 minutes.
	RetryBackoff time.Duration

	// UnsubscribeURL is linked from every email footer.
	UnsubscribeURL string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		RetryBackoff:   5 * time.Minute,
		UnsubscribeURL: "https://homelistingai.com/unsubscribe",
	}
}

// Outcome describes what happened to one due step.
type Outcome struct {
	ExecutionID  string
	StepIndex    int
	StepType     models.StepType
	Dispatched   bool
	DeliveryRef  string
	DispatchErr  error
	Status       models.ExecutionStatus
	NextStepDate time.Time
	Completed    bool
}

// Executor renders and dispatches steps.
type Executor struct {
	store         Store
	collaborators *adapters.Collaborators
	config        Config
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates an Executor.
func New(config Config, store Store, collaborators *adapters.Collaborators) *Executor {
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	if collaborators == nil {
		collaborators = &adapters.Collaborators{}
	}
	return &Executor{
		store:         store,
		collaborators: collaborators,
		config:        config,
		logger:        logging.Component("executor"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// ExecuteDueStep dispatches the current step of exec, which the caller must
// have claimed with token, and writes the outcome under that claim.
//
// A collaborator failure is not returned as an error: it is recorded as a
// step-failed event and reported in Outcome.DispatchErr. The returned error
// is reserved for failures to persist the outcome.
func (e *Executor) ExecuteDueStep(ctx context.Context, exec *models.Execution, token string) (*Outcome, error) {
	if token == "" {
		return nil, ErrClaimRequired
	}

	step, err := exec.CurrentStep()
	if err != nil {
		if relErr := e.store.Release(context.WithoutCancel(ctx), exec.ID, token); relErr != nil {
			e.logger.Warn().Err(relErr).Str("execution_id", exec.ID).Msg("failed to release claim")
		}
		return nil, err
	}
	index := exec.CurrentStepIndex

	ref, dispatchErr := e.dispatch(ctx, exec, step)
	now := e.now()

	outcome := &Outcome{
		ExecutionID: exec.ID,
		StepIndex:   index,
		StepType:    step.Type,
		Dispatched:  dispatchErr == nil,
		DeliveryRef: ref,
		DispatchErr: dispatchErr,
	}

	// The dispatch deadline must not abort recording what the dispatch did.
	writeCtx := context.WithoutCancel(ctx)
	updated, err := e.store.ApplyOutcome(writeCtx, exec.ID, token, func(current *models.Execution) ([]*models.HistoryEvent, error) {
		if dispatchErr != nil {
			return e.applyFailure(current, index, step, dispatchErr, now), nil
		}
		return e.applySuccess(current, index, step, ref, now), nil
	})
	if err != nil {
		if errors.Is(err, db.ErrClaimLost) {
			e.logger.Warn().
				Str("execution_id", exec.ID).
				Int("step_index", index).
				Bool("dispatched", outcome.Dispatched).
				Msg("claim lost before outcome was recorded")
		}
		return outcome, fmt.Errorf("record outcome for execution %s: %w", exec.ID, err)
	}

	outcome.Status = updated.Status
	outcome.NextStepDate = updated.NextStepDate
	outcome.Completed = updated.Status == models.ExecutionStatusCompleted

	event := e.logger.Info()
	if dispatchErr != nil {
		event = e.logger.Warn().Err(dispatchErr)
	}
	event.
		Str("execution_id", exec.ID).
		Str("lead_id", exec.LeadID).
		Int("step_index", index).
		Str("step_type", string(step.Type)).
		Str("status", string(updated.Status)).
		Str("delivery_ref", ref).
		Msg("step processed")

	return outcome, nil
}

// applySuccess advances current past a dispatched step. A cancelled
// execution keeps its status and index; the dispatch is still recorded.
func (e *Executor) applySuccess(current *models.Execution, index int, step models.Step, ref string, now time.Time) []*models.HistoryEvent {
	events := []*models.HistoryEvent{history.StepDispatched(index, step, ref, now)}
	current.Attempts = 0
	current.LastError = ""
	current.UpdatedAt = now

	if current.Status.Terminal() || current.CurrentStepIndex != index {
		return events
	}

	if next := index + 1; next < len(current.Steps) {
		current.CurrentStepIndex = next
		current.NextStepDate = now.Add(current.Steps[next].Delay.Duration())
		return events
	}

	// The last step went out. A paused execution stays paused and
	// completes when it is resumed.
	if current.Status == models.ExecutionStatusPaused {
		current.StepsDone = true
		return events
	}
	current.Status = models.ExecutionStatusCompleted
	current.CompletedAt = &now
	return append(events, history.Completed(current.SequenceName, now))
}

// applyFailure keeps current on the failed step and schedules a retry.
func (e *Executor) applyFailure(current *models.Execution, index int, step models.Step, dispatchErr error, now time.Time) []*models.HistoryEvent {
	current.UpdatedAt = now
	if current.Status.Terminal() {
		return []*models.HistoryEvent{history.StepFailed(index, step, dispatchErr, current.Attempts+1, now, now)}
	}

	current.Attempts++
	current.LastError = dispatchErr.Error()
	current.NextStepDate = now.Add(e.config.RetryBackoff)
	return []*models.HistoryEvent{history.StepFailed(index, step, dispatchErr, current.Attempts, current.NextStepDate, now)}
}

// dispatch renders step against the execution's context and hands it to
// the matching collaborator.
func (e *Executor) dispatch(ctx context.Context, exec *models.Execution, step models.Step) (string, error) {
	if !e.collaborators.Supports(step.Type) {
		switch step.Type {
		case models.StepTypeEmail, models.StepTypeAIEmail, models.StepTypeTask, models.StepTypeMeeting, models.StepTypeSMS, models.StepTypeCall:
			return "", fmt.Errorf("%w: %s", ErrNoCollaborator, step.Type)
		default:
			return "", fmt.Errorf("%w: %q", ErrUnsupportedStep, step.Type)
		}
	}
	if e.collaborators.Contexts == nil {
		return "", errors.New("no context provider configured")
	}

	resolved, err := e.collaborators.Contexts.Resolve(ctx, exec.Context)
	if err != nil {
		return "", fmt.Errorf("resolve context: %w", err)
	}
	fields := resolved.Fields()
	render := func(field, text string) string {
		for _, w := range templates.Warnings(text, fields) {
			e.logger.Debug().
				Str("execution_id", exec.ID).
				Str("step_id", step.ID).
				Str("field", field).
				Str("token", w.Token.Raw).
				Str("kind", string(w.Kind)).
				Msg("template render warning")
		}
		return templates.Render(text, fields)
	}

	switch step.Type {
	case models.StepTypeEmail, models.StepTypeAIEmail:
		subject := step.Subject
		if strings.TrimSpace(subject) == "" {
			subject = DefaultEmailSubject
			if step.Type == models.StepTypeAIEmail {
				subject = DefaultAIEmailSubject
			}
		}
		body := render("content", step.Content)
		msg := adapters.Message{
			Subject: render("subject", subject),
			HTMLBody: templates.FormatHTML(body, render("signature", exec.Signature), templates.Footer{
				Company:        resolved.Agent.Company,
				RecipientEmail: resolved.Lead.Email,
				UnsubscribeURL: e.config.UnsubscribeURL,
			}),
			TextBody: body,
		}
		return e.collaborators.Messages.Send(ctx, msg, resolved.Contact())

	case models.StepTypeTask:
		return e.collaborators.Tasks.Create(ctx, render("content", step.Content), adapters.DueContext{
			LeadID:  exec.LeadID,
			AgentID: exec.Context.AgentID,
			DueAt:   e.now(),
		})

	case models.StepTypeMeeting:
		var details models.MeetingDetails
		if step.MeetingDetails != nil {
			details = models.MeetingDetails{
				Date:     render("meeting.date", step.MeetingDetails.Date),
				Time:     render("meeting.time", step.MeetingDetails.Time),
				Location: render("meeting.location", step.MeetingDetails.Location),
			}
		}
		return e.collaborators.Meetings.Schedule(ctx, details, adapters.LeadContext{
			LeadID:     exec.LeadID,
			AgentID:    exec.Context.AgentID,
			PropertyID: exec.Context.PropertyID,
		})

	case models.StepTypeSMS:
		return e.collaborators.SMS.SendSMS(ctx, adapters.SMS{
			To:      resolved.Lead.Phone,
			Message: WithStopNotice(render("content", step.Content)),
			AgentID: exec.Context.AgentID,
		})

	case models.StepTypeCall:
		return e.collaborators.Calls.PlaceCall(ctx, adapters.CallRequest{
			LeadID:     exec.LeadID,
			AgentID:    exec.Context.AgentID,
			PropertyID: exec.Context.PropertyID,
			Script:     render("content", step.Content),
			LeadName:   resolved.Lead.Name,
			LeadPhone:  resolved.Lead.Phone,
			CallType:   step.CallType,
		})
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedStep, step.Type)
}

// WithStopNotice appends the opt-out instruction unless the text already
// mentions STOP.
func WithStopNotice(text string) string {
	if strings.Contains(strings.ToLower(text), "stop") {
		return text
	}
	return text + smsStopNotice
}
