// Package enrollment starts executions of a sequence for a lead.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/history"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
)

// Enrollment errors.
var (
	ErrSequenceInactive = errors.New("sequence is inactive or has no steps")
	ErrLeadRequired     = errors.New("lead id is required")

	// ErrEnrollmentConflict means the lead already has an open execution of
	// the sequence. Enroll resolves it by returning the existing execution.
	ErrEnrollmentConflict = errors.New("lead already enrolled in sequence")
)

// Store is the persistence used to create executions.
type Store interface {
	FindOpen(ctx context.Context, leadID, sequenceID string) (*models.Execution, error)
	Create(ctx context.Context, exec *models.Execution, enroll *models.HistoryEvent) error
}

// Waker is notified after a new execution is stored.
type Waker interface {
	ScheduleNow() error
}

// Result describes one Enroll call.
type Result struct {
	ExecutionID string
	Reused      bool
	Execution   *models.Execution
}

// Manager enrolls leads into sequences.
type Manager struct {
	store  Store
	waker  Waker
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Manager. waker may be nil.
func New(store Store, waker Waker) *Manager {
	return &Manager{
		store:  store,
		waker:  waker,
		logger: logging.Component("enrollment"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// SetWaker replaces the waker, e.g. once the scheduler exists.
func (m *Manager) SetWaker(waker Waker) {
	m.waker = waker
}

// Enroll creates an active execution of seq for leadID with the first step
// due after its delay. If the lead already has an open execution of seq,
// that execution is returned with Reused set.
func (m *Manager) Enroll(ctx context.Context, leadID string, seq *models.Sequence, refs models.ContextRefs) (*Result, error) {
	if leadID == "" {
		return nil, ErrLeadRequired
	}
	if seq == nil || !seq.IsActive || len(seq.Steps) == 0 {
		id := ""
		if seq != nil {
			id = seq.ID
		}
		return nil, fmt.Errorf("%w: %s", ErrSequenceInactive, id)
	}

	existing, err := m.store.FindOpen(ctx, leadID, seq.ID)
	if err == nil {
		m.logSkip(existing, seq)
		return &Result{ExecutionID: existing.ID, Reused: true, Execution: existing}, nil
	}
	if !errors.Is(err, db.ErrExecutionNotFound) {
		return nil, fmt.Errorf("look up open execution: %w", err)
	}

	refs.LeadID = leadID
	now := m.now()
	steps := seq.CloneSteps()
	exec := &models.Execution{
		LeadID:           leadID,
		SequenceID:       seq.ID,
		SequenceName:     seq.Name,
		Status:           models.ExecutionStatusActive,
		CurrentStepIndex: 0,
		NextStepDate:     now.Add(steps[0].Delay.Duration()),
		Steps:            steps,
		Context:          refs,
		Signature:        seq.Signature,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = m.store.Create(ctx, exec, history.Enrolled(seq, leadID, now))
	if errors.Is(err, db.ErrDuplicateExecution) {
		// A concurrent Enroll won the unique index.
		winner, findErr := m.store.FindOpen(ctx, leadID, seq.ID)
		if findErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrEnrollmentConflict, findErr)
		}
		m.logSkip(winner, seq)
		return &Result{ExecutionID: winner.ID, Reused: true, Execution: winner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	m.logger.Info().
		Str("execution_id", exec.ID).
		Str("lead_id", leadID).
		Str("sequence_id", seq.ID).
		Time("next_step_date", exec.NextStepDate).
		Msg("lead enrolled")

	if m.waker != nil {
		if err := m.waker.ScheduleNow(); err != nil {
			m.logger.Debug().Err(err).Msg("scheduler not woken")
		}
	}

	return &Result{ExecutionID: exec.ID, Execution: exec}, nil
}

func (m *Manager) logSkip(existing *models.Execution, seq *models.Sequence) {
	m.logger.Info().
		Str("execution_id", existing.ID).
		Str("lead_id", existing.LeadID).
		Str("sequence_id", seq.ID).
		Str("status", string(existing.Status)).
		Msg("lead already enrolled, skipping")
}
