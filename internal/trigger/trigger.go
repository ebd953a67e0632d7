// Package trigger maps inbound domain events to the sequences they enroll into.
package trigger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/enrollment"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/policy"
)

// Catalog lists sequences.
type Catalog interface {
	List(ctx context.Context, q db.SequenceQuery) ([]*models.Sequence, error)
}

// Enroller starts an execution of a sequence for a lead.
type Enroller interface {
	Enroll(ctx context.Context, leadID string, seq *models.Sequence, refs models.ContextRefs) (*enrollment.Result, error)
}

// Policy decides whether an event may enroll into a sequence.
type Policy interface {
	Evaluate(ctx context.Context, seq *models.Sequence, event models.TriggerEvent) (policy.Decision, error)
}

// Failure records a sequence that matched but could not be enrolled.
type Failure struct {
	SequenceID string `json:"sequence_id"`
	Error      string `json:"error"`
}

// Skip records a sequence that matched but was denied by policy.
type Skip struct {
	SequenceID string `json:"sequence_id"`
	Reason     string `json:"reason,omitempty"`
}

// Result is the outcome of routing one event.
type Result struct {
	ExecutionIDs []string  `json:"execution_ids"`
	Reused       []string  `json:"reused,omitempty"`
	Skipped      []Skip    `json:"skipped,omitempty"`
	Failures     []Failure `json:"failures,omitempty"`
}

// Router enrolls leads into every active sequence matching an event.
type Router struct {
	catalog  Catalog
	enroller Enroller
	policy   Policy
	logger   zerolog.Logger
}

// New creates a Router. policy may be nil, in which case every match enrolls.
func New(catalog Catalog, enroller Enroller, p Policy) *Router {
	return &Router{
		catalog:  catalog,
		enroller: enroller,
		policy:   p,
		logger:   logging.Component("trigger"),
	}
}

// Route validates event and enrolls its lead into each matching sequence in
// catalog order. A failing sequence does not stop the others. An event that
// matches nothing returns an empty result.
func (r *Router) Route(ctx context.Context, event models.TriggerEvent) (*Result, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	sequences, err := r.catalog.List(ctx, db.SequenceQuery{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}

	result := &Result{ExecutionIDs: []string{}}
	for _, seq := range sequences {
		if !Matches(seq, event) {
			continue
		}

		if r.policy != nil {
			decision, err := r.policy.Evaluate(ctx, seq, event)
			if err != nil {
				r.fail(result, seq, event, err)
				continue
			}
			if !decision.Allow {
				result.Skipped = append(result.Skipped, Skip{SequenceID: seq.ID, Reason: decision.Reason})
				continue
			}
		}

		enrolled, err := r.enroller.Enroll(ctx, event.LeadID, seq, event.Refs())
		if err != nil {
			r.fail(result, seq, event, err)
			continue
		}
		result.ExecutionIDs = append(result.ExecutionIDs, enrolled.ExecutionID)
		if enrolled.Reused {
			result.Reused = append(result.Reused, enrolled.ExecutionID)
		}
	}

	r.logger.Debug().
		Str("event", event.String()).
		Int("enrolled", len(result.ExecutionIDs)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failures)).
		Msg("trigger routed")

	return result, nil
}

func (r *Router) fail(result *Result, seq *models.Sequence, event models.TriggerEvent, err error) {
	r.logger.Warn().
		Err(err).
		Str("sequence_id", seq.ID).
		Str("lead_id", event.LeadID).
		Msg("enrollment failed")
	result.Failures = append(result.Failures, Failure{SequenceID: seq.ID, Error: err.Error()})
}

// Matches reports whether seq is enrolled into by event. Inactive sequences
// never match.
func Matches(seq *models.Sequence, event models.TriggerEvent) bool {
	if !seq.IsActive || seq.TriggerType != event.TriggerType {
		return false
	}
	switch event.TriggerType {
	case models.TriggerLeadCapture,
		models.TriggerAppointmentScheduled,
		models.TriggerPropertyViewed,
		models.TriggerMarketUpdate:
		return true
	case models.TriggerCustom:
		return seq.CustomKey != "" && seq.CustomKey == event.CustomKey
	default:
		return false
	}
}
