package sequences

import (
	"context"
	"fmt"

	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/templates"
)

// Upserter stores sequence definitions.
type Upserter interface {
	Upsert(ctx context.Context, seq *models.Sequence) error
}

// Sync writes every sequence into store. Executions already enrolled keep
// their steps snapshot. It stops at the first failure and reports how many
// sequences were written before it.
func Sync(ctx context.Context, store Upserter, sequences []*models.Sequence) (int, error) {
	logger := logging.Component("sequences")
	for i, seq := range sequences {
		if err := store.Upsert(ctx, seq); err != nil {
			return i, fmt.Errorf("sync sequence %s: %w", seq.ID, err)
		}
		logger.Debug().
			Str("sequence_id", seq.ID).
			Str("trigger_type", string(seq.TriggerType)).
			Bool("active", seq.IsActive).
			Str("source", seq.Source).
			Msg("sequence synced")
	}
	return len(sequences), nil
}

// Issue is a non-fatal problem found in a sequence definition.
type Issue struct {
	SequenceID string `json:"sequence_id"`
	StepID     string `json:"step_id"`
	Field      string `json:"field"`
	Token      string `json:"token"`
	Message    string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s/%s %s: %s", i.SequenceID, i.StepID, i.Field, i.Message)
}

// Lint reports template tokens that will not render: unknown namespaces are
// sent verbatim to the lead.
func Lint(seq *models.Sequence) []Issue {
	var issues []Issue
	check := func(step models.Step, field, text string) {
		for _, w := range templates.Warnings(text, nil) {
			issues = append(issues, Issue{
				SequenceID: seq.ID,
				StepID:     step.ID,
				Field:      field,
				Token:      w.Token.Raw,
				Message:    fmt.Sprintf("unknown namespace %q in %s", w.Token.Namespace, w.Token.Raw),
			})
		}
	}
	for _, step := range seq.Steps {
		check(step, "subject", step.Subject)
		check(step, "content", step.Content)
		if step.MeetingDetails != nil {
			check(step, "meeting.location", step.MeetingDetails.Location)
		}
	}
	if seq.Signature != "" {
		check(models.Step{ID: "-"}, "signature", seq.Signature)
	}
	return issues
}
