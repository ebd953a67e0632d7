// Package policy decides, with a Rego module, whether a trigger event may
// enroll a lead into a matching sequence.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
)

// Query is the rule every enrollment policy must define. It evaluates to
// {"allow": bool, "reason": string}.
const Query = "data.followup.enrollment.decision"

// DefaultPolicy allows every enrollment.
const DefaultPolicy = `package followup.enrollment

import rego.v1

default allow := true

default reason := ""

decision := {"allow": allow, "reason": reason}
`

// Decision is the outcome of one evaluation.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates a prepared enrollment policy.
type Engine struct {
	query  rego.PreparedEvalQuery
	source string
	logger zerolog.Logger
}

// New prepares module for evaluation. name is used in parse errors.
func New(ctx context.Context, name, module string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare enrollment policy %s: %w", name, err)
	}

	return &Engine{
		query:  query,
		source: name,
		logger: logging.Component("policy"),
	}, nil
}

// Load prepares the policy at path, or DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return New(ctx, "default.rego", DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read enrollment policy: %w", err)
	}
	return New(ctx, path, string(data))
}

// Source names the module the engine was prepared from.
func (e *Engine) Source() string {
	return e.source
}

// input is the document exposed to the policy as `input`.
type input struct {
	Event    eventInput    `json:"event"`
	Sequence sequenceInput `json:"sequence"`
}

type eventInput struct {
	TriggerType string `json:"trigger_type"`
	LeadID      string `json:"lead_id"`
	PropertyID  string `json:"property_id"`
	AgentID     string `json:"agent_id"`
	CustomKey   string `json:"custom_key"`
}

type sequenceInput struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	TriggerType string   `json:"trigger_type"`
	CustomKey   string   `json:"custom_key"`
	Tags        []string `json:"tags"`
	StepCount   int      `json:"step_count"`
}

// Evaluate decides whether event may enroll into seq. A policy that does
// not produce a decision denies.
func (e *Engine) Evaluate(ctx context.Context, seq *models.Sequence, event models.TriggerEvent) (Decision, error) {
	doc := input{
		Event: eventInput{
			TriggerType: string(event.TriggerType),
			LeadID:      event.LeadID,
			PropertyID:  event.PropertyID,
			AgentID:     event.AgentID,
			CustomKey:   event.CustomKey,
		},
		Sequence: sequenceInput{
			ID:          seq.ID,
			Name:        seq.Name,
			TriggerType: string(seq.TriggerType),
			CustomKey:   seq.CustomKey,
			Tags:        seq.Tags,
			StepCount:   len(seq.Steps),
		},
	}
	if doc.Sequence.Tags == nil {
		doc.Sequence.Tags = []string{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate enrollment policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "policy produced no decision"}, nil
	}

	decision, err := parseDecision(results[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allow {
		e.logger.Debug().
			Str("sequence_id", seq.ID).
			Str("lead_id", event.LeadID).
			Str("reason", decision.Reason).
			Msg("enrollment denied by policy")
	}
	return decision, nil
}

func parseDecision(value any) (Decision, error) {
	switch v := value.(type) {
	case bool:
		return Decision{Allow: v}, nil
	case map[string]any:
		allow, ok := v["allow"].(bool)
		if !ok {
			return Decision{}, fmt.Errorf("enrollment policy decision has no boolean allow")
		}
		reason, _ := v["reason"].(string)
		return Decision{Allow: allow, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("unexpected enrollment policy decision type %T", value)
	}
}
