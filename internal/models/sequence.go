// Package models defines the domain types of the follow-up engine.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TriggerType is the domain event category that enrolls a lead.
type TriggerType string

const (
	TriggerLeadCapture          TriggerType = "lead_capture"
	TriggerAppointmentScheduled TriggerType = "appointment_scheduled"
	TriggerPropertyViewed       TriggerType = "property_viewed"
	TriggerMarketUpdate         TriggerType = "market_update"
	TriggerCustom               TriggerType = "custom"
)

// TriggerTypes lists every supported trigger type.
var TriggerTypes = []TriggerType{
	TriggerLeadCapture,
	TriggerAppointmentScheduled,
	TriggerPropertyViewed,
	TriggerMarketUpdate,
	TriggerCustom,
}

// ParseTriggerType accepts canonical names as well as labels such as
// "Lead Capture" or "appointment-scheduled".
func ParseTriggerType(raw string) (TriggerType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	for _, t := range TriggerTypes {
		if string(t) == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown trigger type %q", raw)
}

// Valid reports whether t is one of the closed set.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// StepType is the kind of action a step performs.
type StepType string

const (
	StepTypeEmail   StepType = "email"
	StepTypeAIEmail StepType = "ai_email"
	StepTypeTask    StepType = "task"
	StepTypeMeeting StepType = "meeting"
	StepTypeSMS     StepType = "sms"
	StepTypeCall    StepType = "call"
)

// ParseStepType accepts canonical names and the dashed/spaced variants.
func ParseStepType(raw string) (StepType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch StepType(normalized) {
	case StepTypeEmail, StepTypeAIEmail, StepTypeTask, StepTypeMeeting, StepTypeSMS, StepTypeCall:
		return StepType(normalized), nil
	case "text":
		return StepTypeSMS, nil
	default:
		return "", fmt.Errorf("unknown step type %q", raw)
	}
}

// DelayUnit is the unit of a relative step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Delay is a relative offset from the previous step (or enrollment).
type Delay struct {
	Value int       `json:"value" yaml:"value"`
	Unit  DelayUnit `json:"unit" yaml:"unit"`
}

// Duration converts the delay to a time.Duration.
func (d Delay) Duration() time.Duration {
	var unit time.Duration
	switch d.Unit {
	case DelayHours:
		unit = time.Hour
	case DelayDays:
		unit = 24 * time.Hour
	default:
		unit = time.Minute
	}
	return time.Duration(d.Value) * unit
}

// Validate checks the delay value and unit.
func (d Delay) Validate() error {
	if d.Value < 0 {
		return fmt.Errorf("delay value must not be negative")
	}
	switch d.Unit {
	case DelayMinutes, DelayHours, DelayDays:
		return nil
	case "":
		if d.Value == 0 {
			return nil
		}
		return fmt.Errorf("delay unit is required")
	default:
		return fmt.Errorf("unknown delay unit %q", d.Unit)
	}
}

func (d Delay) String() string {
	unit := d.Unit
	if unit == "" {
		unit = DelayMinutes
	}
	return fmt.Sprintf("%d %s", d.Value, unit)
}

// MeetingDetails is passed through to the meeting scheduler.
type MeetingDetails struct {
	Date     string `json:"date,omitempty" yaml:"date,omitempty"`
	Time     string `json:"time,omitempty" yaml:"time,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Step is one unit of a sequence.
type Step struct {
	ID             string          `json:"id" yaml:"id"`
	Type           StepType        `json:"type" yaml:"type"`
	Delay          Delay           `json:"delay" yaml:"delay"`
	Content        string          `json:"content" yaml:"content"`
	Subject        string          `json:"subject,omitempty" yaml:"subject,omitempty"`
	MeetingDetails *MeetingDetails `json:"meeting_details,omitempty" yaml:"meeting_details,omitempty"`
	CallType       string          `json:"call_type,omitempty" yaml:"call_type,omitempty"`
}

// Sequence is an operator-authored ordered list of steps bound to a trigger.
type Sequence struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType TriggerType `json:"trigger_type" yaml:"trigger_type"`
	CustomKey   string      `json:"custom_key,omitempty" yaml:"custom_key,omitempty"`
	IsActive    bool        `json:"is_active" yaml:"is_active"`
	Signature   string      `json:"signature,omitempty" yaml:"signature,omitempty"`
	Steps       []Step      `json:"steps" yaml:"steps"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is a file path, "builtin" or "db".
	Source    string    `json:"source,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Validate checks that the sequence can be enrolled against.
func (s *Sequence) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(s.ID) == "" {
		validation.AddMessage("id", "sequence id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		validation.AddMessage("name", "sequence name is required")
	}
	if !s.TriggerType.Valid() {
		validation.AddMessage("trigger_type", fmt.Sprintf("unknown trigger type %q", s.TriggerType))
	}
	if s.TriggerType == TriggerCustom && strings.TrimSpace(s.CustomKey) == "" {
		validation.AddMessage("custom_key", "custom_key is required for custom triggers")
	}
	if len(s.Steps) == 0 {
		validation.AddMessage("steps", "at least one step is required")
	}

	seen := make(map[string]struct{}, len(s.Steps))
	for i, step := range s.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			validation.AddMessage(field+".id", "step id is required")
		} else if _, dup := seen[step.ID]; dup {
			validation.AddMessage(field+".id", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}
		validation.Add(field, step.Validate())
	}
	return validation.Err()
}

// Validate checks the step in isolation.
func (s Step) Validate() error {
	if parsed, err := ParseStepType(string(s.Type)); err != nil {
		return err
	} else if parsed != s.Type {
		return fmt.Errorf("step type %q is not normalized", s.Type)
	}
	if err := s.Delay.Validate(); err != nil {
		return err
	}
	switch s.Type {
	case StepTypeMeeting:
		if s.MeetingDetails == nil {
			return fmt.Errorf("meeting details are required")
		}
	default:
		if strings.TrimSpace(s.Content) == "" {
			return fmt.Errorf("%s content is required", s.Type)
		}
	}
	return nil
}

// CloneSteps returns a deep copy of the step list.
func (s *Sequence) CloneSteps() []Step {
	steps := make([]Step, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = step
		if step.MeetingDetails != nil {
			details := *step.MeetingDetails
			steps[i].MeetingDetails = &details
		}
	}
	return steps
}
