package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseTriggerType(t *testing.T) {
	tests := []struct {
		in      string
		want    TriggerType
		wantErr bool
	}{
		{in: "lead_capture", want: TriggerLeadCapture},
		{in: "Lead Capture", want: TriggerLeadCapture},
		{in: "appointment-scheduled", want: TriggerAppointmentScheduled},
		{in: " Property Viewed ", want: TriggerPropertyViewed},
		{in: "MARKET_UPDATE", want: TriggerMarketUpdate},
		{in: "Custom", want: TriggerCustom},
		{in: "newsletter", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTriggerType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseTriggerType(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTriggerType(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseTriggerType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStepType(t *testing.T) {
	if got, err := ParseStepType("AI Email"); err != nil || got != StepTypeAIEmail {
		t.Fatalf("expected ai_email, got %q (%v)", got, err)
	}
	if got, err := ParseStepType("text"); err != nil || got != StepTypeSMS {
		t.Fatalf("expected text to map to sms, got %q (%v)", got, err)
	}
	if _, err := ParseStepType("fax"); err == nil {
		t.Fatalf("expected error for unknown step type")
	}
}

func TestDelayDuration(t *testing.T) {
	tests := []struct {
		delay Delay
		want  time.Duration
	}{
		{delay: Delay{Value: 0, Unit: DelayMinutes}, want: 0},
		{delay: Delay{Value: 30, Unit: DelayMinutes}, want: 30 * time.Minute},
		{delay: Delay{Value: 4, Unit: DelayHours}, want: 4 * time.Hour},
		{delay: Delay{Value: 2, Unit: DelayDays}, want: 48 * time.Hour},
		{delay: Delay{}, want: 0},
	}
	for _, tt := range tests {
		if got := tt.delay.Duration(); got != tt.want {
			t.Fatalf("%s: got %s, want %s", tt.delay, got, tt.want)
		}
	}

	if err := (Delay{Value: -1, Unit: DelayDays}).Validate(); err == nil {
		t.Fatalf("expected negative delay to fail validation")
	}
	if err := (Delay{Value: 1, Unit: "weeks"}).Validate(); err == nil {
		t.Fatalf("expected unknown unit to fail validation")
	}
}

func TestSequenceValidate(t *testing.T) {
	seq := &Sequence{
		ID:          "welcome",
		Name:        "Welcome",
		TriggerType: TriggerLeadCapture,
		IsActive:    true,
		Steps: []Step{
			{ID: "s1", Type: StepTypeEmail, Content: "Hi {{lead.name}}"},
			{ID: "s2", Type: StepTypeMeeting, Delay: Delay{Value: 1, Unit: DelayDays}, MeetingDetails: &MeetingDetails{Location: "Office"}},
		},
	}
	if err := seq.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := &Sequence{
		ID:          "bad",
		Name:        "Bad",
		TriggerType: TriggerCustom,
		Steps: []Step{
			{ID: "s1", Type: StepTypeEmail},
			{ID: "s1", Type: StepTypeMeeting},
		},
	}
	err := bad.Validate()
	var validation *ValidationErrors
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	// custom_key, steps[0] content, steps[1] duplicate id, steps[1] meeting details
	if len(validation.Errors) != 4 {
		t.Fatalf("expected 4 validation errors, got %d: %v", len(validation.Errors), err)
	}
}

func TestCloneStepsIsDeep(t *testing.T) {
	seq := &Sequence{Steps: []Step{{ID: "m", Type: StepTypeMeeting, MeetingDetails: &MeetingDetails{Location: "Office"}}}}

	steps := seq.CloneSteps()
	steps[0].MeetingDetails.Location = "Online"

	if seq.Steps[0].MeetingDetails.Location != "Office" {
		t.Fatalf("clone shares meeting details with source")
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]ExecutionStatus{
		{ExecutionStatusActive, ExecutionStatusPaused},
		{ExecutionStatusPaused, ExecutionStatusActive},
		{ExecutionStatusActive, ExecutionStatusCancelled},
		{ExecutionStatusPaused, ExecutionStatusCancelled},
		{ExecutionStatusActive, ExecutionStatusCompleted},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be allowed", edge[0], edge[1])
		}
	}

	denied := [][2]ExecutionStatus{
		{ExecutionStatusCompleted, ExecutionStatusCancelled},
		{ExecutionStatusCancelled, ExecutionStatusActive},
		{ExecutionStatusPaused, ExecutionStatusCompleted},
		{ExecutionStatusActive, ExecutionStatusActive},
	}
	for _, edge := range denied {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be rejected", edge[0], edge[1])
		}
	}

	sources := SourcesFor(ExecutionStatusCancelled)
	if len(sources) != 2 {
		t.Fatalf("expected two sources for cancelled, got %v", sources)
	}
}

func TestTransitionErrorIs(t *testing.T) {
	err := error(&TransitionError{ExecutionID: "e1", From: ExecutionStatusCompleted, To: ExecutionStatusCancelled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected errors.Is ErrInvalidTransition")
	}
}

func TestExecutionValidateIndexBounds(t *testing.T) {
	exec := &Execution{
		LeadID:           "lead-1",
		SequenceID:       "welcome",
		Status:           ExecutionStatusActive,
		CurrentStepIndex: 1,
		Steps:            []Step{{ID: "s1", Type: StepTypeEmail, Content: "x"}},
	}
	if err := exec.Validate(); err == nil {
		t.Fatalf("expected out of range index to fail")
	}

	exec.Status = ExecutionStatusCompleted
	if err := exec.Validate(); err != nil {
		t.Fatalf("completed execution may point past the end: %v", err)
	}
}

func TestTriggerEventValidate(t *testing.T) {
	event := &TriggerEvent{TriggerType: "Lead Capture", LeadID: "lead-1"}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if event.TriggerType != TriggerLeadCapture {
		t.Fatalf("expected trigger type normalized, got %q", event.TriggerType)
	}

	custom := &TriggerEvent{TriggerType: TriggerCustom, LeadID: "lead-1"}
	if err := custom.Validate(); err == nil {
		t.Fatalf("expected custom event without key to fail")
	}
	if err := (&TriggerEvent{TriggerType: TriggerMarketUpdate}).Validate(); err == nil {
		t.Fatalf("expected missing lead id to fail")
	}
}

func TestFormatThousands(t *testing.T) {
	tests := map[int64]string{
		0:          "",
		999:        "999",
		1000:       "1,000",
		450000:     "450,000",
		1250000:    "1,250,000",
		-12345:     "-12,345",
		1000000000: "1,000,000,000",
	}
	for in, want := range tests {
		if got := formatThousands(in); got != want {
			t.Fatalf("formatThousands(%d) = %q, want %q", in, got, want)
		}
	}
}
