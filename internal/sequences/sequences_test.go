package sequences

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/models"
)

func TestLoadSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")

	yaml := `name: Open House Follow Up
description: After an open house visit
trigger: property-viewed
signature: "Jane Doe, Acme Realty"
steps:
  - type: email
    delay: 0
    subject: "Thanks for visiting {{property.address}}"
    content: "Hi {{lead.name}}"
  - type: Text
    delay: 2 days
    message: "Any questions about {{property.address}}?"
  - type: meeting
    delay: {value: 3, unit: hours}
    meeting_details:
      time: "10:00"
      location: "{{property.address}}"
  - type: call
    id: closing-call
    content: "Hello {{lead.name}}"
`

	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write sequence: %v", err)
	}

	seq, err := LoadSequence(path)
	if err != nil {
		t.Fatalf("LoadSequence: %v", err)
	}

	if seq.ID != "open-house-follow-up" {
		t.Fatalf("expected generated id open-house-follow-up, got %q", seq.ID)
	}
	if seq.Source != path {
		t.Fatalf("expected source %q, got %q", path, seq.Source)
	}
	if seq.TriggerType != models.TriggerPropertyViewed {
		t.Fatalf("expected property_viewed trigger, got %q", seq.TriggerType)
	}
	if !seq.IsActive {
		t.Fatal("expected sequences to be active by default")
	}

	require.Len(t, seq.Steps, 4)
	require.Equal(t, "open-house-follow-up-1", seq.Steps[0].ID)
	require.Equal(t, models.Delay{Value: 0, Unit: models.DelayMinutes}, seq.Steps[0].Delay)

	require.Equal(t, models.StepTypeSMS, seq.Steps[1].Type)
	require.Equal(t, "Any questions about {{property.address}}?", seq.Steps[1].Content)
	require.Equal(t, models.Delay{Value: 2, Unit: models.DelayDays}, seq.Steps[1].Delay)

	require.Equal(t, models.Delay{Value: 3, Unit: models.DelayHours}, seq.Steps[2].Delay)
	require.Equal(t, "10:00", seq.Steps[2].MeetingDetails.Time)

	require.Equal(t, "closing-call", seq.Steps[3].ID)
	require.Equal(t, "agent", seq.Steps[3].CallType)
}

func TestParseSequenceErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "trigger: lead_capture\nsteps:\n  - type: email\n    content: hi\n"},
		{"unknown trigger", "name: x\ntrigger: open_house\nsteps:\n  - type: email\n    content: hi\n"},
		{"no steps", "name: x\ntrigger: lead_capture\n"},
		{"unknown step type", "name: x\ntrigger: lead_capture\nsteps:\n  - type: fax\n    content: hi\n"},
		{"bad delay", "name: x\ntrigger: lead_capture\nsteps:\n  - type: email\n    delay: soon\n    content: hi\n"},
		{"bad delay unit", "name: x\ntrigger: lead_capture\nsteps:\n  - type: email\n    delay: 3 weeks\n    content: hi\n"},
		{"empty content", "name: x\ntrigger: lead_capture\nsteps:\n  - type: task\n"},
		{"meeting without details", "name: x\ntrigger: lead_capture\nsteps:\n  - type: meeting\n    content: hi\n"},
		{"custom without key", "name: x\ntrigger: custom\nsteps:\n  - type: email\n    content: hi\n"},
		{"content and message disagree", "name: x\ntrigger: lead_capture\nsteps:\n  - type: email\n    content: a\n    message: b\n"},
		{"duplicate step ids", "name: x\ntrigger: lead_capture\nsteps:\n  - {id: a, type: email, content: hi}\n  - {id: a, type: email, content: hi}\n"},
		{"bad call type", "name: x\ntrigger: lead_capture\nsteps:\n  - type: call\n    call_type: robot\n    content: hi\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSequence([]byte(tt.yaml)); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoadBuiltinSequences(t *testing.T) {
	sequences, err := LoadBuiltinSequences()
	if err != nil {
		t.Fatalf("LoadBuiltinSequences: %v", err)
	}
	if len(sequences) == 0 {
		t.Fatal("expected builtin sequences")
	}

	byID := make(map[string]*models.Sequence)
	for _, seq := range sequences {
		if seq.Source != SourceBuiltin {
			t.Fatalf("expected builtin source, got %q", seq.Source)
		}
		if issues := Lint(seq); len(issues) > 0 {
			t.Fatalf("builtin sequence %s has lint issues: %v", seq.ID, issues)
		}
		byID[seq.ID] = seq
	}

	welcome := byID["welcome"]
	require.NotNil(t, welcome)
	require.Equal(t, models.TriggerLeadCapture, welcome.TriggerType)
	require.Len(t, welcome.Steps, 1)
	require.Equal(t, 0, welcome.Steps[0].Delay.Value)

	noShow := byID["appointment-no-show"]
	require.NotNil(t, noShow)
	require.Equal(t, models.TriggerCustom, noShow.TriggerType)
	require.Equal(t, "appointment_no_show", noShow.CustomKey)
	require.Equal(t, models.StepTypeAIEmail, noShow.Steps[2].Type)

	require.False(t, byID["new-buyer-follow-up"].IsActive)
	require.NotNil(t, byID["appointment-reminder"])
}

func TestLoadSequencesFromSearchPaths_OverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `id: welcome
name: Welcome
trigger: lead_capture
active: false
steps:
  - type: sms
    content: "Welcome {{lead.name}}"
`
	if err := os.WriteFile(filepath.Join(dir, "welcome.yml"), []byte(override), 0644); err != nil {
		t.Fatalf("write sequence: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	sequences, err := LoadSequencesFromSearchPaths(LoadOptions{Dir: dir, LoadBuiltins: true})
	if err != nil {
		t.Fatalf("LoadSequencesFromSearchPaths: %v", err)
	}

	var welcome *models.Sequence
	count := 0
	for _, seq := range sequences {
		if seq.ID == "welcome" {
			welcome = seq
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Equal(t, filepath.Join(dir, "welcome.yml"), welcome.Source)
	require.False(t, welcome.IsActive)

	withoutBuiltins, err := LoadSequencesFromSearchPaths(LoadOptions{Dir: dir})
	require.NoError(t, err)
	for _, seq := range withoutBuiltins {
		require.NotEqual(t, SourceBuiltin, seq.Source)
	}
}

func TestLoadSequencesFromDir_Missing(t *testing.T) {
	sequences, err := LoadSequencesFromDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, sequences)
}

func TestLint(t *testing.T) {
	seq := &models.Sequence{
		ID:        "promo",
		Signature: "{{agent.name}} {{brand.slogan}}",
		Steps: []models.Step{
			{ID: "promo-1", Type: models.StepTypeEmail, Subject: "Hi {{lead.name}}", Content: "Rates at {{market.rate}}, {{lead.missing}}"},
		},
	}

	issues := Lint(seq)
	require.Len(t, issues, 2)
	require.Equal(t, "content", issues[0].Field)
	require.Equal(t, "{{market.rate}}", issues[0].Token)
	require.Equal(t, "signature", issues[1].Field)
}

func TestSlug(t *testing.T) {
	require.Equal(t, "new-buyer-aggressive-follow-up", Slug("New Buyer - Aggressive Follow-Up"))
	require.Equal(t, "welcome", Slug("  Welcome!  "))
}

func TestSyncIntoStore(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(ctx))

	builtins, err := LoadBuiltinSequences()
	require.NoError(t, err)

	repo := db.NewSequenceRepository(database)
	n, err := Sync(ctx, repo, builtins)
	require.NoError(t, err)
	require.Equal(t, len(builtins), n)

	// Syncing twice replaces rather than duplicates.
	_, err = Sync(ctx, repo, builtins)
	require.NoError(t, err)

	stored, err := repo.List(ctx, db.SequenceQuery{})
	require.NoError(t, err)
	require.Len(t, stored, len(builtins))

	trigger := models.TriggerLeadCapture
	active, err := repo.List(ctx, db.SequenceQuery{TriggerType: &trigger, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "welcome", active[0].ID)
}
