package sequences

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/homelistingai/followup/internal/models"
)

// LoadSequence reads a single sequence from disk.
func LoadSequence(path string) (*models.Sequence, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sequence path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}

	seq, err := ParseSequence(data)
	if err != nil {
		return nil, fmt.Errorf("parse sequence %s: %w", path, err)
	}
	seq.Source = path
	return seq, nil
}

// LoadSequencesFromDir loads all sequences from a directory. A missing
// directory yields no sequences.
func LoadSequencesFromDir(dir string) ([]*models.Sequence, error) {
	if strings.TrimSpace(dir) == "" {
		return []*models.Sequence{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Sequence{}, nil
		}
		return nil, fmt.Errorf("read sequences dir %s: %w", dir, err)
	}

	sequences := make([]*models.Sequence, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		seq, err := LoadSequence(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}

	sortSequences(sequences)
	return sequences, nil
}

// ParseSequence decodes and normalizes one YAML sequence definition.
func ParseSequence(data []byte) (*models.Sequence, error) {
	var file sequenceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	seq := &models.Sequence{
		ID:          strings.TrimSpace(file.ID),
		Name:        strings.TrimSpace(file.Name),
		Description: strings.TrimSpace(file.Description),
		CustomKey:   strings.TrimSpace(file.CustomKey),
		IsActive:    file.Active == nil || *file.Active,
		Signature:   strings.TrimSpace(file.Signature),
		Tags:        file.Tags,
	}
	if seq.Name == "" {
		return nil, fmt.Errorf("sequence name is required")
	}
	if seq.ID == "" {
		seq.ID = Slug(seq.Name)
	}

	trigger, err := models.ParseTriggerType(file.Trigger)
	if err != nil {
		return nil, err
	}
	seq.TriggerType = trigger

	if len(file.Steps) == 0 {
		return nil, fmt.Errorf("sequence steps are required")
	}
	seq.Steps = make([]models.Step, 0, len(file.Steps))
	for i := range file.Steps {
		step, err := normalizeStep(seq.ID, i, file.Steps[i])
		if err != nil {
			return nil, fmt.Errorf("sequence step %d: %w", i+1, err)
		}
		seq.Steps = append(seq.Steps, step)
	}

	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

func normalizeStep(sequenceID string, index int, in stepFile) (models.Step, error) {
	stepType, err := models.ParseStepType(in.Type)
	if err != nil {
		return models.Step{}, err
	}

	content := strings.TrimSpace(in.Content)
	message := strings.TrimSpace(in.Message)
	if content == "" && message != "" {
		content = message
	}
	if content != "" && message != "" && content != message {
		return models.Step{}, fmt.Errorf("content and message disagree")
	}

	step := models.Step{
		ID:      strings.TrimSpace(in.ID),
		Type:    stepType,
		Delay:   in.Delay.Delay,
		Subject: strings.TrimSpace(in.Subject),
		Content: content,
	}
	if step.ID == "" {
		step.ID = StepID(sequenceID, index)
	}
	if step.Delay.Unit == "" {
		step.Delay.Unit = models.DelayMinutes
	}

	switch stepType {
	case models.StepTypeMeeting:
		if in.MeetingDetails != nil {
			details := *in.MeetingDetails
			step.MeetingDetails = &details
		}
	case models.StepTypeCall:
		callType := strings.ToLower(strings.TrimSpace(in.CallType))
		switch callType {
		case "", "agent", "sales":
		default:
			return models.Step{}, fmt.Errorf("unknown call type %q", in.CallType)
		}
		if callType == "" {
			callType = "agent"
		}
		step.CallType = callType
	}

	if err := step.Validate(); err != nil {
		return models.Step{}, err
	}
	return step, nil
}

func sortSequences(sequences []*models.Sequence) {
	sort.Slice(sequences, func(i, j int) bool {
		if sequences[i].Name != sequences[j].Name {
			return sequences[i].Name < sequences[j].Name
		}
		return sequences[i].ID < sequences[j].ID
	})
}
