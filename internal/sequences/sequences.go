// Package sequences loads follow-up sequence definitions from YAML files and
// the bundled builtins, and syncs them into the store.
package sequences

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/homelistingai/followup/internal/models"
)

// SourceBuiltin marks sequences bundled with the binary.
const SourceBuiltin = "builtin"

// sequenceFile is the on-disk layout of one sequence.
type sequenceFile struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Trigger     string     `yaml:"trigger"`
	CustomKey   string     `yaml:"custom_key,omitempty"`
	Active      *bool      `yaml:"active,omitempty"`
	Signature   string     `yaml:"signature,omitempty"`
	Tags        []string   `yaml:"tags,omitempty"`
	Steps       []stepFile `yaml:"steps"`
}

// stepFile is the on-disk layout of one step.
type stepFile struct {
	ID             string                 `yaml:"id,omitempty"`
	Type           string                 `yaml:"type"`
	Delay          delayFile              `yaml:"delay,omitempty"`
	Subject        string                 `yaml:"subject,omitempty"`
	Content        string                 `yaml:"content,omitempty"`
	Message        string                 `yaml:"message,omitempty"`
	MeetingDetails *models.MeetingDetails `yaml:"meeting_details,omitempty"`
	CallType       string                 `yaml:"call_type,omitempty"`
}

// delayFile accepts either {value: 2, unit: days} or a scalar such as
// "2 days", "30m" or "0".
type delayFile struct {
	models.Delay
}

var shortDelayPattern = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]*)$`)

func (d *delayFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		return node.Decode(&d.Delay)
	}

	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	match := shortDelayPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return fmt.Errorf("invalid delay %q", raw)
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		return fmt.Errorf("invalid delay %q: %w", raw, err)
	}
	unit, err := parseDelayUnit(match[2])
	if err != nil {
		return err
	}
	d.Delay = models.Delay{Value: value, Unit: unit}
	return nil
}

func parseDelayUnit(raw string) (models.DelayUnit, error) {
	switch strings.ToLower(raw) {
	case "", "m", "min", "mins", "minute", "minutes":
		return models.DelayMinutes, nil
	case "h", "hr", "hrs", "hour", "hours":
		return models.DelayHours, nil
	case "d", "day", "days":
		return models.DelayDays, nil
	default:
		return "", fmt.Errorf("unknown delay unit %q", raw)
	}
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a display name into an identifier: "New Buyer - Follow Up"
// becomes "new-buyer-follow-up".
func Slug(name string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// StepID is the identifier generated for a step the author left unnamed.
func StepID(sequenceID string, index int) string {
	return fmt.Sprintf("%s-%d", sequenceID, index+1)
}
