package adapters

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/config"
	"github.com/homelistingai/followup/internal/models"
)

// Collaborators groups the services each step type is dispatched to.
// A nil field means the step type cannot be delivered.
type Collaborators struct {
	Messages MessageSender
	Tasks    TaskCreator
	Meetings MeetingScheduler
	SMS      SMSSender
	Calls    CallPlacer
	Contexts ContextProvider
}

// Supports reports whether a collaborator is wired for stepType.
func (c *Collaborators) Supports(stepType models.StepType) bool {
	switch stepType {
	case models.StepTypeEmail, models.StepTypeAIEmail:
		return c.Messages != nil
	case models.StepTypeTask:
		return c.Tasks != nil
	case models.StepTypeMeeting:
		return c.Meetings != nil
	case models.StepTypeSMS:
		return c.SMS != nil
	case models.StepTypeCall:
		return c.Calls != nil
	default:
		return false
	}
}

// Describe returns a short "kind=implementation" summary for logs.
func (c *Collaborators) Describe() string {
	parts := []string{
		"messages=" + describe(c.Messages),
		"tasks=" + describe(c.Tasks),
		"meetings=" + describe(c.Meetings),
		"sms=" + describe(c.SMS),
		"calls=" + describe(c.Calls),
		"contexts=" + describe(c.Contexts),
	}
	return strings.Join(parts, " ")
}

func describe(v any) string {
	switch v := v.(type) {
	case nil:
		return "none"
	case *Webhook:
		return "webhook"
	case *LogSink:
		return "log"
	case *StaticContextProvider:
		return "static"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// FromConfig builds collaborators from configuration. Delivery collaborators
// without a URL fall back to a LogSink. Contexts come from the context URL,
// else the contexts file, else an empty static provider.
func FromConfig(cfg config.CollaboratorsConfig, logger zerolog.Logger) (*Collaborators, error) {
	sink := NewLogSink(logger)
	webhook := func(url string) *Webhook {
		if strings.TrimSpace(url) == "" {
			return nil
		}
		return NewWebhook(url, cfg.APIToken, cfg.Timeout)
	}

	c := &Collaborators{
		Messages: sink,
		Tasks:    sink,
		Meetings: sink,
		SMS:      sink,
		Calls:    sink,
	}
	if w := webhook(cfg.MessageURL); w != nil {
		c.Messages = w
	}
	if w := webhook(cfg.TaskURL); w != nil {
		c.Tasks = w
	}
	if w := webhook(cfg.MeetingURL); w != nil {
		c.Meetings = w
	}
	if w := webhook(cfg.SMSURL); w != nil {
		c.SMS = w
	}
	if w := webhook(cfg.CallURL); w != nil {
		c.Calls = w
	}

	switch {
	case strings.TrimSpace(cfg.ContextURL) != "":
		c.Contexts = webhook(cfg.ContextURL)
	case strings.TrimSpace(cfg.ContextsFile) != "":
		provider, err := LoadStaticContexts(cfg.ContextsFile)
		if err != nil {
			return nil, err
		}
		c.Contexts = provider
	default:
		c.Contexts = NewStaticContextProvider()
	}

	return c, nil
}
