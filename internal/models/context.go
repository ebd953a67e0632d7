package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Lead is the read-only lead record supplied by the context provider.
type Lead struct {
	ID     string            `json:"id" yaml:"id"`
	Name   string            `json:"name" yaml:"name"`
	Email  string            `json:"email" yaml:"email"`
	Phone  string            `json:"phone,omitempty" yaml:"phone,omitempty"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Property is the optional listing the lead was captured on.
type Property struct {
	ID         string            `json:"id" yaml:"id"`
	Title      string            `json:"title,omitempty" yaml:"title,omitempty"`
	Address    string            `json:"address" yaml:"address"`
	Price      float64           `json:"price,omitempty" yaml:"price,omitempty"`
	Bedrooms   int               `json:"bedrooms,omitempty" yaml:"bedrooms,omitempty"`
	Bathrooms  float64           `json:"bathrooms,omitempty" yaml:"bathrooms,omitempty"`
	SquareFeet int               `json:"square_feet,omitempty" yaml:"square_feet,omitempty"`
	Type       string            `json:"type,omitempty" yaml:"type,omitempty"`
	Features   []string          `json:"features,omitempty" yaml:"features,omitempty"`
	Fields     map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Agent is the real-estate agent the sequence speaks for.
type Agent struct {
	ID      string            `json:"id" yaml:"id"`
	Name    string            `json:"name" yaml:"name"`
	Title   string            `json:"title,omitempty" yaml:"title,omitempty"`
	Company string            `json:"company,omitempty" yaml:"company,omitempty"`
	Phone   string            `json:"phone,omitempty" yaml:"phone,omitempty"`
	Email   string            `json:"email,omitempty" yaml:"email,omitempty"`
	Fields  map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Contact is where a lead is reached.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// ResolvedContext is the full render context of an execution.
type ResolvedContext struct {
	Lead     Lead      `json:"lead"`
	Property *Property `json:"property,omitempty"`
	Agent    Agent     `json:"agent"`
}

// Contact returns the lead's contact details.
func (c *ResolvedContext) Contact() Contact {
	return Contact{Name: c.Lead.Name, Email: c.Lead.Email, Phone: c.Lead.Phone}
}

// RenderContext maps namespace -> field -> value for template rendering.
// A nil namespace map means the entity is absent.
type RenderContext map[string]map[string]string

// Render namespaces recognized in templates.
const (
	NamespaceLead     = "lead"
	NamespaceProperty = "property"
	NamespaceAgent    = "agent"
)

// Fields flattens the resolved entities into a RenderContext.
func (c *ResolvedContext) Fields() RenderContext {
	rc := RenderContext{
		NamespaceLead:     c.Lead.fields(),
		NamespaceAgent:    c.Agent.fields(),
		NamespaceProperty: {},
	}
	if c.Property != nil {
		rc[NamespaceProperty] = c.Property.fields()
	}
	return rc
}

func (l Lead) fields() map[string]string {
	out := copyFields(l.Fields)
	out["id"] = l.ID
	out["name"] = l.Name
	out["email"] = l.Email
	out["phone"] = l.Phone
	if first, _, ok := strings.Cut(strings.TrimSpace(l.Name), " "); ok {
		out["firstName"] = first
	} else {
		out["firstName"] = strings.TrimSpace(l.Name)
	}
	return out
}

func (p Property) fields() map[string]string {
	out := copyFields(p.Fields)
	out["id"] = p.ID
	out["title"] = p.Title
	out["address"] = p.Address
	out["price"] = formatThousands(int64(p.Price))
	out["bedrooms"] = formatOptionalInt(p.Bedrooms)
	out["bathrooms"] = formatOptionalFloat(p.Bathrooms)
	out["squareFeet"] = formatThousands(int64(p.SquareFeet))
	out["type"] = p.Type
	out["features"] = strings.Join(p.Features, ", ")
	return out
}

func (a Agent) fields() map[string]string {
	out := copyFields(a.Fields)
	out["id"] = a.ID
	out["name"] = a.Name
	out["title"] = a.Title
	out["company"] = a.Company
	out["phone"] = a.Phone
	out["email"] = a.Email
	return out
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+8)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func formatOptionalInt(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func formatOptionalFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatThousands renders 1500000 as "1,500,000"; zero renders empty.
func formatThousands(v int64) string {
	if v == 0 {
		return ""
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	digits := strconv.FormatInt(v, 10)
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return sign + b.String()
}

// TriggerEvent is an inbound domain event that may enroll a lead.
type TriggerEvent struct {
	TriggerType TriggerType `json:"trigger_type"`
	LeadID      string      `json:"lead_id"`
	PropertyID  string      `json:"property_id,omitempty"`
	AgentID     string      `json:"agent_id,omitempty"`
	CustomKey   string      `json:"custom_key,omitempty"`
}

// Refs returns the context references carried by the event.
func (e TriggerEvent) Refs() ContextRefs {
	return ContextRefs{LeadID: e.LeadID, PropertyID: e.PropertyID, AgentID: e.AgentID}
}

// Validate normalizes the trigger type and checks required fields.
func (e *TriggerEvent) Validate() error {
	validation := &ValidationErrors{}
	parsed, err := ParseTriggerType(string(e.TriggerType))
	if err != nil {
		validation.Add("trigger_type", err)
	} else {
		e.TriggerType = parsed
	}
	if strings.TrimSpace(e.LeadID) == "" {
		validation.AddMessage("lead_id", "lead_id is required")
	}
	if e.TriggerType == TriggerCustom && strings.TrimSpace(e.CustomKey) == "" {
		validation.AddMessage("custom_key", "custom_key is required for custom triggers")
	}
	return validation.Err()
}

func (e TriggerEvent) String() string {
	if e.TriggerType == TriggerCustom {
		return fmt.Sprintf("%s(%s) lead=%s", e.TriggerType, e.CustomKey, e.LeadID)
	}
	return fmt.Sprintf("%s lead=%s", e.TriggerType, e.LeadID)
}
