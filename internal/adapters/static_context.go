package adapters

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/homelistingai/followup/internal/models"
)

// contextFile is the on-disk layout of a static contexts file.
type contextFile struct {
	Leads      []models.Lead     `yaml:"leads"`
	Properties []models.Property `yaml:"properties"`
	Agents     []models.Agent    `yaml:"agents"`
}

// StaticContextProvider resolves references from an in-memory directory,
// usually loaded from a YAML file.
type StaticContextProvider struct {
	mu         sync.RWMutex
	leads      map[string]models.Lead
	properties map[string]models.Property
	agents     map[string]models.Agent
}

// NewStaticContextProvider creates an empty provider.
func NewStaticContextProvider() *StaticContextProvider {
	return &StaticContextProvider{
		leads:      make(map[string]models.Lead),
		properties: make(map[string]models.Property),
		agents:     make(map[string]models.Agent),
	}
}

// LoadStaticContexts reads a contexts YAML file.
func LoadStaticContexts(path string) (*StaticContextProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contexts file: %w", err)
	}
	return ParseStaticContexts(data)
}

// ParseStaticContexts parses contexts YAML.
func ParseStaticContexts(data []byte) (*StaticContextProvider, error) {
	var file contextFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse contexts: %w", err)
	}

	p := NewStaticContextProvider()
	for _, lead := range file.Leads {
		if lead.ID == "" {
			return nil, fmt.Errorf("parse contexts: lead %q has no id", lead.Name)
		}
		p.PutLead(lead)
	}
	for _, property := range file.Properties {
		if property.ID == "" {
			return nil, fmt.Errorf("parse contexts: property %q has no id", property.Address)
		}
		p.PutProperty(property)
	}
	for _, agent := range file.Agents {
		if agent.ID == "" {
			return nil, fmt.Errorf("parse contexts: agent %q has no id", agent.Name)
		}
		p.PutAgent(agent)
	}
	return p, nil
}

// PutLead adds or replaces a lead.
func (p *StaticContextProvider) PutLead(lead models.Lead) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leads[lead.ID] = lead
}

// PutProperty adds or replaces a property.
func (p *StaticContextProvider) PutProperty(property models.Property) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.properties[property.ID] = property
}

// PutAgent adds or replaces an agent.
func (p *StaticContextProvider) PutAgent(agent models.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[agent.ID] = agent
}

// Resolve implements ContextProvider. The lead is required; property and
// agent are resolved only when referenced.
func (p *StaticContextProvider) Resolve(ctx context.Context, refs models.ContextRefs) (*models.ResolvedContext, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lead, ok := p.leads[refs.LeadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeadNotFound, refs.LeadID)
	}
	resolved := &models.ResolvedContext{Lead: lead}

	if refs.PropertyID != "" {
		property, ok := p.properties[refs.PropertyID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPropertyNotFound, refs.PropertyID)
		}
		resolved.Property = &property
	}
	if refs.AgentID != "" {
		agent, ok := p.agents[refs.AgentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, refs.AgentID)
		}
		resolved.Agent = agent
	}
	return resolved, nil
}
