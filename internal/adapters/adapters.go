// Package adapters defines the external collaborators the engine dispatches
// steps to, plus webhook, logging and static-file implementations.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/homelistingai/followup/internal/models"
)

// Collaborator errors.
var (
	ErrLeadNotFound     = errors.New("lead not found")
	ErrPropertyNotFound = errors.New("property not found")
	ErrAgentNotFound    = errors.New("agent not found")
)

// Message is a rendered email.
type Message struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body,omitempty"`
}

// DueContext accompanies a created task.
type DueContext struct {
	LeadID  string    `json:"lead_id"`
	AgentID string    `json:"agent_id,omitempty"`
	DueAt   time.Time `json:"due_at"`
}

// LeadContext accompanies a scheduled meeting.
type LeadContext struct {
	LeadID     string `json:"lead_id"`
	AgentID    string `json:"agent_id,omitempty"`
	PropertyID string `json:"property_id,omitempty"`
}

// SMS is a rendered text message.
type SMS struct {
	To      string `json:"to"`
	Message string `json:"message"`
	AgentID string `json:"user_id,omitempty"`
}

// CallRequest asks the voice collaborator to place a scripted call.
type CallRequest struct {
	LeadID     string `json:"leadId"`
	AgentID    string `json:"agentId,omitempty"`
	PropertyID string `json:"propertyId,omitempty"`
	Script     string `json:"script"`
	LeadName   string `json:"leadName"`
	LeadPhone  string `json:"leadPhone"`
	CallType   string `json:"callType,omitempty"`
}

// MessageSender delivers email and returns a delivery id.
type MessageSender interface {
	Send(ctx context.Context, msg Message, to models.Contact) (string, error)
}

// TaskCreator creates a follow-up task for the agent.
type TaskCreator interface {
	Create(ctx context.Context, description string, due DueContext) (string, error)
}

// MeetingScheduler books a meeting with the lead.
type MeetingScheduler interface {
	Schedule(ctx context.Context, details models.MeetingDetails, lead LeadContext) (string, error)
}

// SMSSender delivers a text message.
type SMSSender interface {
	SendSMS(ctx context.Context, sms SMS) (string, error)
}

// CallPlacer starts an automated call.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
}

// ContextProvider resolves execution references into render data.
type ContextProvider interface {
	Resolve(ctx context.Context, refs models.ContextRefs) (*models.ResolvedContext, error)
}
