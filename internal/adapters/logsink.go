package adapters

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/models"
)

// LogSink accepts every step and only logs it. Used when no webhook is
// configured for a collaborator.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) ref(kind string) string {
	return kind + "-" + uuid.New().String()
}

// Send implements MessageSender.
func (s *LogSink) Send(ctx context.Context, msg Message, to models.Contact) (string, error) {
	ref := s.ref("msg")
	s.logger.Info().
		Str("delivery_ref", ref).
		Str("to", to.Email).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.HTMLBody)).
		Msg("email accepted by log sink")
	return ref, nil
}

// Create implements TaskCreator.
func (s *LogSink) Create(ctx context.Context, description string, due DueContext) (string, error) {
	ref := s.ref("task")
	s.logger.Info().
		Str("delivery_ref", ref).
		Str("lead_id", due.LeadID).
		Time("due_at", due.DueAt).
		Str("description", description).
		Msg("task accepted by log sink")
	return ref, nil
}

// Schedule implements MeetingScheduler.
func (s *LogSink) Schedule(ctx context.Context, details models.MeetingDetails, lead LeadContext) (string, error) {
	ref := s.ref("meeting")
	s.logger.Info().
		Str("delivery_ref", ref).
		Str("lead_id", lead.LeadID).
		Str("date", details.Date).
		Str("time", details.Time).
		Str("location", details.Location).
		Msg("meeting accepted by log sink")
	return ref, nil
}

// SendSMS implements SMSSender.
func (s *LogSink) SendSMS(ctx context.Context, sms SMS) (string, error) {
	ref := s.ref("sms")
	s.logger.Info().
		Str("delivery_ref", ref).
		Str("to", sms.To).
		Int("length", len(sms.Message)).
		Msg("sms accepted by log sink")
	return ref, nil
}

// PlaceCall implements CallPlacer.
func (s *LogSink) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	ref := s.ref("call")
	s.logger.Info().
		Str("delivery_ref", ref).
		Str("lead_id", req.LeadID).
		Str("call_type", req.CallType).
		Msg("call accepted by log sink")
	return ref, nil
}
