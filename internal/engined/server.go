// Package engined serves the follow-up engine over gRPC and runs the daemon
// that hosts the scheduler, the HTTP API and the gRPC listener.
package engined

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/enrollment"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/scheduler"
	"github.com/homelistingai/followup/internal/trigger"
)

// Engine is the subset of the engine the gRPC service calls.
type Engine interface {
	Route(ctx context.Context, event models.TriggerEvent) (*trigger.Result, error)
	ListLeadExecutions(ctx context.Context, leadID string) ([]*models.Execution, error)
	GetHistory(ctx context.Context, executionID string) ([]*models.HistoryEvent, error)
	Pause(ctx context.Context, id, reason string) (*models.Execution, error)
	Resume(ctx context.Context, id, reason string) (*models.Execution, error)
	Cancel(ctx context.Context, id, reason string) (*models.Execution, error)
	Stats() scheduler.SchedulerStats
}

// Server implements EngineServiceServer.
type Server struct {
	engine  Engine
	logger  zerolog.Logger
	version string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithVersion sets the version reported by GetStats.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates the gRPC service implementation.
func NewServer(engine Engine, logger zerolog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		logger:  logger,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll routes a trigger event.
func (s *Server) Enroll(ctx context.Context, req *EnrollRequest) (*EnrollResponse, error) {
	result, err := s.engine.Route(ctx, req.Event)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &EnrollResponse{Result: result}, nil
}

// Pause stops an active execution.
func (s *Server) Pause(ctx context.Context, req *LifecycleRequest) (*ExecutionResponse, error) {
	return s.lifecycle(ctx, req, s.engine.Pause)
}

// Resume reactivates a paused execution.
func (s *Server) Resume(ctx context.Context, req *LifecycleRequest) (*ExecutionResponse, error) {
	return s.lifecycle(ctx, req, s.engine.Resume)
}

// Cancel ends an active or paused execution.
func (s *Server) Cancel(ctx context.Context, req *LifecycleRequest) (*ExecutionResponse, error) {
	return s.lifecycle(ctx, req, s.engine.Cancel)
}

func (s *Server) lifecycle(ctx context.Context, req *LifecycleRequest, op func(context.Context, string, string) (*models.Execution, error)) (*ExecutionResponse, error) {
	if strings.TrimSpace(req.ExecutionID) == "" {
		return nil, status.Error(codes.InvalidArgument, "execution_id is required")
	}
	exec, err := op(ctx, req.ExecutionID, req.Reason)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &ExecutionResponse{Execution: exec}, nil
}

// ListLeadExecutions lists a lead's executions.
func (s *Server) ListLeadExecutions(ctx context.Context, req *ListLeadExecutionsRequest) (*ListLeadExecutionsResponse, error) {
	if strings.TrimSpace(req.LeadID) == "" {
		return nil, status.Error(codes.InvalidArgument, "lead_id is required")
	}
	executions, err := s.engine.ListLeadExecutions(ctx, req.LeadID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &ListLeadExecutionsResponse{Executions: executions}, nil
}

// GetHistory returns the audit trail of an execution.
func (s *Server) GetHistory(ctx context.Context, req *GetHistoryRequest) (*GetHistoryResponse, error) {
	if strings.TrimSpace(req.ExecutionID) == "" {
		return nil, status.Error(codes.InvalidArgument, "execution_id is required")
	}
	events, err := s.engine.GetHistory(ctx, req.ExecutionID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &GetHistoryResponse{Events: events}, nil
}

// GetStats reports scheduler counters.
func (s *Server) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	return &GetStatsResponse{Scheduler: s.engine.Stats(), Version: s.version}, nil
}

func (s *Server) toStatus(err error) error {
	var validation *models.ValidationErrors
	switch {
	case errors.Is(err, db.ErrExecutionNotFound), errors.Is(err, db.ErrSequenceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, enrollment.ErrSequenceInactive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, enrollment.ErrLeadRequired), errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		s.logger.Error().Err(err).Msg("rpc failed")
		return status.Error(codes.Internal, err.Error())
	}
}
