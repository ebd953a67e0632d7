// Package api serves the follow-up engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/enrollment"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/scheduler"
	"github.com/homelistingai/followup/internal/stream"
	"github.com/homelistingai/followup/internal/trigger"
)

// Engine is the subset of the engine the handlers call.
type Engine interface {
	Route(ctx context.Context, event models.TriggerEvent) (*trigger.Result, error)
	EnrollInSequence(ctx context.Context, sequenceID string, refs models.ContextRefs) (*enrollment.Result, error)
	GetExecution(ctx context.Context, id string, withHistory bool) (*models.Execution, error)
	ListLeadExecutions(ctx context.Context, leadID string) ([]*models.Execution, error)
	GetHistory(ctx context.Context, executionID string) ([]*models.HistoryEvent, error)
	Pause(ctx context.Context, id, reason string) (*models.Execution, error)
	Resume(ctx context.Context, id, reason string) (*models.Execution, error)
	Cancel(ctx context.Context, id, reason string) (*models.Execution, error)
	ListSequences(ctx context.Context, activeOnly bool) ([]*models.Sequence, error)
	Stats() scheduler.SchedulerStats
}

// Handler handles HTTP requests.
type Handler struct {
	engine  Engine
	version string
	stream  *stream.Hub
	logger  zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(engine Engine, version string) *Handler {
	return &Handler{
		engine:  engine,
		version: version,
		logger:  logging.Component("api"),
	}
}

// WithStream serves live dispatch events from hub on /v1/events.
func (h *Handler) WithStream(hub *stream.Hub) *Handler {
	h.stream = hub
	return h
}

// NewServer returns an echo instance with middleware and routes installed.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/enroll-events", h.EnrollEvent)
	e.POST("/v1/sequences/:sequence_id/enroll", h.EnrollInSequence)

	e.GET("/v1/executions/:id", h.GetExecution)
	e.GET("/v1/executions/:id/history", h.GetHistory)
	e.POST("/v1/executions/:id/pause", h.Pause)
	e.POST("/v1/executions/:id/resume", h.Resume)
	e.POST("/v1/executions/:id/cancel", h.Cancel)

	e.GET("/v1/leads/:lead_id/executions", h.ListLeadExecutions)
	e.GET("/v1/sequences", h.ListSequences)
	e.GET("/v1/scheduler/stats", h.SchedulerStats)
	if h.stream != nil {
		e.GET("/v1/events", h.stream.HandleWebSocket)
	}

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// errorResponse maps engine errors to HTTP status codes.
func (h *Handler) errorResponse(c echo.Context, err error) error {
	var validation *models.ValidationErrors
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrExecutionNotFound), errors.Is(err, db.ErrSequenceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, enrollment.ErrSequenceInactive):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, enrollment.ErrLeadRequired), errors.As(err, &validation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": message})
}
