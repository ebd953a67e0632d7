package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/homelistingai/followup/internal/models"
)

// EnrollEvent routes a trigger event to every matching sequence.
// POST /v1/enroll-events
func (h *Handler) EnrollEvent(c echo.Context) error {
	var event models.TriggerEvent
	if err := c.Bind(&event); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.engine.Route(c.Request().Context(), event)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// EnrollRequest enrolls a lead into one named sequence.
type EnrollRequest struct {
	LeadID     string `json:"lead_id"`
	PropertyID string `json:"property_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// EnrollInSequence enrolls a lead into the sequence in the path.
// POST /v1/sequences/:sequence_id/enroll
func (h *Handler) EnrollInSequence(c echo.Context) error {
	var req EnrollRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.LeadID) == "" {
		return badRequest(c, "lead_id is required")
	}

	result, err := h.engine.EnrollInSequence(c.Request().Context(), c.Param("sequence_id"), models.ContextRefs{
		LeadID:     req.LeadID,
		PropertyID: req.PropertyID,
		AgentID:    req.AgentID,
	})
	if err != nil {
		return h.errorResponse(c, err)
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{
		"execution_id": result.ExecutionID,
		"reused":       result.Reused,
	})
}

// GetExecution returns an execution with its history.
// GET /v1/executions/:id
func (h *Handler) GetExecution(c echo.Context) error {
	exec, err := h.engine.GetExecution(c.Request().Context(), c.Param("id"), true)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// GetHistory returns the audit trail of an execution, oldest first.
// GET /v1/executions/:id/history
func (h *Handler) GetHistory(c echo.Context) error {
	events, err := h.engine.GetHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	if events == nil {
		events = []*models.HistoryEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// LifecycleRequest carries an optional reason for pause, resume or cancel.
type LifecycleRequest struct {
	Reason string `json:"reason,omitempty"`
}

type lifecycleFunc func(ctx context.Context, id, reason string) (*models.Execution, error)

func (h *Handler) lifecycle(c echo.Context, op lifecycleFunc) error {
	var req LifecycleRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	exec, err := op(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// Pause stops an active execution.
// POST /v1/executions/:id/pause
func (h *Handler) Pause(c echo.Context) error {
	return h.lifecycle(c, h.engine.Pause)
}

// Resume reactivates a paused execution.
// POST /v1/executions/:id/resume
func (h *Handler) Resume(c echo.Context) error {
	return h.lifecycle(c, h.engine.Resume)
}

// Cancel ends an active or paused execution.
// POST /v1/executions/:id/cancel
func (h *Handler) Cancel(c echo.Context) error {
	return h.lifecycle(c, h.engine.Cancel)
}

// ListLeadExecutions lists every execution of a lead, newest first.
// GET /v1/leads/:lead_id/executions
func (h *Handler) ListLeadExecutions(c echo.Context) error {
	executions, err := h.engine.ListLeadExecutions(c.Request().Context(), c.Param("lead_id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	if executions == nil {
		executions = []*models.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": executions})
}

// ListSequences returns the catalog. ?active=true limits it to active sequences.
// GET /v1/sequences
func (h *Handler) ListSequences(c echo.Context) error {
	sequences, err := h.engine.ListSequences(c.Request().Context(), c.QueryParam("active") == "true")
	if err != nil {
		return h.errorResponse(c, err)
	}
	if sequences == nil {
		sequences = []*models.Sequence{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sequences": sequences})
}

// SchedulerStats reports dispatch counters.
// GET /v1/scheduler/stats
func (h *Handler) SchedulerStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Stats())
}
