package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/run"
)

// maxTaskBytes caps the task text accepted on run submission.
const maxTaskBytes = 256 * 1024

// submitRunHandler handles POST /v1/plugins/agents/run.
// Persists the run in "pending" status and returns immediately; a worker on
// some replica claims and executes it.
func (s *Server) submitRunHandler(c *echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task field is required")
	}
	if len(req.Task) > maxTaskBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("task exceeds maximum size of %d bytes", maxTaskBytes))
	}
	if req.Tier != "" && !llm.Tier(req.Tier).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tier: must be small, medium, or large")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if err := s.sessions.EnsureSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	r := &models.Run{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		Task:             req.Task,
		AgentID:          req.AgentID,
		Tier:             req.Tier,
		EnableEscalation: req.EnableEscalation == nil || *req.EnableEscalation,
		Status:           models.RunStatusPending,
		StartedAt:        time.Now().UTC(),
	}
	if err := s.runs.CreateRun(c.Request().Context(), r); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &RunSubmittedResponse{
		RunID:     r.ID,
		SessionID: r.SessionID,
		EventsURL: "/v1/ws/plugins/agents/events/" + r.ID,
		Status:    r.Status,
		StartedAt: r.StartedAt,
	})
}

// getRunHandler handles GET /v1/plugins/agents/run/:runId.
func (s *Server) getRunHandler(c *echo.Context) error {
	runID := c.Param("runId")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	r, err := s.runs.GetRun(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, r)
}

// listRunsHandler handles GET /v1/plugins/agents/runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	filters := models.RunFilters{Limit: 25}

	filters.SessionID = c.QueryParam("session_id")
	if v := c.QueryParam("status"); v != "" {
		status := models.RunStatus(v)
		if !status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
		filters.Status = status
	}
	if v := c.QueryParam("q"); v != "" {
		if len(v) < 3 {
			return echo.NewHTTPError(http.StatusBadRequest, "search query must be at least 3 characters")
		}
		filters.Query = v
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			filters.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	result, err := s.runs.ListRuns(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// correctRunHandler handles POST /v1/plugins/agents/run/:runId/correct.
// The correction is routed to one of the run's active agents and injected
// before that agent's next iteration. A terminal run acknowledges with
// applied=false.
func (s *Server) correctRunHandler(c *echo.Context) error {
	runID := c.Param("runId")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if s.runMgr == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "corrections not available")
	}

	var req CorrectRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	cor, err := s.runMgr.Correct(c.Request().Context(), runID, models.CorrectionRequest{
		Message: req.Message,
		AgentID: req.TargetAgentID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, correctionResponse(cor))
}

// stopRunHandler handles POST /v1/plugins/agents/run/:runId/stop.
func (s *Server) stopRunHandler(c *echo.Context) error {
	runID := c.Param("runId")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	var req StopRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reason := req.Reason
	if reason == "" {
		reason = "requested by " + requestAuthor(c)
	}

	// Active on this pod: cancel the execution context; the queue worker
	// finalizes the row from the aborted result.
	if s.runMgr != nil {
		if err := s.runMgr.Stop(runID, reason); err == nil {
			return c.JSON(http.StatusOK, &StopResponse{
				Stopped:     true,
				RunID:       runID,
				FinalStatus: models.RunStatusStopped,
			})
		} else if !errors.Is(err, run.ErrNotActive) {
			return mapServiceError(err)
		}
	}

	// Not active here — resolve against the durable record.
	r, err := s.runs.GetRun(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}

	switch {
	case r.Status == models.RunStatusPending:
		// Still queued: finalize it before any worker claims it.
		now := time.Now().UTC()
		r.Status = models.RunStatusStopped
		r.Error = "stopped before execution: " + reason
		r.CompletedAt = &now
		if err := s.runs.FinalizeRun(c.Request().Context(), r); err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, &StopResponse{
			Stopped:     true,
			RunID:       runID,
			FinalStatus: models.RunStatusStopped,
		})

	case r.Status.Terminal():
		return c.JSON(http.StatusOK, &StopResponse{
			Stopped:     false,
			RunID:       runID,
			FinalStatus: r.Status,
		})

	default:
		return echo.NewHTTPError(http.StatusConflict, "run is executing on another replica")
	}
}

// correctionResponse converts a routed correction to its wire form. RoutedTo
// is a list on the wire; routing currently picks exactly one agent.
func correctionResponse(cor *models.Correction) *CorrectionResponse {
	routedTo := []string{}
	if cor.RoutedTo != "" {
		routedTo = []string{cor.RoutedTo}
	}
	return &CorrectionResponse{
		CorrectionID: cor.ID,
		RoutedTo:     routedTo,
		Reason:       cor.Reason,
		Applied:      cor.Applied,
	}
}
