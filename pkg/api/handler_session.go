package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// createSessionHandler handles POST /v1/plugins/agents/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var body CreateSessionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	metadata := body.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["author"]; !ok {
		metadata["author"] = requestAuthor(c)
	}

	sess, err := s.sessions.CreateSession(c.Request().Context(), models.CreateSessionRequest{
		SessionID: body.SessionID,
		Metadata:  metadata,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, sess)
}

// listSessionsHandler handles GET /v1/plugins/agents/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	limit, offset := 25, 0

	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-100")
		}
		limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset: must be >= 0")
		}
		offset = n
	}

	result, err := s.sessions.ListSessions(c.Request().Context(), limit, offset)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// getSessionHandler handles GET /v1/plugins/agents/sessions/:id. The durable
// record is enriched with the assembled conversation when this replica is
// tracking the session.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	sess, err := s.sessions.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	if s.sessionMgr != nil {
		if turns := s.sessionMgr.Conversation(sessionID); turns != nil {
			sess.Turns = turns
		}
	}

	return c.JSON(http.StatusOK, sess)
}

// sessionEventsHandler handles GET /v1/plugins/agents/sessions/:id/events.
// Pages through the durable event log with after_id + limit.
func (s *Server) sessionEventsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var afterID int64
	if v := c.QueryParam("after_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = n
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-500")
		}
		limit = n
	}

	rows, err := s.eventLog.ListSessionEvents(c.Request().Context(), sessionID, afterID, limit)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &models.EventsResponse{Events: rows})
}
