package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// acceptOptions builds the WebSocket upgrade options. Same-host origins are
// always accepted; the server config can allow extra patterns for dashboards
// served from another host.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if s.cfg == nil || s.cfg.Server == nil || len(s.cfg.Server.AllowedWSOrigins) == 0 {
		return nil
	}
	return &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	}
}

// runEventsWSHandler handles GET /v1/ws/plugins/agents/events/:runId.
//
// On connect the client receives connection:ready, then either a DB catchup
// (when last_event_id is given) or a replay of the run's buffered events,
// then live agent:event messages. user:correction and user:stop arrive on
// the same socket.
func (s *Server) runEventsWSHandler(c *echo.Context) error {
	runID := c.Param("runId")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming not available")
	}

	var lastEventID int64
	if v := c.QueryParam("last_event_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid last_event_id")
		}
		lastEventID = n
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}

	opts := events.ConnectOptions{
		Channel:     events.RunChannel(runID),
		LastEventID: lastEventID,
		OnMessage:   s.runControlHandler(runID),
	}
	if lastEventID == 0 && s.runMgr != nil {
		opts.OnReady = func(send func(v any) error) {
			// Transient events are skipped: chunk replays add nothing once
			// llm:end carries the full content.
			for _, ev := range s.runMgr.EventBuffer(runID) {
				if events.Transient(ev.Type) {
					continue
				}
				if err := send(map[string]any{
					"type":  events.MsgAgentEvent,
					"event": ev,
				}); err != nil {
					return
				}
			}
		}
	}

	s.connManager.HandleConnection(c.Request().Context(), conn, opts)
	return nil
}

// runControlHandler handles user:correction and user:stop messages for one
// run stream.
func (s *Server) runControlHandler(runID string) events.MessageHandler {
	return func(ctx context.Context, msg *events.ClientMessage) any {
		if s.runMgr == nil {
			return map[string]string{
				"type":    events.MsgError,
				"message": "run control not available",
			}
		}

		switch msg.Type {
		case events.MsgUserCorrection:
			if msg.Message == "" {
				return map[string]string{
					"type":    events.MsgError,
					"message": "message is required",
				}
			}
			cor, err := s.runMgr.Correct(ctx, runID, models.CorrectionRequest{
				Message: msg.Message,
				AgentID: msg.TargetAgentID,
			})
			if err != nil {
				return map[string]string{
					"type":    events.MsgError,
					"message": "correction failed: " + err.Error(),
				}
			}
			resp := correctionResponse(cor)
			return map[string]any{
				"type":         events.MsgCorrectionAck,
				"correctionId": resp.CorrectionID,
				"routedTo":     resp.RoutedTo,
				"reason":       resp.Reason,
				"applied":      resp.Applied,
			}

		case events.MsgUserStop:
			if err := s.runMgr.Stop(runID, msg.Reason); err != nil {
				return map[string]string{
					"type":    events.MsgError,
					"message": "run is not active on this replica",
				}
			}
			// No ack; the terminal status:change produces run:completed.
			return nil
		}
		return nil
	}
}

// sessionTurnsChannel names the private channel a session conversation
// stream binds to. Nothing publishes raw events there, so the stream carries
// only snapshot messages.
func sessionTurnsChannel(sessionID string) string {
	return "turns:" + sessionID
}

// sessionWSHandler handles GET /v1/ws/plugins/agents/session/:sessionId.
//
// On connect the client receives connection:ready and a conversation:snapshot
// of the assembled turns, then a turn:snapshot for every turn mutation.
// Snapshots with an unchanged signature are suppressed.
func (s *Server) sessionWSHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.connManager == nil || s.sessionMgr == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}

	var watchID int
	watching := false

	opts := events.ConnectOptions{
		Channel: sessionTurnsChannel(sessionID),
		OnReady: func(send func(v any) error) {
			turns := s.sessionMgr.Track(sessionID).Turns()
			if err := send(map[string]any{
				"type":      events.MsgConversationSnapshot,
				"sessionId": sessionID,
				"turns":     turns,
			}); err != nil {
				return
			}

			// seen is only touched here and by the watcher callback, which
			// runs serially on the session's event dispatcher.
			seen := make(map[string]string, len(turns))
			for i := range turns {
				seen[turns[i].ID] = turns[i].Signature()
			}
			watchID = s.sessionMgr.Watch(sessionID, func(turn models.Turn) {
				sig := turn.Signature()
				if seen[turn.ID] == sig {
					return
				}
				seen[turn.ID] = sig
				_ = send(map[string]any{
					"type":      events.MsgTurnSnapshot,
					"sessionId": sessionID,
					"turn":      turn,
				})
			})
			watching = true
		},
	}

	s.connManager.HandleConnection(c.Request().Context(), conn, opts)
	if watching {
		s.sessionMgr.Unwatch(sessionID, watchID)
	}
	return nil
}
