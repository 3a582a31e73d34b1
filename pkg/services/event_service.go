package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// EventService reads and maintains the durable event log. Writes happen in
// the event publisher's transaction; this service serves WebSocket catchup,
// the REST history endpoint, and retention cleanup.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService over the shared pool.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// CreateEvent persists one event row outside the publisher's transactional
// path. Tests and backfills use it.
func (s *EventService) CreateEvent(httpCtx context.Context, req models.CreateEventRequest) (*models.PersistedEvent, error) {
	if req.Channel == "" {
		return nil, NewValidationError("channel", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	evt := &models.PersistedEvent{
		SessionID: req.SessionID,
		RunID:     req.RunID,
		Channel:   req.Channel,
		Payload:   req.Payload,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_events (session_id, run_id, channel, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		req.SessionID, req.RunID, req.Channel, []byte(req.Payload),
	).Scan(&evt.ID, &evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

// GetEventsSince returns up to limit events on a channel with id > sinceID,
// oldest first. This is the WebSocket catchup query.
func (s *EventService) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*models.PersistedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, run_id, channel, payload, created_at
		FROM agent_events
		WHERE channel = $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		channel, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get events since %d: %w", sinceID, err)
	}
	return collectEvents(rows)
}

// ListSessionEvents returns the persisted events of a session after a given
// id, oldest first. Serves GET /sessions/:id/events.
func (s *EventService) ListSessionEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]*models.PersistedEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, run_id, channel, payload, created_at
		FROM agent_events
		WHERE session_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		sessionID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return collectEvents(rows)
}

// CleanupSessionEvents removes all events of one session.
func (s *EventService) CleanupSessionEvents(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_events WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("cleanup session events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CleanupEventsBefore removes events older than the cutoff. Used by
// retention cleanup.
func (s *EventService) CleanupEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]*models.PersistedEvent, error) {
	defer rows.Close()

	events := []*models.PersistedEvent{}
	for rows.Next() {
		var (
			evt     models.PersistedEvent
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.RunID, &evt.Channel, &payload, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Payload = payload
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect events: %w", err)
	}
	return events, nil
}
