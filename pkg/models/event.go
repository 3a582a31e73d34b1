package models

import (
	"encoding/json"
	"time"
)

// PersistedEvent is one durable event row, used for WebSocket catchup after
// reconnect and for cross-replica delivery.
type PersistedEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id,omitempty"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateEventRequest contains fields for persisting an event.
type CreateEventRequest struct {
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id,omitempty"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
}

// EventsResponse contains events since a given ID.
type EventsResponse struct {
	Events []*PersistedEvent `json:"events"`
}
