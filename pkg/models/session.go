package models

import (
	"fmt"
	"time"
)

// TurnType classifies who produced a turn.
type TurnType string

const (
	TurnTypeUser      TurnType = "user"
	TurnTypeAssistant TurnType = "assistant"
	TurnTypeSystem    TurnType = "system"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnStatusStreaming TurnStatus = "streaming"
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusFailed    TurnStatus = "failed"
	TurnStatusCancelled TurnStatus = "cancelled"
)

// TurnStep is one reduced step inside a turn (an iteration, a tool call,
// an LLM call, or a verification pass).
type TurnStep struct {
	Type        string     `json:"type"`
	Name        string     `json:"name,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Turn is one user<->agent interaction, assembled from the events of its
// owning run.
type Turn struct {
	ID          string         `json:"id"`
	Type        TurnType       `json:"type"`
	Sequence    int            `json:"sequence"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      TurnStatus     `json:"status"`
	Steps       []TurnStep     `json:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Signature is the dedup key for turn:snapshot emissions: a snapshot is sent
// only when the signature changed since the last one.
func (t *Turn) Signature() string {
	completed := ""
	if t.CompletedAt != nil {
		completed = t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s:%s:%s:%d", t.ID, t.Status, completed, len(t.Steps))
}

// Session groups runs belonging to the same conversation.
type Session struct {
	ID             string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Turns          []Turn         `json:"turns"`
}

// CreateSessionRequest contains fields for creating a session.
type CreateSessionRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}
