package models

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// Valid reports whether the status is one of the known lifecycle states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// Run is one end-to-end execution of a task under an orchestrator.
type Run struct {
	ID               string     `json:"run_id"`
	SessionID        string     `json:"session_id"`
	Task             string     `json:"task"`
	AgentID          string     `json:"agent_id,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	EnableEscalation bool       `json:"enable_escalation,omitempty"`
	Status           RunStatus  `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	Error            string     `json:"error,omitempty"`
	TokensUsed       int        `json:"tokens_used"`
	DurationMS       int64      `json:"duration_ms"`
	// PodID identifies the replica that claimed the run; used for orphan recovery.
	PodID string `json:"pod_id,omitempty"`
}

// CreateRunRequest contains fields for submitting a new run.
type CreateRunRequest struct {
	Task             string `json:"task"`
	AgentID          string `json:"agent_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	Tier             string `json:"tier,omitempty"`
	EnableEscalation *bool  `json:"enable_escalation,omitempty"`
}

// RunFilters contains filtering options for listing runs. Query is a
// full-text match over task and summary.
type RunFilters struct {
	SessionID string    `json:"session_id,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	Query     string    `json:"query,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// RunListResponse contains a paginated run list.
type RunListResponse struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}
