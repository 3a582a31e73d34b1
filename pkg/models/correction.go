package models

import "time"

// Correction is a mid-run user instruction routed to one of the run's active
// agents. Applied is false when the run had already reached a terminal state
// by the time the correction arrived.
type Correction struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Message       string    `json:"message"`
	TargetAgentID string    `json:"target_agent_id,omitempty"`
	RoutedTo      string    `json:"routed_to"`
	Reason        string    `json:"reason,omitempty"`
	Applied       bool      `json:"applied"`
	CreatedAt     time.Time `json:"created_at"`
}

// CorrectionRequest is the API payload for submitting a correction.
type CorrectionRequest struct {
	Message string `json:"message"`
	// AgentID pins the correction to a specific agent, bypassing routing.
	AgentID string `json:"agent_id,omitempty"`
}
