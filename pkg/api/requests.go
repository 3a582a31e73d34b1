package api

// SubmitRunRequest is the HTTP request body for POST /v1/plugins/agents/run.
type SubmitRunRequest struct {
	Task      string `json:"task"`
	AgentID   string `json:"agentId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Tier      string `json:"tier,omitempty"`
	// EnableEscalation defaults to true when omitted.
	EnableEscalation *bool `json:"enableEscalation,omitempty"`
}

// CorrectRunRequest is the HTTP request body for POST .../run/:runId/correct.
type CorrectRunRequest struct {
	Message string `json:"message"`
	// TargetAgentID pins the correction to a specific agent, bypassing routing.
	TargetAgentID string `json:"targetAgentId,omitempty"`
}

// StopRunRequest is the HTTP request body for POST .../run/:runId/stop.
type StopRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreateSessionBody is the HTTP request body for POST .../sessions.
type CreateSessionBody struct {
	SessionID string         `json:"sessionId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
