package models

import "time"

// FactCategory classifies a working-memory fact.
type FactCategory string

const (
	FactFileContent  FactCategory = "file_content"
	FactArchitecture FactCategory = "architecture"
	FactFinding      FactCategory = "finding"
	FactDecision     FactCategory = "decision"
	FactBlocker      FactCategory = "blocker"
	FactCorrection   FactCategory = "correction"
	FactToolResult   FactCategory = "tool_result"
	FactEnvironment  FactCategory = "environment"
)

// FactEntry is one bounded working-memory fact extracted from tool outputs
// or LLM reasoning.
type FactEntry struct {
	ID         string       `json:"id"`
	Category   FactCategory `json:"category"`
	Fact       string       `json:"fact"`
	Confidence float64      `json:"confidence"`
	Source     string       `json:"source,omitempty"`
	Iteration  int          `json:"iteration"`
}

// FactSheet is the persisted working memory of one agent in one session.
type FactSheet struct {
	SessionID string      `json:"session_id"`
	AgentID   string      `json:"agent_id"`
	Entries   []FactEntry `json:"entries"`
	UpdatedAt time.Time   `json:"updated_at"`
}
