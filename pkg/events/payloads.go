package events

import (
	"github.com/codeready-toolchain/casey/pkg/models"
)

// AgentStartPayload is the payload for agent:start events.
// Published when a worker or orchestrator begins executing a task.
type AgentStartPayload struct {
	Type    string `json:"type"` // always EventAgentStart
	AgentID string `json:"agentId"`
	Task    string `json:"task"`
	Tier    string `json:"tier,omitempty"`
	Attempt int    `json:"attempt,omitempty"` // 1-based; >1 on ladder retries
}

// AgentEndPayload is the payload for agent:end events.
// Published when an agent reaches a terminal outcome.
type AgentEndPayload struct {
	Type       string            `json:"type"` // always EventAgentEnd
	AgentID    string            `json:"agentId"`
	Outcome    string            `json:"outcome"`            // completed, failed, escalate
	StopCode   string            `json:"stopCode,omitempty"` // see models.StopCode
	Iterations int               `json:"iterations"`
	TokensUsed models.TokenUsage `json:"tokensUsed"`
	DurationMS int64             `json:"durationMs"`
}

// AgentErrorPayload is the payload for agent:error events.
type AgentErrorPayload struct {
	Type    string `json:"type"` // always EventAgentError
	AgentID string `json:"agentId"`
	Kind    string `json:"kind"` // failure taxonomy (tool_error, timeout, ...)
	Message string `json:"message"`
}

// IterationPayload is the payload for iteration:start and iteration:end.
type IterationPayload struct {
	Type      string `json:"type"`
	Iteration int    `json:"iteration"` // 1-based
	MaxIter   int    `json:"maxIterations,omitempty"`
}

// LLMStartPayload is the payload for llm:start events.
type LLMStartPayload struct {
	Type         string  `json:"type"` // always EventLLMStart
	Model        string  `json:"model,omitempty"`
	Tier         string  `json:"tier,omitempty"`
	MessageCount int     `json:"messageCount"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// LLMChunkPayload is the payload for llm:chunk transient events.
// High frequency, ephemeral — lost on disconnect; llm:end carries the total.
type LLMChunkPayload struct {
	Type  string `json:"type"` // always EventLLMChunk
	Delta string `json:"delta"`
}

// LLMEndPayload is the payload for llm:end events.
type LLMEndPayload struct {
	Type       string            `json:"type"` // always EventLLMEnd
	StopReason string            `json:"stopReason"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  int               `json:"toolCalls"`
	Usage      models.TokenUsage `json:"usage"`
	DurationMS int64             `json:"durationMs"`
}

// ToolStartPayload is the payload for tool:start events.
type ToolStartPayload struct {
	Type         string `json:"type"` // always EventToolStart
	Tool         string `json:"tool"`
	InvocationID string `json:"invocationId"`
	ArgsPreview  string `json:"argsPreview,omitempty"` // truncated, masked
}

// ToolEndPayload is the payload for tool:end events.
type ToolEndPayload struct {
	Type          string `json:"type"` // always EventToolEnd
	Tool          string `json:"tool"`
	InvocationID  string `json:"invocationId"`
	Status        string `json:"status"` // success, failed, timeout, error
	DurationMS    int64  `json:"durationMs"`
	OutputPreview string `json:"outputPreview,omitempty"` // truncated, masked
	FromCache     bool   `json:"fromCache,omitempty"`
}

// ToolErrorPayload is the payload for tool:error events.
type ToolErrorPayload struct {
	Type         string `json:"type"` // always EventToolError
	Tool         string `json:"tool"`
	InvocationID string `json:"invocationId,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
}

// OrchestratorStartPayload is the payload for orchestrator:start events.
type OrchestratorStartPayload struct {
	Type string `json:"type"` // always EventOrchestratorStart
	Task string `json:"task"`
}

// OrchestratorPlanPayload is the payload for orchestrator:plan events.
type OrchestratorPlanPayload struct {
	Type     string           `json:"type"` // always EventOrchestratorPlan
	SubTasks []models.SubTask `json:"subtasks"`
	Direct   bool             `json:"direct,omitempty"` // single subtask, no decomposition
}

// OrchestratorAnswerPayload is the payload for orchestrator:answer events.
type OrchestratorAnswerPayload struct {
	Type    string                `json:"type"` // always EventOrchestratorAnswer
	Answer  string                `json:"answer"`
	Verdict *models.AnswerVerdict `json:"verdict,omitempty"`
}

// OrchestratorEndPayload is the payload for orchestrator:end events.
type OrchestratorEndPayload struct {
	Type           string `json:"type"` // always EventOrchestratorEnd
	Success        bool   `json:"success"`
	CompletedCount int    `json:"completedCount"`
	FailedCount    int    `json:"failedCount"`
	SkippedCount   int    `json:"skippedCount"`
	DurationMS     int64  `json:"durationMs"`
	Aborted        bool   `json:"aborted,omitempty"`
}

// SubtaskStartPayload is the payload for subtask:start events.
type SubtaskStartPayload struct {
	Type        string `json:"type"` // always EventSubtaskStart
	SubTaskID   string `json:"subtaskId"`
	AgentID     string `json:"agentId"`
	Description string `json:"description"`
	Tier        string `json:"tier,omitempty"`
	Attempt     int    `json:"attempt"` // 1-based across the escalation ladder
}

// SubtaskEndPayload is the payload for subtask:end events.
type SubtaskEndPayload struct {
	Type       string `json:"type"` // always EventSubtaskEnd
	SubTaskID  string `json:"subtaskId"`
	AgentID    string `json:"agentId"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// SynthesisPayload is the payload for synthesis:forced, synthesis:start and
// synthesis:complete events.
type SynthesisPayload struct {
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`  // for synthesis:forced (e.g. hard_token_limit)
	Results int    `json:"results,omitempty"` // delegated results fed to synthesis
}

// MemoryPayload is the payload for memory:read and memory:write events.
type MemoryPayload struct {
	Type     string `json:"type"`
	Store    string `json:"store"` // fact_sheet, archive, todo
	Key      string `json:"key,omitempty"`
	Entries  int    `json:"entries,omitempty"`
	Category string `json:"category,omitempty"`
}

// VerificationStartPayload is the payload for verification:start events.
type VerificationStartPayload struct {
	Type     string `json:"type"` // always EventVerificationStart
	TraceRef string `json:"traceRef"`
	Claims   int    `json:"claims"`
}

// VerificationCompletePayload is the payload for verification:complete events.
type VerificationCompletePayload struct {
	Type       string   `json:"type"` // always EventVerificationComplete
	TraceRef   string   `json:"traceRef"`
	Valid      bool     `json:"valid"`
	Level      int      `json:"level"`
	Errors     []string `json:"errors,omitempty"`
	DurationMS int64    `json:"durationMs"`
}

// ProgressUpdatePayload is the payload for progress:update transient events.
type ProgressUpdatePayload struct {
	Type                    string `json:"type"` // always EventProgressUpdate
	Iteration               int    `json:"iteration"`
	IterationsSinceProgress int    `json:"iterationsSinceProgress"`
	Stuck                   bool   `json:"stuck,omitempty"`
	LoopDetected            bool   `json:"loopDetected,omitempty"`
	LoopReason              string `json:"loopReason,omitempty"`
}

// StatusChangePayload is the payload for status:change events.
// Also broadcast transiently on the global runs channel for dashboards.
type StatusChangePayload struct {
	Type   string `json:"type"` // always EventStatusChange
	RunID  string `json:"runId"`
	Status string `json:"status"` // pending, running, completed, failed, stopped
}
