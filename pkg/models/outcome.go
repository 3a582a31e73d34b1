package models

// StopCode is the terminal reason of an iteration loop, in strict priority
// order: report_complete beats everything, iteration_error loses to all.
type StopCode string

const (
	StopReportComplete StopCode = "report_complete"
	StopAbortSignal    StopCode = "abort_signal"
	StopMaxIterations  StopCode = "max_iterations"
	StopHardTokenLimit StopCode = "hard_token_limit"
	StopLoopDetected   StopCode = "loop_detected"
	StopNoToolCalls    StopCode = "no_tool_calls"
	StopIterationError StopCode = "iteration_error"
)

// stopPriority maps each stop code to its rank; lower wins.
var stopPriority = map[StopCode]int{
	StopReportComplete: 1,
	StopAbortSignal:    2,
	StopMaxIterations:  3,
	StopHardTokenLimit: 4,
	StopLoopDetected:   5,
	StopNoToolCalls:    6,
	StopIterationError: 7,
}

// Priority returns the stop code's rank (1 = highest). Unknown codes rank last.
func (c StopCode) Priority() int {
	if p, ok := stopPriority[c]; ok {
		return p
	}
	return len(stopPriority) + 1
}

// Wins reports whether c takes precedence over other.
func (c StopCode) Wins(other StopCode) bool {
	if other == "" {
		return true
	}
	return c.Priority() < other.Priority()
}

// FailureKind is the error taxonomy for worker failures.
type FailureKind string

const (
	FailureToolError        FailureKind = "tool_error"
	FailureTimeout          FailureKind = "timeout"
	FailureValidationFailed FailureKind = "validation_failed"
	FailureStuck            FailureKind = "stuck"
	FailurePolicyDenied     FailureKind = "policy_denied"
	FailureUnknown          FailureKind = "unknown"
)

// Retryable reports whether the failure may be retried at all.
// validation_failed is retryable only with a reformulated prompt; the
// orchestrator handles that distinction when it builds the retry task.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureToolError, FailureTimeout, FailureStuck, FailureValidationFailed:
		return true
	}
	return false
}

// FailureReport describes a worker failure with enough structure for the
// orchestrator to decide between retry, escalation, and giving up.
type FailureReport struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// Detail carries kind-specific context (denied tool, verifier errors, ...).
	Detail map[string]any `json:"detail,omitempty"`
}

// TokenUsage accumulates LLM token consumption.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// Artifact is a small named payload attached to a specialist output.
type Artifact struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	MediaType string `json:"media_type,omitempty"`
}

// SpecialistOutput is the structured result a worker reports: the summary,
// the trace reference for verification, and the claims it makes about side
// effects.
type SpecialistOutput struct {
	Summary   string     `json:"summary"`
	TraceRef  string     `json:"trace_ref"`
	Claims    []Claim    `json:"claims,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// OutcomeKind discriminates the SpecialistOutcome union.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeEscalate  OutcomeKind = "escalate"
)

// SpecialistOutcome is the structured result of one worker execution.
// Exactly one of Output/Failure is set for completed/failed; Partial may
// accompany a failure when partial progress exists.
type SpecialistOutcome struct {
	Kind           OutcomeKind       `json:"kind"`
	Output         *SpecialistOutput `json:"output,omitempty"`
	Failure        *FailureReport    `json:"failure,omitempty"`
	Partial        *SpecialistOutput `json:"partial,omitempty"`
	EscalateReason string            `json:"escalate_reason,omitempty"`
	StopCode       StopCode          `json:"stop_code,omitempty"`
	TokensUsed     TokenUsage        `json:"tokens_used"`
	Iterations     int               `json:"iterations"`
}

// SubTask is a decomposed unit of work produced by the orchestrator's
// planning phase.
type SubTask struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	AgentID             string   `json:"agent_id"`
	Priority            int      `json:"priority"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedComplexity string   `json:"estimated_complexity,omitempty"`
}

// DelegatedResult is the outcome of one delegated subtask.
type DelegatedResult struct {
	SubTaskID  string            `json:"subtask_id"`
	AgentID    string            `json:"agent_id"`
	Success    bool              `json:"success"`
	Skipped    bool              `json:"skipped,omitempty"`
	Output     string            `json:"output,omitempty"`
	TokensUsed int               `json:"tokens_used"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Outcome    SpecialistOutcome `json:"outcome"`
}

// OrchestratorResult is the terminal result of an orchestrated run.
type OrchestratorResult struct {
	Success          bool              `json:"success"`
	Answer           string            `json:"answer,omitempty"`
	Plan             []SubTask         `json:"plan,omitempty"`
	DelegatedResults []DelegatedResult `json:"delegated_results,omitempty"`
	TokensUsed       TokenUsage        `json:"tokens_used"`
	DurationMS       int64             `json:"duration_ms"`
	Aborted          bool              `json:"aborted,omitempty"`
	Error            string            `json:"error,omitempty"`
	// Verdict carries the cross-tier verifier's scoring of the answer.
	Verdict *AnswerVerdict `json:"verdict,omitempty"`
}

// AnswerVerdict is the cross-tier verifier's scoring of a synthesized answer.
type AnswerVerdict struct {
	Confidence         float64  `json:"confidence"`
	Completeness       float64  `json:"completeness"`
	Gaps               []string `json:"gaps,omitempty"`
	UnverifiedMentions []string `json:"unverified_mentions,omitempty"`
}
