package prompt

import (
	"strings"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// Builder composes all prompt text the runtime sends. Stateless — all state
// comes from parameters — and therefore safe for concurrent use.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WorkerContext carries everything a worker's initial conversation mentions.
type WorkerContext struct {
	AgentID string
	Task    string
	WorkDir string

	// CustomInstructions is the agent profile's own instruction block.
	CustomInstructions string
	// StrategyHints is the tool strategy's contribution (group preferences,
	// gate announcements). Empty for unrestricted strategies.
	StrategyHints string
	// Tools is the full advertised set at run start, rendered as a short
	// overview. Gated tools appear once unlocked through the per-iteration
	// definitions, not here.
	Tools []tools.Definition

	// RetryNote is set when the orchestrator re-dispatches a subtask after a
	// failed verification; it precedes the task in the user message.
	RetryNote string
}

// BuildWorkerMessages builds the initial conversation for one worker run:
// the tiered system prompt and the task as the first user turn.
func (b *Builder) BuildWorkerMessages(wc WorkerContext) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: ComposeWorkerInstructions(wc)},
		{Role: llm.RoleUser, Content: b.buildWorkerTask(wc)},
	}
}

func (b *Builder) buildWorkerTask(wc WorkerContext) string {
	var sb strings.Builder
	if wc.RetryNote != "" {
		sb.WriteString(wc.RetryNote)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Task\n\n")
	sb.WriteString(wc.Task)
	return sb.String()
}
