// Package middleware provides the hook pipeline that wraps every agent
// iteration, plus the built-in middlewares: budget enforcement, context
// filtering, working memory, progress tracking, reflection and the
// signal emitters.
package middleware

import (
	"context"
	"time"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// Meta keys shared between middlewares and the iteration loop. Each
// middleware owns the keys under its prefix.
const (
	MetaProgress         = "progress"
	MetaTaskClass        = "task.class"
	MetaBudgetNudgeSent  = "budget.convergenceNudgeSent"
	MetaForceSynthesis   = "budget.forceSynthesis"
	MetaTodoItems        = "todo.items"
	MetaFactSheet        = "factsheet"
	MetaSearchExhausted  = "search.exhausted"
	MetaReflectionCount  = "reflection.count"
	MetaHypothesisSwitch = "reflection.hypothesisSwitches"
)

// Emitter delivers run events into the event bus. Implementations fill in
// the envelope (run, session, agent identifiers) before publishing.
type Emitter interface {
	Emit(eventType string, payload any)
}

// RunState is the mutable state one run's loop and middlewares share.
// It is owned by the run's single-threaded iteration loop: hooks execute
// sequentially on the loop goroutine, so fields and Meta need no locking,
// and nothing in it survives the run.
type RunState struct {
	RunID         string
	SessionID     string
	AgentID       string
	ParentAgentID string
	Task          string

	Tier          llm.Tier
	Iteration     int // 1-based, current iteration
	MaxIterations int
	MaxTokens     int // hard token budget; 0 = unlimited
	TokensUsed    models.TokenUsage

	Messages []llm.Message

	WorkDir    string
	SessionDir string

	// Meta is the namespaced cross-middleware hint map ("budget.*",
	// "progress", "task.class", ...).
	Meta map[string]any

	// Inbox delivers mid-run operator corrections. Optional; the loop
	// drains it before each iteration when set.
	Inbox *Mailbox

	Emitter Emitter
}

// NewRunState builds a run state with an initialized Meta map.
func NewRunState() *RunState {
	return &RunState{Meta: make(map[string]any)}
}

// Emit publishes an event for this run. Safe with no emitter configured.
func (r *RunState) Emit(eventType string, payload any) {
	if r.Emitter == nil {
		return
	}
	r.Emitter.Emit(eventType, payload)
}

// MetaString returns a string hint, or "" when unset or not a string.
func (r *RunState) MetaString(key string) string {
	s, _ := r.Meta[key].(string)
	return s
}

// MetaBool returns a bool hint, false when unset.
func (r *RunState) MetaBool(key string) bool {
	b, _ := r.Meta[key].(bool)
	return b
}

// MetaInt returns an int hint, 0 when unset.
func (r *RunState) MetaInt(key string) int {
	n, _ := r.Meta[key].(int)
	return n
}

// LLMCallContext is the pending LLM call, visible to the call hooks.
// BeforeLLMCall patches are applied to it field-wise before dispatch.
type LLMCallContext struct {
	Run         *RunState
	Messages    []llm.Message
	Tools       []llm.ToolDefinition
	Temperature float64
	MaxTokens   int
	Tier        llm.Tier
}

// Patch overrides fields of the pending LLM call. Nil fields leave the
// call unchanged; patches from multiple middlewares are applied in
// ascending order, so the highest order wins each field.
type Patch struct {
	Messages    []llm.Message
	Tools       []llm.ToolDefinition
	Temperature *float64
	Tier        *llm.Tier
}

func (c *LLMCallContext) apply(p *Patch) {
	if p == nil {
		return
	}
	if p.Messages != nil {
		c.Messages = p.Messages
	}
	if p.Tools != nil {
		c.Tools = p.Tools
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if p.Tier != nil {
		c.Tier = *p.Tier
	}
}

// ToolExecContext is one pending tool invocation, visible to the tool hooks.
type ToolExecContext struct {
	Run      *RunState
	CallID   string
	Tool     string
	Args     map[string]any
	Mutating bool

	// SkipResult is the synthetic result injected when a BeforeToolExec
	// hook votes skip. Left nil, the loop substitutes a generic notice.
	SkipResult *tools.Result
}

// ActionKind is a BeforeIteration verdict class.
type ActionKind string

const (
	ActionContinue ActionKind = "continue"
	ActionStop     ActionKind = "stop"
	ActionEscalate ActionKind = "escalate"
)

// Action is a BeforeIteration verdict. Stop carries the stop code the loop
// records; escalate carries the reason handed to the orchestrator.
type Action struct {
	Kind   ActionKind
	Code   models.StopCode
	Reason string
}

// Continue is the neutral verdict.
var Continue = Action{Kind: ActionContinue}

// Stop builds a stop verdict with the code the loop should record.
func Stop(code models.StopCode, reason string) Action {
	return Action{Kind: ActionStop, Code: code, Reason: reason}
}

// Escalate builds an escalation verdict.
func Escalate(reason string) Action {
	return Action{Kind: ActionEscalate, Reason: reason}
}

// ToolDecision is a BeforeToolExec verdict.
type ToolDecision string

const (
	DecisionExecute ToolDecision = "execute"
	DecisionSkip    ToolDecision = "skip"
)

// FailPolicy decides what a hook error does to the run.
type FailPolicy string

const (
	// FailOpen logs the error and continues with a neutral fallback.
	FailOpen FailPolicy = "fail-open"
	// FailClosed propagates the error, aborting the run.
	FailClosed FailPolicy = "fail-closed"
)

// HookConfig is the failure policy and per-hook timeout of one middleware.
type HookConfig struct {
	FailPolicy FailPolicy
	// Timeout bounds each hook invocation; 0 means unlimited.
	Timeout time.Duration
}

// Middleware is the identity half of a pipeline participant. Hook behavior
// is declared by implementing any subset of the *Hook interfaces below.
type Middleware interface {
	Name() string
	// Order sorts hooks: lower runs earlier in pre-hooks and later in
	// post-hooks.
	Order() int
	Config() HookConfig
	Enabled(run *RunState) bool
}

// StartHook runs once before the first iteration.
type StartHook interface {
	OnStart(ctx context.Context, run *RunState) error
}

// StopHook runs once when the loop stops, with the recorded stop code.
type StopHook interface {
	OnStop(ctx context.Context, run *RunState, code models.StopCode) error
}

// CompleteHook runs after the outcome is assembled.
type CompleteHook interface {
	OnComplete(ctx context.Context, run *RunState) error
}

// BeforeIterationHook gates each iteration. The first non-continue verdict
// wins and later hooks are not consulted.
type BeforeIterationHook interface {
	BeforeIteration(ctx context.Context, run *RunState) (Action, error)
}

// AfterIterationHook runs at the end of each iteration.
type AfterIterationHook interface {
	AfterIteration(ctx context.Context, run *RunState) error
}

// BeforeLLMCallHook may patch the pending LLM call.
type BeforeLLMCallHook interface {
	BeforeLLMCall(ctx context.Context, call *LLMCallContext) (*Patch, error)
}

// AfterLLMCallHook observes the completed LLM call.
type AfterLLMCallHook interface {
	AfterLLMCall(ctx context.Context, call *LLMCallContext, result *llm.ChatResult) error
}

// BeforeToolExecHook gates one tool invocation. Any skip vote wins.
type BeforeToolExecHook interface {
	BeforeToolExec(ctx context.Context, exec *ToolExecContext) (ToolDecision, error)
}

// AfterToolExecHook observes one completed (or skipped) tool invocation.
type AfterToolExecHook interface {
	AfterToolExec(ctx context.Context, exec *ToolExecContext, result *tools.Result) error
}
