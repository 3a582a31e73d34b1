// Package agent composes one worker execution: trace recording, the
// middleware pipeline, the iteration loop and the tool strategy, producing a
// structured outcome the orchestrator can act on.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/casey/pkg/agent/controller"
	"github.com/codeready-toolchain/casey/pkg/agent/prompt"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

// minDeniedForPolicyFailure reclassifies a stuck run as policy_denied once
// this many tool calls were rejected by permission policy. A single denial is
// recoverable; repeated denials mean the task cannot proceed under the
// current policy and retrying the tier ladder would waste every attempt.
const minDeniedForPolicyFailure = 2

// Config carries the per-execution settings for one worker run. Identity
// fields address events and traces; budget fields seed the run state where
// middlewares may adjust them.
type Config struct {
	RunID         string
	SessionID     string
	AgentID       string
	ParentAgentID string

	Tier              llm.Tier
	Temperature       float64
	MaxIterations     int
	MaxTokens         int
	MaxResponseTokens int
	IterationTimeout  time.Duration

	// ForceSynthesisOnHardLimit salvages an answer with one tool-less model
	// call when the token budget runs out.
	ForceSynthesisOnHardLimit bool

	// Strategy selects and gates the advertised tool set. Required.
	Strategy Strategy

	// Middlewares become the run's pipeline, sorted by their declared order.
	Middlewares []middleware.Middleware

	// EvaluateEscalation overrides the default stuck-run escalation policy.
	EvaluateEscalation func(run *middleware.RunState) (bool, string)

	// Inbox receives mid-run operator corrections; drained each iteration.
	Inbox *middleware.Mailbox

	WorkDir    string
	SessionDir string

	// Attempt is 1-based and grows across the orchestrator's tier ladder.
	Attempt int

	// CustomInstructions is the agent-specific system prompt section.
	CustomInstructions string

	// RetryNote prefixes the task after a failed verification, listing what
	// the previous attempt got wrong.
	RetryNote string
}

// Worker executes single tasks. One Worker serves many runs; everything
// run-scoped (trace, pipeline, strategy state) is built per Execute call.
type Worker struct {
	registry *llm.Registry
	executor tools.Executor
	traces   *trace.Store
	bus      *events.Bus
	prompts  *prompt.Builder
	mask     trace.MaskFunc
	logger   *slog.Logger
}

// WorkerOption configures optional worker behavior.
type WorkerOption func(*Worker)

// WithMask installs the secret masker applied to recorded tool output.
func WithMask(mask trace.MaskFunc) WorkerOption {
	return func(w *Worker) { w.mask = mask }
}

// NewWorker builds a worker over the shared infrastructure. executor is the
// permission-checked tool registry; each run wraps it in a fresh trace
// recorder.
func NewWorker(registry *llm.Registry, executor tools.Executor, traces *trace.Store, bus *events.Bus, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		registry: registry,
		executor: executor,
		traces:   traces,
		bus:      bus,
		prompts:  prompt.NewBuilder(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs one task to a terminal outcome. The returned error covers
// infrastructure failures before the loop could start; every in-run failure
// is reported inside the outcome instead.
func (w *Worker) Execute(ctx context.Context, task string, cfg Config) (*models.SpecialistOutcome, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("worker %s: tool strategy is required", cfg.AgentID)
	}
	started := time.Now()

	traceID, err := w.traces.Create(cfg.SessionID, cfg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	var recOpts []trace.RecorderOption
	if w.mask != nil {
		recOpts = append(recOpts, trace.WithMask(w.mask))
	}
	recorder := trace.NewRecorder(w.traces, w.executor, traceID, w.logger, recOpts...)

	run := w.newRunState(task, cfg)
	run.Messages = w.prompts.BuildWorkerMessages(prompt.WorkerContext{
		AgentID:            cfg.AgentID,
		Task:               task,
		WorkDir:            cfg.WorkDir,
		CustomInstructions: cfg.CustomInstructions,
		StrategyHints:      cfg.Strategy.PromptHints(),
		Tools:              cfg.Strategy.Catalog(),
		RetryNote:          cfg.RetryNote,
	})

	pipeline := middleware.NewPipeline(w.logger, cfg.Middlewares...)
	loop := controller.NewLoop(w.registry, pipeline, recorder, cfg.Strategy, controller.Config{
		Temperature:               cfg.Temperature,
		MaxResponseTokens:         cfg.MaxResponseTokens,
		IterationTimeout:          cfg.IterationTimeout,
		ForceSynthesisOnHardLimit: cfg.ForceSynthesisOnHardLimit,
		EvaluateEscalation:        w.escalationPolicy(cfg),
	}, w.logger)

	attempt := cfg.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	run.Emit(events.EventAgentStart, events.AgentStartPayload{
		Type:    events.EventAgentStart,
		AgentID: cfg.AgentID,
		Task:    task,
		Tier:    string(run.Tier),
		Attempt: attempt,
	})

	res := loop.Run(ctx, run)

	if err := w.traces.Complete(traceID); err != nil {
		w.logger.Warn("completing trace failed",
			slog.String("run_id", cfg.RunID),
			slog.String("trace_id", traceID),
			slog.Any("error", err))
	}

	outcome := buildOutcome(run, res, recorder.TraceRef())

	// Completion hooks run even when the caller's context is gone; a stopped
	// run still flushes its analytics and memory.
	if err := pipeline.OnComplete(context.WithoutCancel(ctx), run); err != nil {
		w.logger.Error("completion hooks failed",
			slog.String("run_id", cfg.RunID),
			slog.Any("error", err))
	}

	run.Emit(events.EventAgentEnd, events.AgentEndPayload{
		Type:       events.EventAgentEnd,
		AgentID:    cfg.AgentID,
		Outcome:    string(outcome.Kind),
		StopCode:   string(res.StopCode),
		Iterations: run.Iteration,
		TokensUsed: run.TokensUsed,
		DurationMS: time.Since(started).Milliseconds(),
	})
	return outcome, nil
}

// newRunState seeds the shared run state from the execution config.
func (w *Worker) newRunState(task string, cfg Config) *middleware.RunState {
	run := middleware.NewRunState()
	run.RunID = cfg.RunID
	run.SessionID = cfg.SessionID
	run.AgentID = cfg.AgentID
	run.ParentAgentID = cfg.ParentAgentID
	run.Task = task
	run.Tier = cfg.Tier
	if run.Tier == "" {
		run.Tier = llm.TierMedium
	}
	run.MaxIterations = cfg.MaxIterations
	run.MaxTokens = cfg.MaxTokens
	run.WorkDir = cfg.WorkDir
	run.SessionDir = cfg.SessionDir
	run.Inbox = cfg.Inbox
	run.Emitter = &events.RunEmitter{
		Bus:           w.bus,
		RunID:         cfg.RunID,
		SessionID:     cfg.SessionID,
		AgentID:       cfg.AgentID,
		ParentAgentID: cfg.ParentAgentID,
	}
	return run
}

// escalationPolicy returns the configured escalation evaluator, defaulting to
// the stuck-run policy: hand back to the orchestrator once progress tracking
// marks the run stuck and a higher tier exists to escalate to.
func (w *Worker) escalationPolicy(cfg Config) func(*middleware.RunState) (bool, string) {
	if cfg.EvaluateEscalation != nil {
		return cfg.EvaluateEscalation
	}
	return func(run *middleware.RunState) (bool, string) {
		ps, _ := run.Meta[middleware.MetaProgress].(*middleware.ProgressState)
		if ps == nil || !ps.Stuck {
			return false, ""
		}
		if _, ok := run.Tier.Next(); !ok {
			return false, ""
		}
		return true, fmt.Sprintf("no tool progress for %d iterations at tier %s",
			ps.IterationsSinceProgress, run.Tier)
	}
}

// buildOutcome folds the loop's terminal record into the structured outcome.
// Escalations propagate as-is; an answer (reported, final-text or synthesized)
// completes the run; everything else fails with the loop's failure report and
// whatever partial progress the conversation holds.
func buildOutcome(run *middleware.RunState, res *controller.Result, traceRef string) *models.SpecialistOutcome {
	outcome := &models.SpecialistOutcome{
		StopCode:   res.StopCode,
		TokensUsed: run.TokensUsed,
		Iterations: run.Iteration,
	}
	switch {
	case res.Escalated:
		outcome.Kind = models.OutcomeEscalate
		outcome.EscalateReason = res.EscalateReason
		outcome.Partial = partialOutput(run, traceRef)
	case res.Answer != "":
		outcome.Kind = models.OutcomeCompleted
		outcome.Output = &models.SpecialistOutput{
			Summary:  res.Answer,
			TraceRef: traceRef,
			Claims:   res.Claims,
		}
	default:
		outcome.Kind = models.OutcomeFailed
		outcome.Failure = res.Failure
		if outcome.Failure == nil {
			outcome.Failure = &models.FailureReport{Kind: models.FailureUnknown, Message: res.Reason}
		}
		outcome.Partial = partialOutput(run, traceRef)
	}

	if outcome.Kind == models.OutcomeFailed &&
		outcome.Failure.Kind == models.FailureStuck &&
		res.DeniedCalls >= minDeniedForPolicyFailure {
		outcome.Failure = &models.FailureReport{
			Kind:    models.FailurePolicyDenied,
			Message: fmt.Sprintf("%d tool calls denied by permission policy: %s", res.DeniedCalls, outcome.Failure.Message),
			Detail:  map[string]any{"denied_calls": res.DeniedCalls},
		}
	}
	return outcome
}

// partialOutput salvages the newest assistant text as partial progress, so a
// failed subtask still contributes context downstream.
func partialOutput(run *middleware.RunState, traceRef string) *models.SpecialistOutput {
	for i := len(run.Messages) - 1; i >= 0; i-- {
		m := run.Messages[i]
		if m.Role == llm.RoleAssistant && m.Content != "" {
			return &models.SpecialistOutput{Summary: m.Content, TraceRef: traceRef}
		}
	}
	return nil
}
