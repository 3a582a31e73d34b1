// Package controller implements the iteration loop that drives one worker
// execution: model call, tool batch, repeat, until a stop condition fires.
// Stop conditions follow a strict priority order; middleware hooks wrap every
// phase through the pipeline.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// Defaults for tuning knobs left at zero.
const (
	DefaultMaxIterations    = 20
	DefaultIterationTimeout = 120 * time.Second
	defaultRateLimitPause   = 2 * time.Second
)

// maxConsecutiveTimeouts ends the run after this many timed-out rounds in a
// row. One timeout is retried; two in a row mean the environment, not the
// attempt, is the problem.
const maxConsecutiveTimeouts = 2

// iterationState tracks transient failures across iterations. Timeouts count
// consecutively and abort at the ceiling; any other failure or a success
// resets the streak.
type iterationState struct {
	consecutiveTimeouts int
	lastError           string
	deniedCalls         int
}

func (s *iterationState) recordSuccess() {
	s.consecutiveTimeouts = 0
	s.lastError = ""
}

func (s *iterationState) recordFailure(msg string, timeout bool) {
	s.lastError = msg
	if timeout {
		s.consecutiveTimeouts++
		return
	}
	s.consecutiveTimeouts = 0
}

func (s *iterationState) abortOnTimeouts() bool {
	return s.consecutiveTimeouts >= maxConsecutiveTimeouts
}

// ToolSource yields the tool definitions advertised to the model each
// iteration. Gated strategies grow the set as the run progresses, so the
// loop asks again every iteration and reports each execution back through
// Observe.
type ToolSource interface {
	Definitions(run *middleware.RunState) []llm.ToolDefinition
	Mutating(name string) bool
	Observe(name string, res *tools.Result)
}

// Config tunes one loop execution. Iteration and token budgets live on the
// run state, where hooks can adjust them mid-run.
type Config struct {
	Temperature       float64
	MaxResponseTokens int           // per-call completion cap; 0 uses the provider default
	IterationTimeout  time.Duration // wall clock per iteration; DefaultIterationTimeout when 0
	RateLimitPause    time.Duration // pause before retrying a rate-limited model call

	// ForceSynthesisOnHardLimit salvages a final answer with one tool-less
	// model call when the token budget runs out.
	ForceSynthesisOnHardLimit bool

	// EvaluateEscalation decides after each iteration whether the run should
	// be handed back to the orchestrator for a higher tier. Nil disables
	// evaluation; the loop itself never retries a tier.
	EvaluateEscalation func(run *middleware.RunState) (shouldEscalate bool, reason string)
}

// Result is the loop's terminal record. Answer carries the report answer,
// the final assistant text or the forced-synthesis text depending on how the
// run ended; Failure is set for every stop that produced no answer.
type Result struct {
	StopCode models.StopCode
	Reason   string

	Answer      string
	Claims      []models.Claim
	Synthesized bool // Answer came from a forced synthesis call

	Escalated      bool
	EscalateReason string

	Failure *models.FailureReport

	// DeniedCalls counts tool invocations rejected by permission policy,
	// so the caller can classify a blocked run as non-retryable.
	DeniedCalls int
}

// Loop drives one worker's iterations. The conversation, budgets and Meta
// hints live on the RunState; the loop owns stop-condition evaluation and
// the hook choreography around each model and tool call.
type Loop struct {
	registry *llm.Registry
	pipeline *middleware.Pipeline
	executor tools.Executor
	source   ToolSource
	cfg      Config
	logger   *slog.Logger
}

// NewLoop builds a loop. executor is typically the trace recorder wrapping
// the tool registry.
func NewLoop(registry *llm.Registry, pipeline *middleware.Pipeline, executor tools.Executor, source ToolSource, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IterationTimeout <= 0 {
		cfg.IterationTimeout = DefaultIterationTimeout
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = defaultRateLimitPause
	}
	return &Loop{
		registry: registry,
		pipeline: pipeline,
		executor: executor,
		source:   source,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes iterations until a stop condition fires and returns the
// terminal record. Stop conditions, strongest first: report_complete,
// abort_signal, max_iterations, hard_token_limit, loop_detected,
// no_tool_calls, iteration_error. Escalation requests are returned to the
// caller instead of a stop code. The stop hooks fire on every exit path.
func (l *Loop) Run(ctx context.Context, run *middleware.RunState) *Result {
	if run.Iteration <= 0 {
		run.Iteration = 1
	}
	if run.MaxIterations <= 0 {
		run.MaxIterations = DefaultMaxIterations
	}

	if err := l.pipeline.OnStart(ctx, run); err != nil {
		return l.finish(ctx, run, failResult(err))
	}

	var st iterationState
	for {
		var res *Result
		switch {
		case ctx.Err() != nil:
			run.Iteration-- // the aborted pass never ran
			res = aborted()
		case run.Iteration > run.MaxIterations:
			// Hooks may have raised MaxIterations; the check reads the
			// latest value each pass.
			run.Iteration = run.MaxIterations
			reason := fmt.Sprintf("no report after %d iterations", run.MaxIterations)
			res = &Result{
				StopCode: models.StopMaxIterations,
				Reason:   reason,
				Failure:  failureFor(models.StopMaxIterations, reason),
			}
		default:
			var next bool
			res, next = l.iterate(ctx, run, &st)
			if next {
				run.Iteration++
				continue
			}
		}
		res.DeniedCalls = st.deniedCalls
		return l.finish(ctx, run, res)
	}
}

// iterate runs one full iteration. It returns the terminal result once a
// stop condition fires, or (nil, true) to keep looping.
func (l *Loop) iterate(ctx context.Context, run *middleware.RunState, st *iterationState) (*Result, bool) {
	iterCtx, cancel := context.WithTimeout(ctx, l.cfg.IterationTimeout)
	defer cancel()

	// Operator corrections queued since the last pass join the conversation
	// before anything else sees it.
	if run.Inbox != nil {
		for _, msg := range run.Inbox.Drain() {
			run.Messages = append(run.Messages, llm.Message{Role: llm.RoleUser, Content: msg})
			l.logger.Info("correction applied",
				slog.String("run_id", run.RunID),
				slog.String("agent_id", run.AgentID),
				slog.Int("iteration", run.Iteration))
		}
	}

	// Step 1: iteration gates.
	action, err := l.pipeline.BeforeIteration(iterCtx, run)
	if err != nil {
		return failResult(err), false
	}
	switch action.Kind {
	case middleware.ActionStop:
		return l.stopFromHook(ctx, run, action), false
	case middleware.ActionEscalate:
		return &Result{Escalated: true, EscalateReason: action.Reason, Reason: action.Reason}, false
	}

	// Step 2: hard token budget.
	if run.MaxTokens > 0 && run.TokensUsed.Total >= run.MaxTokens {
		reason := fmt.Sprintf("token budget exhausted: %d of %d used", run.TokensUsed.Total, run.MaxTokens)
		return l.stopOnHardLimit(ctx, run, reason), false
	}

	// Step 3: build the pending call and let middlewares shape it.
	call := &middleware.LLMCallContext{
		Run:         run,
		Messages:    run.Messages,
		Tools:       l.source.Definitions(run),
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxResponseTokens,
		Tier:        run.Tier,
	}
	if err := l.pipeline.BeforeLLMCall(iterCtx, call); err != nil {
		return failResult(err), false
	}

	// Step 4: invoke the model.
	client, tier, err := l.registry.Resolve(call.Tier)
	if err != nil {
		return failResult(err), false
	}
	l.logger.Debug("model call",
		slog.String("run_id", run.RunID),
		slog.Int("iteration", run.Iteration),
		slog.String("tier", string(tier)),
		slog.Int("messages", len(call.Messages)),
		slog.Int("tools", len(call.Tools)))
	result, llmErr := client.Chat(iterCtx, llm.ChatRequest{
		Messages:    call.Messages,
		Tools:       call.Tools,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
		OnChunk: func(delta string) {
			run.Emit(events.EventLLMChunk, events.LLMChunkPayload{Type: events.EventLLMChunk, Delta: delta})
		},
	})
	if llmErr != nil {
		return l.recoverLLMError(ctx, run, st, llmErr)
	}
	st.recordSuccess()
	run.TokensUsed.Add(models.TokenUsage{
		Prompt:     result.Usage.PromptTokens,
		Completion: result.Usage.CompletionTokens,
		Total:      result.Usage.Total(),
	})

	// Step 5: observers.
	if err := l.pipeline.AfterLLMCall(iterCtx, call, result); err != nil {
		return failResult(err), false
	}

	// The assistant turn always lands in canonical history, tool calls and all.
	run.Messages = append(run.Messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
	})

	// Step 6: a bare answer ends the run.
	if len(result.ToolCalls) == 0 {
		if result.Content != "" {
			return &Result{
				StopCode: models.StopNoToolCalls,
				Reason:   "model returned a final answer without tool calls",
				Answer:   result.Content,
			}, false
		}
		// Empty turn: nudge the model and spend the iteration.
		run.Messages = append(run.Messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Your last response was empty. Continue the task, or call the report tool with your final answer.",
		})
		return l.endIteration(iterCtx, run)
	}

	// Steps 7 and 8: run the batch; a valid report call ends the run.
	res, proceed := l.runToolCalls(ctx, iterCtx, run, st, result.ToolCalls, call.Tools)
	if res != nil {
		return res, false
	}
	if !proceed {
		// Timed out mid-batch; the retry note is already appended.
		return nil, true
	}

	// Step 9: loop detection, then escalation evaluation.
	if ps := progressOf(run); ps != nil && ps.LoopDetected {
		return &Result{
			StopCode: models.StopLoopDetected,
			Reason:   ps.LoopReason,
			Failure:  failureFor(models.StopLoopDetected, ps.LoopReason),
		}, false
	}
	if l.cfg.EvaluateEscalation != nil {
		if up, reason := l.cfg.EvaluateEscalation(run); up {
			return &Result{Escalated: true, EscalateReason: reason, Reason: reason}, false
		}
	}

	// Step 10; step 11's increment happens in Run.
	return l.endIteration(iterCtx, run)
}

// endIteration runs the post-iteration hooks and signals Run to keep going.
func (l *Loop) endIteration(iterCtx context.Context, run *middleware.RunState) (*Result, bool) {
	if err := l.pipeline.AfterIteration(iterCtx, run); err != nil {
		return failResult(err), false
	}
	return nil, true
}

// recoverLLMError applies the retry policy for a failed model call: abort on
// external cancellation, count timeouts, pause when rate limited, and
// otherwise feed the error back as a retry note.
func (l *Loop) recoverLLMError(ctx context.Context, run *middleware.RunState, st *iterationState, llmErr error) (*Result, bool) {
	if ctx.Err() != nil {
		return aborted(), false
	}
	isTimeout := errors.Is(llmErr, context.DeadlineExceeded)
	st.recordFailure(llmErr.Error(), isTimeout)

	kind := models.FailureUnknown
	if isTimeout {
		kind = models.FailureTimeout
	}
	run.Emit(events.EventAgentError, events.AgentErrorPayload{
		Type:    events.EventAgentError,
		AgentID: run.AgentID,
		Kind:    string(kind),
		Message: llmErr.Error(),
	})
	l.logger.Warn("model call failed, retrying",
		slog.String("run_id", run.RunID),
		slog.Int("iteration", run.Iteration),
		slog.Bool("timeout", isTimeout),
		slog.Any("error", llmErr))

	if st.abortOnTimeouts() {
		return &Result{
			StopCode: models.StopIterationError,
			Reason:   "consecutive model timeouts",
			Failure: &models.FailureReport{
				Kind:    models.FailureTimeout,
				Message: fmt.Sprintf("model timed out %d times in a row", st.consecutiveTimeouts),
			},
		}, false
	}
	if errors.Is(llmErr, llm.ErrRateLimited) {
		l.pause(ctx, l.cfg.RateLimitPause)
	}
	run.Messages = append(run.Messages, llm.Message{Role: llm.RoleUser, Content: retryMessage(llmErr)})
	return nil, true
}

// stopFromHook maps a middleware stop verdict to a terminal result. A hard
// token stop may first salvage an answer through forced synthesis.
func (l *Loop) stopFromHook(ctx context.Context, run *middleware.RunState, action middleware.Action) *Result {
	code := action.Code
	if code == "" {
		code = models.StopIterationError
	}
	if code == models.StopHardTokenLimit {
		return l.stopOnHardLimit(ctx, run, action.Reason)
	}
	return &Result{
		StopCode: code,
		Reason:   action.Reason,
		Failure:  failureFor(code, action.Reason),
	}
}

// stopOnHardLimit ends the run over budget, first salvaging an answer with a
// tool-less synthesis call when configured.
func (l *Loop) stopOnHardLimit(ctx context.Context, run *middleware.RunState, reason string) *Result {
	res := &Result{StopCode: models.StopHardTokenLimit, Reason: reason}
	if l.cfg.ForceSynthesisOnHardLimit || run.MetaBool(middleware.MetaForceSynthesis) {
		if answer, ok := l.forceSynthesis(ctx, run, reason); ok {
			res.Answer = answer
			res.Synthesized = true
			return res
		}
	}
	res.Failure = failureFor(models.StopHardTokenLimit, reason)
	return res
}

// forcedSynthesisPrompt asks for a conclusion from the work done so far. The
// call advertises no tools, so the model cannot keep investigating.
const forcedSynthesisPrompt = "Your token budget is exhausted. Provide your best final answer now, " +
	"based only on the work above. Summarize what you accomplished, what remains unverified, " +
	"and any caveats. Do not request any tools."

// forceSynthesis makes one tool-less model call to rescue an answer from a
// run that hit its hard token limit. The call bypasses the hook pipeline, so
// the loop emits the llm events itself.
func (l *Loop) forceSynthesis(ctx context.Context, run *middleware.RunState, reason string) (string, bool) {
	run.Emit(events.EventSynthesisForced, events.SynthesisPayload{Type: events.EventSynthesisForced, Reason: reason})

	client, tier, err := l.registry.Resolve(run.Tier)
	if err != nil {
		l.logger.Error("forced synthesis skipped: no model available",
			slog.String("run_id", run.RunID), slog.Any("error", err))
		return "", false
	}

	messages := append(append([]llm.Message{}, run.Messages...), llm.Message{
		Role:    llm.RoleUser,
		Content: forcedSynthesisPrompt,
	})
	run.Emit(events.EventLLMStart, events.LLMStartPayload{
		Type:         events.EventLLMStart,
		Tier:         string(tier),
		MessageCount: len(messages),
		Temperature:  l.cfg.Temperature,
	})

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.IterationTimeout)
	defer cancel()
	started := time.Now()
	result, err := client.Chat(callCtx, llm.ChatRequest{
		Messages:    messages,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxResponseTokens,
	})
	if err != nil {
		l.logger.Error("forced synthesis call failed",
			slog.String("run_id", run.RunID), slog.Any("error", err))
		return "", false
	}

	usage := models.TokenUsage{
		Prompt:     result.Usage.PromptTokens,
		Completion: result.Usage.CompletionTokens,
		Total:      result.Usage.Total(),
	}
	run.TokensUsed.Add(usage)
	run.Emit(events.EventLLMEnd, events.LLMEndPayload{
		Type:       events.EventLLMEnd,
		StopReason: string(result.StopReason),
		Content:    result.Content,
		Usage:      usage,
		DurationMS: time.Since(started).Milliseconds(),
	})
	run.Messages = append(run.Messages, llm.Message{Role: llm.RoleAssistant, Content: result.Content})
	return result.Content, result.Content != ""
}

// finish fires the stop hooks with the recorded code and hands the result
// back. Abort must not starve the hooks (the fact sheet persists here), so
// they run detached from the caller's cancellation with their own timeouts
// still applied.
func (l *Loop) finish(ctx context.Context, run *middleware.RunState, res *Result) *Result {
	stopCtx := context.WithoutCancel(ctx)
	if err := l.pipeline.OnStop(stopCtx, run, res.StopCode); err != nil {
		l.logger.Error("stop hooks failed",
			slog.String("run_id", run.RunID),
			slog.String("stop_code", string(res.StopCode)),
			slog.Any("error", err))
	}
	l.logger.Info("run stopped",
		slog.String("run_id", run.RunID),
		slog.String("agent_id", run.AgentID),
		slog.String("stop_code", string(res.StopCode)),
		slog.Bool("escalated", res.Escalated),
		slog.Int("iterations", run.Iteration),
		slog.Int("tokens", run.TokensUsed.Total))
	return res
}

// pause sleeps without outliving the run.
func (l *Loop) pause(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func aborted() *Result {
	return &Result{
		StopCode: models.StopAbortSignal,
		Reason:   "external cancellation observed",
		Failure:  failureFor(models.StopAbortSignal, ""),
	}
}

// failResult wraps an infrastructure error (fail-closed hook, unresolvable
// tier) as an iteration_error stop.
func failResult(err error) *Result {
	return &Result{
		StopCode: models.StopIterationError,
		Reason:   err.Error(),
		Failure:  &models.FailureReport{Kind: models.FailureUnknown, Message: err.Error()},
	}
}

// failureFor classifies a non-answer stop into the failure taxonomy.
func failureFor(code models.StopCode, reason string) *models.FailureReport {
	switch code {
	case models.StopAbortSignal:
		return &models.FailureReport{
			Kind:    models.FailureUnknown,
			Message: "run aborted",
			Detail:  map[string]any{"aborted": true},
		}
	case models.StopMaxIterations, models.StopLoopDetected:
		return &models.FailureReport{Kind: models.FailureStuck, Message: reason}
	case models.StopHardTokenLimit:
		return &models.FailureReport{
			Kind:    models.FailureUnknown,
			Message: reason,
			Detail:  map[string]any{"stop_code": string(code)},
		}
	default:
		return &models.FailureReport{Kind: models.FailureUnknown, Message: reason}
	}
}

func progressOf(run *middleware.RunState) *middleware.ProgressState {
	ps, _ := run.Meta[middleware.MetaProgress].(*middleware.ProgressState)
	return ps
}

// retryMessage feeds a transient failure back to the model so the next
// attempt can adjust.
func retryMessage(err error) string {
	return fmt.Sprintf("Error from previous attempt: %v. Please try again.", err)
}
