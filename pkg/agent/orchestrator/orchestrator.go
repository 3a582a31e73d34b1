package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/casey/pkg/agent/prompt"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// Defaults for unset Config fields.
const (
	defaultAgentID       = "orchestrator"
	defaultMaxConcurrent = 3
	defaultMaxRetries    = 2
	defaultRetryBackoff  = 500 * time.Millisecond
)

// Synthesis call budget. Slightly warmer than planning: the answer is prose.
const (
	synthesisTemperature = 0.3
	synthesisMaxTokens   = 2048
)

// Orchestrator drives one run end to end: plan, delegate, verify, synthesize,
// judge. Instances are per-run; shared infrastructure arrives in Deps.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	prompts *prompt.Builder
	emitter *events.RunEmitter
	logger  *slog.Logger
}

// NewOrchestrator validates deps and binds the run configuration, applying
// defaults for unset fields.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, ErrNoRegistry
	}
	if deps.Workers == nil {
		return nil, ErrNoWorkers
	}
	if deps.Roster == nil || len(deps.Roster.profiles) == 0 {
		return nil, ErrNoProfiles
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.AgentID == "" {
		cfg.AgentID = defaultAgentID
	}
	if cfg.Tier == "" {
		cfg.Tier = llm.TierLarge
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		prompts: prompt.NewBuilder(),
		emitter: &events.RunEmitter{
			Bus:       deps.Bus,
			RunID:     cfg.RunID,
			SessionID: cfg.SessionID,
			AgentID:   cfg.AgentID,
		},
		logger: deps.Logger,
	}, nil
}

// Execute runs the task to a terminal result. The context governs the whole
// run: on cancellation nothing new dispatches, outstanding delegations drain
// at their next iteration boundary, and the result is marked aborted.
func (o *Orchestrator) Execute(ctx context.Context, task string) *models.OrchestratorResult {
	started := time.Now()
	ctx = tools.WithRunScope(ctx, tools.RunScope{RunID: o.cfg.RunID, SessionID: o.cfg.SessionID})
	o.emitter.Emit(events.EventOrchestratorStart, events.OrchestratorStartPayload{
		Type: events.EventOrchestratorStart,
		Task: task,
	})

	var usage models.TokenUsage

	plan, planUsage := o.plan(ctx, task)
	usage.Add(planUsage)
	direct := len(plan) == 1
	o.emitter.Emit(events.EventOrchestratorPlan, events.OrchestratorPlanPayload{
		Type:     events.EventOrchestratorPlan,
		SubTasks: plan,
		Direct:   direct,
	})

	results := o.delegate(ctx, plan)
	for _, r := range results {
		// DelegatedResult carries a flat total across ladder attempts; the
		// prompt/completion split is only known per attempt.
		usage.Add(models.TokenUsage{Total: r.TokensUsed})
	}

	res := &models.OrchestratorResult{
		Plan:             plan,
		DelegatedResults: results,
	}
	completed, failed, skipped := tally(results)

	switch {
	case ctx.Err() != nil:
		res.Aborted = true
		res.Error = "run aborted"
	case completed == 0:
		res.Error = "all subtasks failed"
	default:
		answer, synthUsage := o.synthesize(ctx, task, direct, results)
		usage.Add(synthUsage)
		res.Answer = answer
		if answer == "" {
			res.Error = "no answer produced"
		} else if o.deps.Judge != nil {
			verdict, judgeUsage, err := o.deps.Judge.Score(ctx, task, answer, succeededTraceRefs(results), o.cfg.Tier)
			if err != nil {
				o.logger.Warn("answer verdict failed",
					slog.String("run_id", o.cfg.RunID),
					slog.Any("error", err))
			} else {
				res.Verdict = verdict
				usage.Add(judgeUsage)
			}
		}
		o.emitter.Emit(events.EventOrchestratorAnswer, events.OrchestratorAnswerPayload{
			Type:    events.EventOrchestratorAnswer,
			Answer:  answer,
			Verdict: res.Verdict,
		})
		if answer != "" && o.deps.Archive != nil {
			if err := o.deps.Archive.AppendAnswer(o.cfg.SessionID, o.cfg.RunID, answer); err != nil {
				o.logger.Warn("answer archive failed",
					slog.String("run_id", o.cfg.RunID),
					slog.Any("error", err))
			} else {
				o.emitter.Emit(events.EventMemoryWrite, events.MemoryPayload{
					Type:    events.EventMemoryWrite,
					Store:   "archive",
					Entries: 1,
				})
			}
		}
	}

	res.Success = !res.Aborted && res.Answer != "" && completed > 0
	res.TokensUsed = usage
	res.DurationMS = time.Since(started).Milliseconds()

	o.emitter.Emit(events.EventOrchestratorEnd, events.OrchestratorEndPayload{
		Type:           events.EventOrchestratorEnd,
		Success:        res.Success,
		CompletedCount: completed,
		FailedCount:    failed,
		SkippedCount:   skipped,
		DurationMS:     res.DurationMS,
		Aborted:        res.Aborted,
	})
	return res
}

// synthesize produces the final answer. A direct forward returns the single
// worker's output verbatim; a decomposed plan gets one tool-less synthesis
// call over every delegated result, successes and failures both, so the
// answer can state what remains unfinished. A failed synthesis call degrades
// to concatenating the successful outputs.
func (o *Orchestrator) synthesize(ctx context.Context, task string, direct bool, results []models.DelegatedResult) (string, models.TokenUsage) {
	var usage models.TokenUsage

	// Corrections routed to the orchestrator arrive too late to replan;
	// they still shape the answer.
	if o.cfg.Inbox != nil {
		if notes := o.cfg.Inbox.Drain(); len(notes) > 0 {
			task = task + "\n\n" + strings.Join(notes, "\n\n")
			direct = false
		}
	}

	successes := make([]models.DelegatedResult, 0, len(results))
	for _, r := range results {
		if r.Success {
			successes = append(successes, r)
		}
	}
	if direct && len(successes) == 1 {
		return successes[0].Output, usage
	}

	o.emitter.Emit(events.EventSynthesisStart, events.SynthesisPayload{
		Type:    events.EventSynthesisStart,
		Results: len(successes),
	})

	var answer string
	client, tier, err := o.deps.Registry.Resolve(o.cfg.Tier)
	if err == nil {
		var res *llm.ChatResult
		res, err = o.chat(ctx, client, o.prompts.BuildSynthesisMessages(task, results), synthesisTemperature, synthesisMaxTokens, &usage)
		if err == nil {
			answer = strings.TrimSpace(res.Content)
		}
	}
	if err != nil {
		o.logger.Warn("synthesis failed, concatenating worker outputs",
			slog.String("run_id", o.cfg.RunID),
			slog.String("tier", string(tier)),
			slog.Any("error", err))
		answer = concatOutputs(successes)
	}

	o.emitter.Emit(events.EventSynthesisComplete, events.SynthesisPayload{
		Type:    events.EventSynthesisComplete,
		Results: len(successes),
	})
	return answer, usage
}

// concatOutputs is the degraded no-model answer: each successful subtask's
// output under its id.
func concatOutputs(successes []models.DelegatedResult) string {
	var sb strings.Builder
	for _, r := range successes {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(r.SubTaskID)
		sb.WriteString("\n\n")
		sb.WriteString(r.Output)
	}
	return sb.String()
}

// tally counts terminal result states.
func tally(results []models.DelegatedResult) (completed, failed, skipped int) {
	for _, r := range results {
		switch {
		case r.Success:
			completed++
		case r.Skipped:
			skipped++
		default:
			failed++
		}
	}
	return completed, failed, skipped
}

// succeededTraceRefs collects the trace refs of successful subtasks as the
// judge's evidence set.
func succeededTraceRefs(results []models.DelegatedResult) []string {
	var refs []string
	for _, r := range results {
		if r.Success && r.Outcome.Output != nil && r.Outcome.Output.TraceRef != "" {
			refs = append(refs, r.Outcome.Output.TraceRef)
		}
	}
	return refs
}
