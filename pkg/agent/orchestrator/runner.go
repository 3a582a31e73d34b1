package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/agent/prompt"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/verify"
)

// delegate runs the plan's subtasks with at most cfg.MaxConcurrent workers in
// flight. A subtask dispatches only once every declared dependency succeeded;
// dependents of failed or skipped subtasks are skipped transitively. On
// cancellation nothing new dispatches, in-flight workers drain (they observe
// the context at their next iteration boundary), and the rest is skipped.
// Results come back in plan order.
func (o *Orchestrator) delegate(ctx context.Context, plan []models.SubTask) []models.DelegatedResult {
	pending := make(map[string]models.SubTask, len(plan))
	for _, sub := range plan {
		pending[sub.ID] = sub
	}
	done := make(map[string]*models.DelegatedResult, len(plan))

	// Buffered to the pool cap so a finishing worker never blocks behind a
	// scheduler that is busy dispatching.
	results := make(chan *models.DelegatedResult, o.cfg.MaxConcurrent)
	running := 0

	for len(done) < len(plan) {
		for _, sub := range planOrder(plan, pending) {
			if dep, blocked := failedDependency(sub, done); blocked {
				delete(pending, sub.ID)
				done[sub.ID] = o.skipSubtask(sub, dep)
			}
		}

		if ctx.Err() == nil {
			for running < o.cfg.MaxConcurrent {
				sub, ok := nextReady(plan, pending, done)
				if !ok {
					break
				}
				delete(pending, sub.ID)
				running++
				deps := dependencyOutputs(sub, done)
				go func(sub models.SubTask, deps []prompt.DependencyOutput) {
					results <- o.runSubtask(ctx, sub, deps)
				}(sub, deps)
			}
		}

		if running == 0 {
			if len(pending) == 0 {
				break
			}
			// Cancelled with work queued, or nothing can become ready
			// anymore: everything still pending is skipped.
			for _, sub := range planOrder(plan, pending) {
				delete(pending, sub.ID)
				done[sub.ID] = o.skipSubtask(sub, "")
			}
			continue
		}

		r := <-results
		running--
		done[r.SubTaskID] = r
	}

	out := make([]models.DelegatedResult, 0, len(plan))
	for _, sub := range plan {
		if r, ok := done[sub.ID]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// planOrder returns the pending subtasks in plan order.
func planOrder(plan []models.SubTask, pending map[string]models.SubTask) []models.SubTask {
	out := make([]models.SubTask, 0, len(pending))
	for _, sub := range plan {
		if _, ok := pending[sub.ID]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// failedDependency names the first declared dependency of sub that terminated
// without success.
func failedDependency(sub models.SubTask, done map[string]*models.DelegatedResult) (string, bool) {
	for _, dep := range sub.Dependencies {
		if r, ok := done[dep]; ok && !r.Success {
			return dep, true
		}
	}
	return "", false
}

// nextReady picks the dispatchable pending subtask with the lowest priority
// value, ties broken by id. Dispatchable means every dependency completed
// successfully.
func nextReady(plan []models.SubTask, pending map[string]models.SubTask, done map[string]*models.DelegatedResult) (models.SubTask, bool) {
	var best models.SubTask
	found := false
	for _, sub := range planOrder(plan, pending) {
		if !depsSatisfied(sub, done) {
			continue
		}
		if !found || sub.Priority < best.Priority || (sub.Priority == best.Priority && sub.ID < best.ID) {
			best = sub
			found = true
		}
	}
	return best, found
}

func depsSatisfied(sub models.SubTask, done map[string]*models.DelegatedResult) bool {
	for _, dep := range sub.Dependencies {
		r, ok := done[dep]
		if !ok || !r.Success {
			return false
		}
	}
	return true
}

// dependencyOutputs collects the outputs of sub's succeeded dependencies for
// the worker's task context.
func dependencyOutputs(sub models.SubTask, done map[string]*models.DelegatedResult) []prompt.DependencyOutput {
	var outs []prompt.DependencyOutput
	for _, dep := range sub.Dependencies {
		if r, ok := done[dep]; ok && r.Success && r.Output != "" {
			outs = append(outs, prompt.DependencyOutput{SubTaskID: dep, Output: r.Output})
		}
	}
	return outs
}

// runSubtask drives one subtask to a terminal result across the profile's
// escalation ladder: start at the first rung, climb on retryable failure or
// explicit escalation, redo at the same tier when verification rejects the
// output, and short-circuit failures retrying cannot fix. Attempts beyond the
// first wait out an exponential backoff with jitter.
func (o *Orchestrator) runSubtask(ctx context.Context, sub models.SubTask, deps []prompt.DependencyOutput) *models.DelegatedResult {
	started := time.Now()
	profile, ok := o.deps.Roster.Get(sub.AgentID)
	if !ok {
		profile = o.deps.Roster.Default()
	}
	ladder := profile.ladder()
	task := o.prompts.BuildSubtaskTask(sub, deps)

	var total models.TokenUsage
	var outcome *models.SpecialistOutcome
	tierIdx := 0
	retryNote := ""
	maxAttempts := o.cfg.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		tier := ladder[tierIdx]
		o.emitter.Emit(events.EventSubtaskStart, events.SubtaskStartPayload{
			Type:        events.EventSubtaskStart,
			SubTaskID:   sub.ID,
			AgentID:     sub.AgentID,
			Description: sub.Description,
			Tier:        string(tier),
			Attempt:     attempt,
		})

		var err error
		outcome, err = o.deps.Workers.Execute(ctx, task, o.workerConfig(sub, profile, tier, attempt, retryNote))
		if err != nil {
			// Dispatch failed before the worker's loop started. Retryable at
			// the same tier, unlike failures the worker itself reports.
			o.logger.Warn("worker dispatch failed",
				slog.String("run_id", o.cfg.RunID),
				slog.String("subtask_id", sub.ID),
				slog.String("agent_id", sub.AgentID),
				slog.Any("error", err))
			outcome = &models.SpecialistOutcome{
				Kind:    models.OutcomeFailed,
				Failure: &models.FailureReport{Kind: models.FailureUnknown, Message: err.Error()},
			}
			if attempt >= maxAttempts {
				return o.finishSubtask(sub, outcome, total, started, false, "", err.Error())
			}
		} else {
			total.Add(outcome.TokensUsed)

			switch outcome.Kind {
			case models.OutcomeCompleted:
				vres := o.verifyOutput(outcome.Output)
				if vres.Valid {
					return o.finishSubtask(sub, outcome, total, started, true, outputSummary(outcome), "")
				}
				// The model answered; its claims did not hold. Redo at the
				// same tier with the verifier's findings injected.
				retryNote = o.prompts.BuildVerificationRetryNote(outputSummary(outcome), vres.ErrorStrings())
				if attempt >= maxAttempts {
					return o.finishSubtask(sub, outcome, total, started, false, "",
						fmt.Sprintf("output failed verification at level %d", vres.Level))
				}

			case models.OutcomeEscalate:
				if tierIdx+1 >= len(ladder) {
					return o.finishSubtask(sub, outcome, total, started, false, partialSummary(outcome),
						"escalation requested at top tier: "+outcome.EscalateReason)
				}
				tierIdx++
				retryNote = ""
				if attempt >= maxAttempts {
					return o.finishSubtask(sub, outcome, total, started, false, partialSummary(outcome),
						"retry budget exhausted: "+outcome.EscalateReason)
				}

			case models.OutcomeFailed:
				kind := models.FailureUnknown
				msg := "worker failed"
				if outcome.Failure != nil {
					kind = outcome.Failure.Kind
					msg = outcome.Failure.Message
				}
				// validation_failed retries only on a reformulated prompt;
				// without partial progress there is nothing to reformulate
				// from, so the ladder cannot help.
				if !kind.Retryable() || (kind == models.FailureValidationFailed && outcome.Partial == nil) {
					return o.finishSubtask(sub, outcome, total, started, false, partialSummary(outcome), msg)
				}
				if tierIdx+1 < len(ladder) {
					tierIdx++
				}
				retryNote = ""
				if attempt >= maxAttempts {
					return o.finishSubtask(sub, outcome, total, started, false, partialSummary(outcome), msg)
				}
			}
		}

		if err := o.waitBackoff(ctx, attempt); err != nil {
			return o.finishSubtask(sub, outcome, total, started, false, partialSummary(outcome),
				"run cancelled during retry backoff")
		}
	}
}

// workerConfig assembles the per-dispatch worker configuration from the
// profile and the orchestrator's run identity. Strategy and middlewares are
// built fresh per dispatch; both carry per-run state.
func (o *Orchestrator) workerConfig(sub models.SubTask, profile Profile, tier llm.Tier, attempt int, retryNote string) agent.Config {
	cfg := agent.Config{
		RunID:                     o.cfg.RunID,
		SessionID:                 o.cfg.SessionID,
		AgentID:                   sub.AgentID,
		ParentAgentID:             o.cfg.AgentID,
		Tier:                      tier,
		Temperature:               profile.Temperature,
		MaxIterations:             profile.MaxIterations,
		MaxTokens:                 profile.MaxTokens,
		MaxResponseTokens:         profile.MaxResponseTokens,
		IterationTimeout:          profile.IterationTimeout,
		ForceSynthesisOnHardLimit: profile.ForceSynthesisOnHardLimit,
		WorkDir:                   o.cfg.WorkDir,
		SessionDir:                o.cfg.SessionDir,
		Attempt:                   attempt,
		CustomInstructions:        profile.CustomInstructions,
		RetryNote:                 retryNote,
	}
	if profile.Strategy != nil {
		cfg.Strategy = profile.Strategy()
	}
	if profile.Middlewares != nil {
		cfg.Middlewares = profile.Middlewares()
	}
	return cfg
}

// verifyOutput runs the verifier over a completed worker output. No verifier
// configured means every output is accepted at face value.
func (o *Orchestrator) verifyOutput(output *models.SpecialistOutput) *verify.Result {
	if o.deps.Verifier == nil {
		return &verify.Result{Valid: true, Level: 3}
	}
	var traceRef string
	var claims int
	if output != nil {
		traceRef = output.TraceRef
		claims = len(output.Claims)
	}
	o.emitter.Emit(events.EventVerificationStart, events.VerificationStartPayload{
		Type:     events.EventVerificationStart,
		TraceRef: traceRef,
		Claims:   claims,
	})
	started := time.Now()
	res := o.deps.Verifier.Verify(output, o.cfg.WorkDir)
	o.emitter.Emit(events.EventVerificationComplete, events.VerificationCompletePayload{
		Type:       events.EventVerificationComplete,
		TraceRef:   traceRef,
		Valid:      res.Valid,
		Level:      res.Level,
		Errors:     res.ErrorStrings(),
		DurationMS: time.Since(started).Milliseconds(),
	})
	return res
}

// finishSubtask builds the terminal result and emits subtask:end.
func (o *Orchestrator) finishSubtask(sub models.SubTask, outcome *models.SpecialistOutcome, total models.TokenUsage, started time.Time, success bool, output, errMsg string) *models.DelegatedResult {
	r := &models.DelegatedResult{
		SubTaskID:  sub.ID,
		AgentID:    sub.AgentID,
		Success:    success,
		Output:     output,
		TokensUsed: total.Total,
		DurationMS: time.Since(started).Milliseconds(),
		Error:      errMsg,
	}
	if outcome != nil {
		r.Outcome = *outcome
	}
	o.emitter.Emit(events.EventSubtaskEnd, events.SubtaskEndPayload{
		Type:       events.EventSubtaskEnd,
		SubTaskID:  sub.ID,
		AgentID:    sub.AgentID,
		Success:    success,
		Error:      errMsg,
		DurationMS: r.DurationMS,
	})
	return r
}

// skipSubtask records a subtask that never ran. depID names the dependency
// that blocked it; empty means the run was cancelled before dispatch.
func (o *Orchestrator) skipSubtask(sub models.SubTask, depID string) *models.DelegatedResult {
	reason := "run cancelled before dispatch"
	if depID != "" {
		reason = fmt.Sprintf("dependency %s did not succeed", depID)
	}
	o.emitter.Emit(events.EventSubtaskEnd, events.SubtaskEndPayload{
		Type:      events.EventSubtaskEnd,
		SubTaskID: sub.ID,
		AgentID:   sub.AgentID,
		Skipped:   true,
		Error:     reason,
	})
	return &models.DelegatedResult{
		SubTaskID: sub.ID,
		AgentID:   sub.AgentID,
		Skipped:   true,
		Error:     reason,
	}
}

// waitBackoff sleeps out the exponential backoff before the next attempt.
// Jitter spreads retries of subtasks that failed together.
func (o *Orchestrator) waitBackoff(ctx context.Context, attempt int) error {
	backoff := o.cfg.RetryBackoff << (attempt - 1)
	backoff += time.Duration(rand.Int64N(int64(backoff)/2 + 1))
	select {
	case <-time.After(backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outputSummary returns the completed output's summary.
func outputSummary(outcome *models.SpecialistOutcome) string {
	if outcome.Output == nil {
		return ""
	}
	return outcome.Output.Summary
}

// partialSummary salvages whatever partial progress the outcome carries so a
// failed subtask still contributes context to synthesis.
func partialSummary(outcome *models.SpecialistOutcome) string {
	if outcome == nil || outcome.Partial == nil {
		return ""
	}
	return outcome.Partial.Summary
}
