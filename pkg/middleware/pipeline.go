package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// Pipeline dispatches lifecycle hooks to an ordered set of middlewares.
// Pre-hooks (onStart, beforeIteration, beforeLLMCall, beforeToolExec) run in
// ascending order; post-hooks (onStop, onComplete, afterIteration,
// afterLLMCall, afterToolExec) run in descending order, so the middleware
// closest to the loop core sees results first.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// NewPipeline builds a pipeline over the given middlewares, sorted by Order.
// The sort is stable: middlewares sharing an order keep registration order.
func NewPipeline(logger *slog.Logger, mws ...Middleware) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Middleware, len(mws))
	copy(sorted, mws)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Pipeline{middlewares: sorted, logger: logger}
}

// Middlewares returns the pipeline's middlewares in execution order.
func (p *Pipeline) Middlewares() []Middleware {
	return p.middlewares
}

// runHook invokes fn with the middleware's timeout, converting panics to
// errors and applying its fail policy. Fail-open errors are logged and
// swallowed; fail-closed errors propagate to abort the run.
func (p *Pipeline) runHook(ctx context.Context, m Middleware, hook string, fn func(context.Context) error) error {
	cfg := m.Config()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("middleware %s panicked in %s: %v", m.Name(), hook, r)
			}
		}()
		return fn(ctx)
	}()
	if err == nil {
		return nil
	}
	if cfg.FailPolicy == FailClosed {
		return fmt.Errorf("middleware %s failed in %s: %w", m.Name(), hook, err)
	}
	p.logger.Error("Middleware hook failed, continuing",
		slog.String("middleware", m.Name()),
		slog.String("hook", hook),
		slog.String("error", err.Error()))
	return nil
}

// OnStart runs the start hooks in ascending order.
func (p *Pipeline) OnStart(ctx context.Context, run *RunState) error {
	for _, m := range p.middlewares {
		h, ok := m.(StartHook)
		if !ok || !m.Enabled(run) {
			continue
		}
		if err := p.runHook(ctx, m, "onStart", func(ctx context.Context) error {
			return h.OnStart(ctx, run)
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnStop runs the stop hooks in descending order.
func (p *Pipeline) OnStop(ctx context.Context, run *RunState, code models.StopCode) error {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		m := p.middlewares[i]
		h, ok := m.(StopHook)
		if !ok || !m.Enabled(run) {
			continue
		}
		if err := p.runHook(ctx, m, "onStop", func(ctx context.Context) error {
			return h.OnStop(ctx, run, code)
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnComplete runs the completion hooks in descending order.
func (p *Pipeline) OnComplete(ctx context.Context, run *RunState) error {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		m := p.middlewares[i]
		h, ok := m.(CompleteHook)
		if !ok || !m.Enabled(run) {
			continue
		}
		if err := p.runHook(ctx, m, "onComplete", func(ctx context.Context) error {
			return h.OnComplete(ctx, run)
		}); err != nil {
			return err
		}
	}
	return nil
}

// BeforeIteration consults the iteration gates in ascending order. The first
// non-continue verdict short-circuits the remaining hooks.
func (p *Pipeline) BeforeIteration(ctx context.Context, run *RunState) (Action, error) {
	for _, m := range p.middlewares {
		h, ok := m.(BeforeIterationHook)
		if !ok || !m.Enabled(run) {
			continue
		}
		// The verdict is adopted only from a clean hook return; a failed
		// fail-open hook falls back to the neutral action.
		action := Continue
		if err := p.runHook(ctx, m, "beforeIteration", func(ctx context.Context) error {
			a, err := h.BeforeIteration(ctx, run)
			if err != nil {
				return err
			}
			action = a
			return nil
		}); err != nil {
			return Continue, err
		}
		if action.Kind != ActionContinue && action.Kind != "" {
			return action, nil
		}
	}
	return Continue, nil
}

// AfterIteration runs the post-iteration hooks in descending order.
func (p *Pipeline) AfterIteration(ctx context.Context, run *RunState) error {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		m := p.middlewares[i]
		h, ok := m.(AfterIterationHook)
		if !ok || !m.Enabled(run) {
			continue
		}
		if err := p.runHook(ctx, m, "afterIteration", func(ctx context.Context) error {
			return h.AfterIteration(ctx, run)
		}); err != nil {
			return err
		}
	}
	return nil
}

// BeforeLLMCall runs the call-shaping hooks in ascending order, applying
// each returned patch before the next hook sees the call. Later patches
// override earlier ones field by field.
func (p *Pipeline) BeforeLLMCall(ctx context.Context, call *LLMCallContext) error {
	for _, m := range p.middlewares {
		h, ok := m.(BeforeLLMCallHook)
		if !ok || !m.Enabled(call.Run) {
			continue
		}
		var patch *Patch
		if err := p.runHook(ctx, m, "beforeLLMCall", func(ctx context.Context) error {
			pt, err := h.BeforeLLMCall(ctx, call)
			if err != nil {
				return err
			}
			patch = pt
			return nil
		}); err != nil {
			return err
		}
		call.apply(patch)
	}
	return nil
}

// AfterLLMCall runs the call observers in descending order.
func (p *Pipeline) AfterLLMCall(ctx context.Context, call *LLMCallContext, result *llm.ChatResult) error {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		m := p.middlewares[i]
		h, ok := m.(AfterLLMCallHook)
		if !ok || !m.Enabled(call.Run) {
			continue
		}
		if err := p.runHook(ctx, m, "afterLLMCall", func(ctx context.Context) error {
			return h.AfterLLMCall(ctx, call, result)
		}); err != nil {
			return err
		}
	}
	return nil
}

// BeforeToolExec consults the tool gates in ascending order. Any skip vote
// short-circuits the remaining hooks.
func (p *Pipeline) BeforeToolExec(ctx context.Context, exec *ToolExecContext) (ToolDecision, error) {
	for _, m := range p.middlewares {
		h, ok := m.(BeforeToolExecHook)
		if !ok || !m.Enabled(exec.Run) {
			continue
		}
		decision := DecisionExecute
		if err := p.runHook(ctx, m, "beforeToolExec", func(ctx context.Context) error {
			d, err := h.BeforeToolExec(ctx, exec)
			if err != nil {
				return err
			}
			decision = d
			return nil
		}); err != nil {
			return DecisionExecute, err
		}
		if decision == DecisionSkip {
			return DecisionSkip, nil
		}
	}
	return DecisionExecute, nil
}

// AfterToolExec runs the tool observers in descending order. result is the
// real tool result, or the synthetic result when the call was skipped.
func (p *Pipeline) AfterToolExec(ctx context.Context, exec *ToolExecContext, result *tools.Result) error {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		m := p.middlewares[i]
		h, ok := m.(AfterToolExecHook)
		if !ok || !m.Enabled(exec.Run) {
			continue
		}
		if err := p.runHook(ctx, m, "afterToolExec", func(ctx context.Context) error {
			return h.AfterToolExec(ctx, exec, result)
		}); err != nil {
			return err
		}
	}
	return nil
}
