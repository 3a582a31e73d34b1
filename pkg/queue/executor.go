package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/casey/pkg/agent/orchestrator"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/run"
)

// rootAgentID is how the orchestrator identifies itself in events and as the
// correction fallback target.
const rootAgentID = "orchestrator"

// Engine runs the per-run orchestration to completion. The production
// implementation wraps the resolved agent runtime; tests substitute a fake.
type Engine interface {
	Run(ctx context.Context, r *models.Run) *models.OrchestratorResult
}

// RunExecutor executes claimed runs: it registers the run with the run
// manager (making Stop and Correct reachable), hands the task to the engine,
// and maps the orchestration outcome onto the run's terminal state.
type RunExecutor struct {
	engine Engine
	runs   *run.Manager
	logger *slog.Logger
}

// NewRunExecutor builds an executor. runs may be nil in tests; Stop and
// Correct are then unavailable for the executed runs.
func NewRunExecutor(engine Engine, runs *run.Manager, logger *slog.Logger) *RunExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunExecutor{engine: engine, runs: runs, logger: logger}
}

// Execute processes one run to a terminal outcome. A Stop through the run
// manager cancels only this run's context, so the surrounding worker context
// (and its timeout) stays distinguishable: parent deadline means failed,
// child-only cancellation means stopped.
func (e *RunExecutor) Execute(ctx context.Context, r *models.Run) *ExecutionResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if e.runs != nil {
		e.runs.Begin(r.ID, r.SessionID, rootAgentID, cancel)
		defer e.runs.End(r.ID)
	}

	started := time.Now()
	res := e.engine.Run(runCtx, r)
	elapsed := time.Since(started).Milliseconds()

	if res == nil {
		return &ExecutionResult{
			Status:     models.RunStatusFailed,
			DurationMS: elapsed,
			Err:        errors.New("engine returned no result"),
		}
	}

	out := &ExecutionResult{
		Summary:    res.Answer,
		TokensUsed: res.TokensUsed.Total,
		DurationMS: elapsed,
	}
	switch {
	case res.Aborted && runCtx.Err() != nil && ctx.Err() == nil:
		out.Status = models.RunStatusStopped
		out.Err = errors.New("stopped by operator")
	case res.Success:
		out.Status = models.RunStatusCompleted
	default:
		out.Status = models.RunStatusFailed
		if res.Error != "" {
			out.Err = errors.New(res.Error)
		} else {
			out.Err = errors.New("orchestration did not produce an answer")
		}
	}
	return out
}

// RuntimeEngine is the production Engine: each run gets a fresh orchestrator
// built from the shared runtime.
type RuntimeEngine struct {
	rt     *orchestrator.Runtime
	logger *slog.Logger
}

// NewRuntimeEngine wraps the resolved runtime.
func NewRuntimeEngine(rt *orchestrator.Runtime, logger *slog.Logger) *RuntimeEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuntimeEngine{rt: rt, logger: logger}
}

// Run builds the per-run orchestrator and executes the task. A run-level tier
// overrides the configured planning tier.
func (e *RuntimeEngine) Run(ctx context.Context, r *models.Run) *models.OrchestratorResult {
	cfg := e.rt.RunConfig(r.ID, r.SessionID)
	if r.Tier != "" {
		cfg.Tier = llm.Tier(r.Tier)
	}

	orch, err := orchestrator.NewOrchestrator(e.rt.Deps(), cfg)
	if err != nil {
		e.logger.Error("orchestrator construction failed",
			slog.String("run_id", r.ID),
			slog.Any("error", err))
		return &models.OrchestratorResult{Success: false, Error: err.Error()}
	}
	return orch.Execute(ctx, r.Task)
}
