package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	agentpkg "github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/agent/orchestrator"
	"github.com/codeready-toolchain/casey/pkg/archive"
	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/history"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

// Execution modes for one-shot runs.
const (
	modeOrchestrator = "orchestrator"
	modeSingle       = "single"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run agents locally and inspect their file history",
	}
	cmd.AddCommand(newAgentRunCmd())
	cmd.AddCommand(newAgentHistoryCmd())
	cmd.AddCommand(newAgentDiffCmd())
	cmd.AddCommand(newAgentRollbackCmd())
	return cmd
}

type runOptions struct {
	task      string
	mode      string
	sessionID string
	tier      string
	dryRun    bool
	showTrace bool
}

func newAgentRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one task locally, without the server or queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return agentRun(cmd.Context(), configDir, opts)
		},
	}
	cmd.Flags().StringVar(&opts.task, "task", "", "task for the agent (required)")
	cmd.Flags().StringVar(&opts.mode, "mode", modeOrchestrator,
		"execution mode: orchestrator (plan and delegate) or single (default worker only)")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "session to run in (new session when empty)")
	cmd.Flags().StringVar(&opts.tier, "tier", "", "model tier override: small, medium or large")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "resolve and print the agent stack without executing")
	cmd.Flags().BoolVar(&opts.showTrace, "trace", false, "print the recorded tool traces after the run")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func agentRun(ctx context.Context, configDir string, opts *runOptions) error {
	if opts.mode != modeOrchestrator && opts.mode != modeSingle {
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
	tier, err := llm.ParseTier(opts.tier)
	if err != nil {
		return err
	}

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath, "error", err)
	}

	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}

	logger := slog.Default()
	bus := events.NewBus(0)
	traceStore := trace.NewStore(cfg.Paths.DataDir, logger)
	historyStore := history.NewStore(cfg.Paths.DataDir, logger)

	deps := orchestrator.RuntimeDeps{
		Traces:    traceStore,
		Bus:       bus,
		Snapshots: historyStore,
		Logger:    logger,
	}
	if cfg.Archive.Enabled {
		archiveStore, err := archive.NewStore(cfg.Paths.DataDir, cfg.Archive.CacheSize, logger)
		if err != nil {
			return fmt.Errorf("open archive store: %w", err)
		}
		deps.Archive = archiveStore
		deps.ExtraTools = append(deps.ExtraTools, archive.RecallTool(archiveStore, cfg.Archive.MaxResults))
	}

	rt, err := orchestrator.NewRuntime(ctx, cfg, deps)
	if err != nil {
		return fmt.Errorf("resolve agent runtime: %w", err)
	}
	defer rt.Close()

	if opts.dryRun {
		printResolvedStack(cfg, rt)
		return nil
	}

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := uuid.NewString()

	// Ctrl-C cancels the run; a second signal kills the process.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "run %s (session %s)\n", runID, sessionID)

	var runErr error
	switch opts.mode {
	case modeSingle:
		runErr = runSingle(ctx, rt, runID, sessionID, tier, opts.task)
	default:
		runErr = runOrchestrated(ctx, rt, runID, sessionID, opts.tier, opts.task)
	}

	if opts.showTrace {
		printTraces(traceStore, sessionID)
	}
	return runErr
}

func runOrchestrated(ctx context.Context, rt *orchestrator.Runtime, runID, sessionID, tier, task string) error {
	runCfg := rt.RunConfig(runID, sessionID)
	if tier != "" {
		runCfg.Tier = llm.Tier(tier)
	}

	orch, err := orchestrator.NewOrchestrator(rt.Deps(), runCfg)
	if err != nil {
		return err
	}
	res := orch.Execute(ctx, task)

	fmt.Printf("\n%s\n", res.Answer)
	fmt.Fprintf(os.Stderr, "\nsuccess=%v subtasks=%d tokens=%d duration=%dms\n",
		res.Success, len(res.Plan), res.TokensUsed.Total, res.DurationMS)
	if res.Verdict != nil {
		fmt.Fprintf(os.Stderr, "verdict: confidence=%.2f completeness=%.2f\n",
			res.Verdict.Confidence, res.Verdict.Completeness)
	}
	if !res.Success {
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return errors.New("orchestration did not produce an answer")
	}
	return nil
}

func runSingle(ctx context.Context, rt *orchestrator.Runtime, runID, sessionID string, tier llm.Tier, task string) error {
	p := rt.Roster.Default()
	if len(p.Ladder) > 0 && tier == "" {
		tier = p.Ladder[0]
	}

	cfg := agentpkg.Config{
		RunID:                     runID,
		SessionID:                 sessionID,
		AgentID:                   p.ID,
		Tier:                      tier,
		Temperature:               p.Temperature,
		MaxIterations:             p.MaxIterations,
		MaxTokens:                 p.MaxTokens,
		MaxResponseTokens:         p.MaxResponseTokens,
		IterationTimeout:          p.IterationTimeout,
		ForceSynthesisOnHardLimit: p.ForceSynthesisOnHardLimit,
		CustomInstructions:        p.CustomInstructions,
		WorkDir:                   rt.RunConfig(runID, sessionID).WorkDir,
		SessionDir:                rt.SessionDir(sessionID),
		Attempt:                   1,
	}
	if p.Strategy != nil {
		cfg.Strategy = p.Strategy()
	}
	if p.Middlewares != nil {
		cfg.Middlewares = p.Middlewares()
	}

	outcome, err := rt.Workers.Execute(ctx, task, cfg)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case models.OutcomeCompleted:
		fmt.Printf("\n%s\n", outcome.Output.Summary)
		fmt.Fprintf(os.Stderr, "\nagent=%s iterations=%d tokens=%d\n",
			p.ID, outcome.Iterations, outcome.TokensUsed.Total)
		return nil
	case models.OutcomeEscalate:
		return fmt.Errorf("agent requested escalation: %s", outcome.EscalateReason)
	default:
		if outcome.Partial != nil {
			fmt.Fprintf(os.Stderr, "partial result:\n%s\n", outcome.Partial.Summary)
		}
		if outcome.Failure != nil {
			return fmt.Errorf("agent failed (%s): %s", outcome.Failure.Kind, outcome.Failure.Message)
		}
		return errors.New("agent failed")
	}
}

func printResolvedStack(cfg *config.Config, rt *orchestrator.Runtime) {
	fmt.Println("resolved agent stack:")
	for _, e := range rt.Roster.Entries() {
		fmt.Printf("  agent %-20s %s\n", e.ID, e.Description)
	}
	for _, t := range []llm.Tier{llm.TierSmall, llm.TierMedium, llm.TierLarge} {
		status := "not configured"
		if rt.Registry.Has(t) {
			status = "configured"
		}
		fmt.Printf("  tier  %-20s %s\n", t, status)
	}
	fmt.Printf("  data dir: %s\n  work dir: %s\n", cfg.Paths.DataDir, cfg.Paths.WorkDir)
}

func printTraces(store *trace.Store, sessionID string) {
	traces, err := store.GetBySession(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load traces: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "\ntraces (%d):\n", len(traces))
	for _, t := range traces {
		fmt.Fprintf(os.Stderr, "  %s agent=%s invocations=%d\n",
			t.Ref(), t.SpecialistID, len(t.Invocations))
		for _, inv := range t.Invocations {
			fmt.Fprintf(os.Stderr, "    %-28s status=%s duration=%dms\n",
				inv.Tool, inv.Status, inv.DurationMS)
		}
	}
}
