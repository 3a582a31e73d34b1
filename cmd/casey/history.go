package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/history"
)

// historyStoreFor loads the configuration and opens the snapshot store it
// points at.
func historyStoreFor(cmd *cobra.Command) (*config.Config, *history.Store, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.Initialize(cmd.Context(), configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize configuration: %w", err)
	}
	return cfg, history.NewStore(cfg.Paths.DataDir, slog.Default()), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAgentHistoryCmd() *cobra.Command {
	var (
		sessionID string
		filePath  string
		agentID   string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := historyStoreFor(cmd)
			if err != nil {
				return err
			}
			changes, err := store.Query(history.Filter{
				SessionID: sessionID,
				FilePath:  filePath,
				AgentID:   agentID,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(changes)
			}
			if len(changes) == 0 {
				fmt.Println("no recorded changes")
				return nil
			}
			for _, c := range changes {
				fmt.Printf("%s  %s  %-8s %-16s %s\n",
					c.ChangeID,
					c.Timestamp.Format(time.RFC3339),
					c.Operation,
					c.AgentID,
					c.FilePath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "filter by session")
	cmd.Flags().StringVar(&filePath, "file", "", "filter by file path")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "filter by agent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func newAgentDiffCmd() *cobra.Command {
	var (
		changeID string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show one recorded change as a unified diff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := historyStoreFor(cmd)
			if err != nil {
				return err
			}
			change, err := store.Get(changeID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(change)
			}
			out := history.NewRenderer(true).Unified(change)
			if out == "" {
				fmt.Printf("no content difference in %s\n", change.FilePath)
				return nil
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&changeID, "change-id", "", "change to render (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the raw change record as JSON")
	_ = cmd.MarkFlagRequired("change-id")
	return cmd
}

func newAgentRollbackCmd() *cobra.Command {
	var (
		changeID  string
		filePath  string
		agentID   string
		sessionID string
		after     string
		dryRun    bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore files to their state before recorded changes",
		Long: "Selects snapshots by exactly one of --change-id, --file, --agent-id, " +
			"--session-id or --after and restores each touched file to its earliest " +
			"recorded before-state. --dry-run prints the plan without writing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := history.Target{
				ChangeID:  changeID,
				FilePath:  filePath,
				AgentID:   agentID,
				SessionID: sessionID,
			}
			if after != "" {
				t, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return fmt.Errorf("parse --after: %w", err)
				}
				target.After = t
			}

			cfg, store, err := historyStoreFor(cmd)
			if err != nil {
				return err
			}
			engine := history.NewEngine(store, cfg.Paths.WorkDir, slog.Default())
			plan, result, err := engine.Rollback(cmd.Context(), target, dryRun)
			if err != nil {
				return err
			}

			if asJSON {
				if dryRun {
					return printJSON(plan)
				}
				return printJSON(result)
			}

			if dryRun {
				fmt.Printf("plan: %d action(s)\n", len(plan.Actions))
				for _, a := range plan.Actions {
					fmt.Printf("  %-8s %s (change %s)\n", a.Kind, a.FilePath, a.ChangeID)
				}
				return nil
			}

			fmt.Printf("restored=%d deleted=%d skipped=%d failed=%d\n",
				result.Restored, result.Deleted, result.Skipped, result.Failed)
			for _, r := range result.Actions {
				if r.Error != "" {
					fmt.Printf("  failed   %s: %s\n", r.Action.FilePath, r.Error)
				}
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d action(s) failed", result.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&changeID, "change-id", "", "roll back one change")
	cmd.Flags().StringVar(&filePath, "file", "", "roll back every change to a file")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "roll back every change by an agent")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "roll back every change in a session")
	cmd.Flags().StringVar(&after, "after", "", "roll back changes after an RFC3339 timestamp")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without writing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
