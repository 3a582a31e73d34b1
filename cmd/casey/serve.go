package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/casey/pkg/agent/orchestrator"
	"github.com/codeready-toolchain/casey/pkg/api"
	"github.com/codeready-toolchain/casey/pkg/archive"
	"github.com/codeready-toolchain/casey/pkg/cleanup"
	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/database"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/history"
	"github.com/codeready-toolchain/casey/pkg/notify"
	"github.com/codeready-toolchain/casey/pkg/queue"
	"github.com/codeready-toolchain/casey/pkg/run"
	"github.com/codeready-toolchain/casey/pkg/services"
	"github.com/codeready-toolchain/casey/pkg/session"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime server",
		Long: "Starts the HTTP/WebSocket API, the durable run queue workers, " +
			"the streaming infrastructure, and the retention service.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return serve(configDir)
		},
	}
}

func serve(configDir string) error {
	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	ctx := context.Background()
	logger := slog.Default()

	slog.Info("Starting casey", "pod_id", podID, "config_dir", configDir)

	// 1. Configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"agents", stats.Agents,
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders)

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	runService := services.NewRunService(dbClient.DB())
	sessionService := services.NewSessionService(dbClient.DB())
	eventService := services.NewEventService(dbClient.DB())
	warningsService := services.NewSystemWarningsService()

	// 4. Streaming infrastructure
	bus := events.NewBus(0)
	publisher := events.NewPublisher(dbClient.DB(), logger)
	connManager := events.NewConnectionManager(events.NewEventServiceAdapter(eventService), 10*time.Second)

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager, logger)
	if err := notifyListener.Start(ctx); err != nil {
		return fmt.Errorf("start notify listener: %w", err)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 5. On-disk stores
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
		slog.Info("Memory archive enabled", "cache_size", cfg.Archive.CacheSize)
	}

	// 6. Agent runtime
	runtime, err := orchestrator.NewRuntime(ctx, cfg, deps)
	if err != nil {
		return fmt.Errorf("resolve agent runtime: %w", err)
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			slog.Error("Error closing plugin connections", "error", err)
		}
	}()
	if stats.Agents == 0 {
		warningsService.AddWarning("configuration", "agent registry is empty", "", "startup")
	}

	// 7. Run manager with LLM-assisted correction routing
	router := run.NewLLMRouter(runtime.Registry, logger)
	runMgr := run.NewManager(bus, runService, runtime.Corrections(), router, logger)

	// 8. Queue worker pool
	engine := queue.NewRuntimeEngine(runtime, logger)
	executor := queue.NewRunExecutor(engine, runMgr, logger)
	var notifier queue.Notifier
	if s := notify.NewService(cfg.Slack); s != nil {
		notifier = s
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}
	workerPool := queue.NewWorkerPool(podID, runService, cfg.Queue, executor, bus, publisher, notifier)
	if err := workerPool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	// 9. Conversation assembly and retention
	sessionMgr := session.NewManager(bus)
	cleanupService := cleanup.NewService(cfg.Retention, runService, sessionService, eventService, historyStore)
	cleanupService.Start(ctx)

	// 10. HTTP server
	httpServer := api.NewServer(cfg, dbClient, runService, sessionService, eventService, workerPool, connManager)
	httpServer.SetRunManager(runMgr)
	httpServer.SetSessionManager(sessionMgr)
	httpServer.SetWarningsService(warningsService)
	httpServer.SetPodID(podID)
	if dir := os.Getenv("DASHBOARD_DIR"); dir != "" {
		httpServer.SetDashboardDir(dir)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("casey started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop taking work, drain active runs, then the
	// HTTP listener.
	cleanupService.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete runs will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
