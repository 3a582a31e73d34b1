package notify

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// Service posts run lifecycle notifications. Satisfies queue.Notifier.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService builds the notifier from configuration, reading the bot token
// from the environment variable named by cfg.TokenEnv. Returns nil when
// notifications are disabled or the token or channel is missing.
func NewService(cfg *config.SlackConfig) *Service {
	if cfg == nil || !cfg.Enabled || cfg.Channel == "" {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		slog.Warn("Slack notifications enabled but token env is unset",
			"token_env", cfg.TokenEnv)
		return nil
	}
	return &Service{
		client:       NewClient(token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// RunStarted posts the start notification and returns its message timestamp
// as the thread reference for RunFinished. Fail-open: errors are logged,
// never returned.
func (s *Service) RunStarted(ctx context.Context, run *models.Run) string {
	if s == nil {
		return ""
	}

	blocks := BuildRunStartedMessage(run, s.dashboardURL)
	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send run start notification",
			"run_id", run.ID,
			"error", err)
		return ""
	}
	return ts
}

// RunFinished posts the terminal notification, threaded onto the start
// message. A lost thread reference is recovered through the run fingerprint.
// Fail-open: errors are logged, never returned.
func (s *Service) RunFinished(ctx context.Context, run *models.Run, threadRef string) {
	if s == nil {
		return
	}

	if threadRef == "" {
		var err error
		threadRef, err = s.client.FindMessageByFingerprint(ctx, RunFingerprint(run.ID))
		if err != nil {
			s.logger.Warn("Failed to find start message for run",
				"run_id", run.ID,
				"error", err)
		}
	}

	blocks := BuildRunFinishedMessage(run, s.dashboardURL)
	if _, err := s.client.PostMessage(ctx, blocks, threadRef, 10*time.Second); err != nil {
		s.logger.Error("Failed to send run notification",
			"run_id", run.ID,
			"status", string(run.Status),
			"error", err)
	}
}
