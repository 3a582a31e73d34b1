// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/history"
)

// RunStore deletes terminal runs past the retention cutoff.
// *services.RunService satisfies it.
type RunStore interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore deletes sessions with no activity since the cutoff.
// *services.SessionService satisfies it.
type SessionStore interface {
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore deletes event rows past their TTL.
// *services.EventService satisfies it.
type EventStore interface {
	CleanupEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotStore bounds the on-disk file-change history.
// *history.Store satisfies it.
type SnapshotStore interface {
	EnforceRetention(ctx context.Context, policy history.RetentionPolicy) (history.RetentionStats, error)
}

// Service periodically enforces retention policies:
//   - Deletes terminal runs past the retention window
//   - Deletes sessions with no activity inside the window
//   - Removes orphaned event rows past their TTL
//   - Bounds the on-disk snapshot store
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config    *config.RetentionConfig
	runs      RunStore
	sessions  SessionStore
	events    EventStore
	snapshots SnapshotStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. snapshots may be nil when file
// history is disabled.
func NewService(
	cfg *config.RetentionConfig,
	runs RunStore,
	sessions SessionStore,
	events EventStore,
	snapshots SnapshotStore,
) *Service {
	return &Service{
		config:    cfg,
		runs:      runs,
		sessions:  sessions,
		events:    events,
		snapshots: snapshots,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_retention_days", s.config.RunRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

// runAll executes one retention pass. Each task gets a fresh background
// context so a Stop mid-pass never abandons half-finished deletes.
func (s *Service) runAll(_ context.Context) {
	s.deleteOldRuns()
	s.deleteInactiveSessions()
	s.cleanupOrphanedEvents()
	s.enforceSnapshotRetention()
}

func (s *Service) deleteOldRuns() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RunRetentionDays)
	count, err := s.runs.DeleteTerminalBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old terminal runs", "count", count)
	}
}

func (s *Service) deleteInactiveSessions() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RunRetentionDays)
	count, err := s.sessions.DeleteInactiveBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: session cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted inactive sessions", "count", count)
	}
}

func (s *Service) cleanupOrphanedEvents() {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	count, err := s.events.CleanupEventsBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: cleaned up orphaned events", "count", count)
	}
}

func (s *Service) enforceSnapshotRetention() {
	if s.snapshots == nil {
		return
	}
	stats, err := s.snapshots.EnforceRetention(context.Background(), s.config.History)
	if err != nil {
		slog.Error("Retention: snapshot cleanup failed", "error", err)
		return
	}
	if stats.SessionsRemoved > 0 || stats.FilesRemoved > 0 {
		slog.Info("Retention: pruned snapshot store",
			"sessions_removed", stats.SessionsRemoved,
			"files_removed", stats.FilesRemoved,
			"bytes_freed", stats.BytesFreed)
	}
}
