// Package queue implements the durable run queue: pending runs are claimed
// from Postgres with SKIP LOCKED, executed by a per-replica worker pool, and
// finalized back to their rows. Any replica can claim any run; orphans left
// behind by a crashed replica are failed over at startup.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no pending runs are in the queue.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrAtCapacity indicates this replica's concurrent run limit is reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Executor processes one claimed run to a terminal outcome. The executor owns
// the whole run lifecycle internally: orchestration, delegation, verification,
// and event emission all happen inside Execute. The worker only handles
// claiming, the run timeout, and writing the terminal row.
type Executor interface {
	Execute(ctx context.Context, run *models.Run) *ExecutionResult
}

// Notifier sends out-of-band run notifications. RunStarted returns an opaque
// thread reference that RunFinished reuses to keep both messages in one
// thread.
type Notifier interface {
	RunStarted(ctx context.Context, run *models.Run) string
	RunFinished(ctx context.Context, run *models.Run, threadRef string)
}

// ExecutionResult is the terminal state of one run. Intermediate state
// (events, traces, snapshots) was already written during execution.
type ExecutionResult struct {
	Status     models.RunStatus // completed, failed, stopped
	Summary    string           // final synthesized answer (if completed)
	TokensUsed int
	DurationMS int64
	Err        error // error details (if failed or stopped)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveRuns       int            `json:"active_runs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	OrphansRecovered int64          `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
