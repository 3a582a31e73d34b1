package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/services"
)

// WorkerPool manages a pool of queue workers on one replica.
type WorkerPool struct {
	podID     string
	runs      *services.RunService
	config    *config.QueueConfig
	executor  Executor
	bus       *events.Bus
	publisher *events.Publisher
	notifier  Notifier
	workers   []*Worker

	// Run cancel registry: run_id → cancel function for the run timeout
	// context. The run manager holds the operator-facing cancel; this one
	// backs capacity accounting and shutdown logging.
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	orphansRecovered atomic.Int64
}

// NewWorkerPool creates a new worker pool. bus and publisher may be nil
// (event streaming disabled); notifier may be nil.
func NewWorkerPool(podID string, runs *services.RunService, cfg *config.QueueConfig, executor Executor, bus *events.Bus, publisher *events.Publisher, notifier Notifier) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		runs:       runs,
		config:     cfg,
		executor:   executor,
		bus:        bus,
		publisher:  publisher,
		notifier:   notifier,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start recovers orphaned runs from a previous incarnation of this pod, then
// spawns the worker goroutines. It is safe to call multiple times; subsequent
// calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	recovered, err := p.runs.RecoverOrphans(ctx, p.podID)
	if err != nil {
		return fmt.Errorf("orphan recovery: %w", err)
	}
	p.orphansRecovered.Store(recovered)
	if recovered > 0 {
		slog.Warn("Recovered orphaned runs from previous incarnation",
			"pod_id", p.podID, "count", recovered)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.runs, p.config, p.executor, p, p.bus, p.publisher, p.notifier)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current runs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeRunIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active runs to complete",
			"count", len(active), "run_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	slog.Info("Worker pool stopped gracefully")
}

// RegisterRun stores a run's cancel function while it executes.
func (p *WorkerPool) RegisterRun(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// ActiveCount returns the number of runs executing on this replica.
func (p *WorkerPool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.activeRuns)
}

// CancelRun cancels a run's execution context on this pod. Returns true if
// the run was found here.
func (p *WorkerPool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth := 0
	var dbError string
	pending, err := p.runs.ListRuns(ctx, models.RunFilters{Status: models.RunStatusPending, Limit: 1})
	if err != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", err)
		dbError = fmt.Sprintf("queue depth query failed: %v", err)
	} else {
		queueDepth = pending.TotalCount
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	activeRuns := p.ActiveCount()
	dbHealthy := dbError == ""
	isHealthy := len(p.workers) > 0 && activeRuns <= p.config.MaxConcurrentRuns && dbHealthy

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveRuns:       activeRuns,
		MaxConcurrent:    p.config.MaxConcurrentRuns,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		OrphansRecovered: p.orphansRecovered.Load(),
	}
}

// activeRunIDs returns IDs of currently processing runs (for logging).
func (p *WorkerPool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}
