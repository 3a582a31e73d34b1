package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/services"
)

// eventGracePeriod is how long a finished run's event buffer stays on the bus
// so late WebSocket attaches can still replay it.
const eventGracePeriod = 60 * time.Second

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// RunRegistry is the subset of WorkerPool used by Worker for run registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
	ActiveCount() int
}

// Worker is a single queue worker that polls for and processes runs.
type Worker struct {
	id        string
	podID     string
	runs      *services.RunService
	config    *config.QueueConfig
	executor  Executor
	bus       *events.Bus
	publisher *events.Publisher
	notifier  Notifier
	pool      RunRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker. bus and publisher may be nil
// (event streaming disabled); notifier may be nil (notifications disabled).
func NewWorker(id, podID string, runs *services.RunService, cfg *config.QueueConfig, executor Executor, pool RunRegistry, bus *events.Bus, publisher *events.Publisher, notifier Notifier) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		runs:         runs,
		config:       cfg,
		executor:     executor,
		bus:          bus,
		publisher:    publisher,
		notifier:     notifier,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. It is safe to
// call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a run, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Per-replica capacity check against the in-memory registry. Best-effort
	// and racy across workers, but the overshoot is bounded by WorkerCount.
	if w.pool.ActiveCount() >= w.config.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	claimed, err := w.runs.ClaimNextPending(ctx, w.podID)
	if err != nil {
		return fmt.Errorf("claiming run: %w", err)
	}
	if claimed == nil {
		return ErrNoRunsAvailable
	}

	log := slog.With("run_id", claimed.ID, "worker_id", w.id)
	log.Info("Run claimed", "session_id", claimed.SessionID)

	// Event delivery for the run's whole lifetime: every bus emission is
	// persisted and fanned out over NOTIFY until the terminal status is out.
	detach := w.attachPublisher(claimed.ID)
	w.publishStatus(claimed, models.RunStatusRunning)

	threadRef := ""
	if w.notifier != nil {
		threadRef = w.notifier.RunStarted(ctx, claimed)
	}

	w.setStatus(WorkerStatusWorking, claimed.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	w.pool.RegisterRun(claimed.ID, cancelRun)
	defer w.pool.UnregisterRun(claimed.ID)

	result := w.executor.Execute(runCtx, claimed)
	result = w.normalizeResult(runCtx, result)

	// Terminal write on a background context — the run context may already be
	// cancelled or expired.
	if err := w.finalize(context.Background(), claimed, result); err != nil {
		log.Error("Failed to finalize run", "error", err)
		detach()
		return err
	}

	w.publishStatus(claimed, result.Status)
	detach()
	w.scheduleBufferDrop(claimed.ID)

	if w.notifier != nil {
		w.notifier.RunFinished(context.Background(), claimed, threadRef)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	log.Info("Run processing complete", "status", result.Status)
	return nil
}

// normalizeResult guarantees a terminal result: a nil or status-less result
// is resolved from the run context's condition.
func (w *Worker) normalizeResult(runCtx context.Context, result *ExecutionResult) *ExecutionResult {
	if result == nil {
		result = &ExecutionResult{}
	}
	if result.Status != "" {
		return result
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = models.RunStatusFailed
		result.Err = fmt.Errorf("run timed out after %v", w.config.RunTimeout)
	case errors.Is(runCtx.Err(), context.Canceled):
		result.Status = models.RunStatusStopped
		result.Err = context.Canceled
	default:
		result.Status = models.RunStatusFailed
		result.Err = fmt.Errorf("executor returned no terminal status")
	}
	return result
}

// finalize writes the run's terminal row.
func (w *Worker) finalize(ctx context.Context, claimed *models.Run, result *ExecutionResult) error {
	now := time.Now().UTC()
	claimed.Status = result.Status
	claimed.CompletedAt = &now
	claimed.Summary = result.Summary
	claimed.TokensUsed = result.TokensUsed
	claimed.DurationMS = result.DurationMS
	if result.Err != nil {
		claimed.Error = result.Err.Error()
	}
	return w.runs.FinalizeRun(ctx, claimed)
}

// attachPublisher subscribes the event publisher to the run's bus events.
// Returns a no-op detach when streaming is disabled.
func (w *Worker) attachPublisher(runID string) func() {
	if w.bus == nil || w.publisher == nil {
		return func() {}
	}
	return w.publisher.Attach(w.bus, runID)
}

// publishStatus emits a status:change event on the run's bus. The publisher
// fans it out to the run, session, and global runs channels.
func (w *Worker) publishStatus(claimed *models.Run, status models.RunStatus) {
	if w.bus == nil {
		return
	}
	emitter := &events.RunEmitter{Bus: w.bus, RunID: claimed.ID, SessionID: claimed.SessionID}
	emitter.Emit(events.EventStatusChange, events.StatusChangePayload{
		Type:   events.EventStatusChange,
		RunID:  claimed.ID,
		Status: string(status),
	})
}

// scheduleBufferDrop releases the run's replay buffer after the grace period.
func (w *Worker) scheduleBufferDrop(runID string) {
	if w.bus == nil {
		return
	}
	time.AfterFunc(eventGracePeriod, func() {
		w.bus.DropRun(runID)
	})
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
