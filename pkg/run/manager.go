// Package run tracks the runs executing on this pod: cancellation handles,
// the set of agents currently working each run, and the correction path that
// routes mid-run operator messages to one of them.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/agent/prompt"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/services"
)

// Sentinel errors for run lookups and control actions.
var (
	ErrNotActive = errors.New("run: not active on this pod")
	ErrNotFound  = errors.New("run: not found")
)

// Store is the durable run state the manager falls back to for runs that are
// not active on this pod. *services.RunService satisfies it.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
}

// Router picks the agent a correction should land on. agents lists the
// worker agents currently mid-task; fallback is the run's root agent, always
// a valid target.
type Router interface {
	Route(ctx context.Context, message string, agents []string, fallback string) (agentID, reason string)
}

// activeRun is the in-memory record of one run executing on this pod.
type activeRun struct {
	sessionID string
	rootAgent string
	cancel    context.CancelFunc
	listener  int

	// agents is the set of worker agents between agent:start and agent:end,
	// maintained from the run's event stream.
	agents map[string]int
}

// Manager owns the active-run map. Lifecycle: Begin when a claimed run
// starts executing, End when it reaches a terminal state. Stop and Correct
// act only on runs active here; everything else answers from the store.
type Manager struct {
	bus      *events.Bus
	store    Store
	exchange *middleware.Exchange
	router   Router
	prompts  *prompt.Builder
	logger   *slog.Logger

	mu     sync.RWMutex
	active map[string]*activeRun
}

// NewManager builds a manager. router may be nil, in which case every
// correction lands on the root agent.
func NewManager(bus *events.Bus, store Store, exchange *middleware.Exchange, router Router, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		store:    store,
		exchange: exchange,
		router:   router,
		prompts:  prompt.NewBuilder(),
		logger:   logger,
		active:   make(map[string]*activeRun),
	}
}

// Begin registers a run as active on this pod. cancel aborts the run's
// execution context; rootAgent is the orchestrator's agent id.
func (m *Manager) Begin(runID, sessionID, rootAgent string, cancel context.CancelFunc) {
	ar := &activeRun{
		sessionID: sessionID,
		rootAgent: rootAgent,
		cancel:    cancel,
		agents:    make(map[string]int),
	}

	m.mu.Lock()
	m.active[runID] = ar
	m.mu.Unlock()

	if m.bus != nil {
		ar.listener = m.bus.AddListener(runID, func(ev *events.AgentEvent) {
			m.trackAgents(runID, ev)
		})
	}
}

// End unregisters a terminal run, releasing its listener and mailboxes. The
// event buffer stays on the bus for late WebSocket attach until DropRun.
func (m *Manager) End(runID string) {
	m.mu.Lock()
	ar, ok := m.active[runID]
	delete(m.active, runID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.bus != nil && ar.listener != 0 {
		m.bus.RemoveListener(runID, ar.listener)
	}
	if m.exchange != nil {
		m.exchange.DropRun(runID)
	}
}

// Active reports whether the run is executing on this pod.
func (m *Manager) Active(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[runID]
	return ok
}

// ActiveAgents returns the run's root agent followed by every worker agent
// currently mid-task. Empty when the run is not active here.
func (m *Manager) ActiveAgents(runID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ar, ok := m.active[runID]
	if !ok {
		return nil
	}
	out := []string{ar.rootAgent}
	for id, n := range ar.agents {
		if n > 0 && id != ar.rootAgent {
			out = append(out, id)
		}
	}
	return out
}

// GetState resolves a run's durable record, regardless of which pod is
// executing it.
func (m *Manager) GetState(ctx context.Context, runID string) (*models.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// EventBuffer returns the run's buffered events for replay on WebSocket
// attach.
func (m *Manager) EventBuffer(runID string) []*events.AgentEvent {
	if m.bus == nil {
		return nil
	}
	return m.bus.GetBuffer(runID)
}

// Stop aborts an active run. The cancellation drains at the next iteration
// boundary; the queue executor finalizes the status from the aborted result.
func (m *Manager) Stop(runID, reason string) error {
	m.mu.RLock()
	ar, ok := m.active[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, runID)
	}

	m.logger.Info("stopping run",
		slog.String("run_id", runID),
		slog.String("reason", reason))
	ar.cancel()
	return nil
}

// Correct routes a mid-run operator message to one of the run's active
// agents and queues it for injection before that agent's next iteration.
// When the run is already terminal the correction is acknowledged with
// Applied false; an unknown run is an error.
func (m *Manager) Correct(ctx context.Context, runID string, req models.CorrectionRequest) (*models.Correction, error) {
	c := &models.Correction{
		ID:            uuid.NewString(),
		RunID:         runID,
		Message:       req.Message,
		TargetAgentID: req.AgentID,
		CreatedAt:     time.Now().UTC(),
	}

	m.mu.RLock()
	ar, activeHere := m.active[runID]
	m.mu.RUnlock()

	if !activeHere {
		run, err := m.GetState(ctx, runID)
		if err != nil {
			return nil, err
		}
		c.Reason = fmt.Sprintf("run is %s; correction not applied", run.Status)
		return c, nil
	}

	target, reason := m.route(ctx, ar, runID, req)
	c.RoutedTo = target
	c.Reason = reason
	c.Applied = true

	m.exchange.Box(runID, target).Push(m.prompts.BuildCorrectionMessage(req.Message))
	m.logger.Info("correction routed",
		slog.String("run_id", runID),
		slog.String("agent_id", target),
		slog.String("reason", reason))
	return c, nil
}

// route picks the correction target: an explicit agent id wins, a single
// active agent short-circuits, otherwise the router decides.
func (m *Manager) route(ctx context.Context, ar *activeRun, runID string, req models.CorrectionRequest) (string, string) {
	agents := m.ActiveAgents(runID)
	if req.AgentID != "" {
		for _, id := range agents {
			if id == req.AgentID {
				return req.AgentID, "pinned by request"
			}
		}
		return ar.rootAgent, fmt.Sprintf("agent %s not active; routed to root agent", req.AgentID)
	}
	if len(agents) == 1 {
		return agents[0], "only active agent"
	}
	if m.router == nil {
		return ar.rootAgent, "no router configured"
	}
	return m.router.Route(ctx, req.Message, agents, ar.rootAgent)
}

// trackAgents maintains the run's active-agent set from its event stream.
// Worker dispatches may retry up the tier ladder, so entries are counted,
// not flagged.
func (m *Manager) trackAgents(runID string, ev *events.AgentEvent) {
	if ev.ParentAgentID == "" {
		return // root lifecycle is tracked by Begin/End
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.active[runID]
	if !ok {
		return
	}
	switch ev.Type {
	case events.EventAgentStart:
		ar.agents[ev.AgentID]++
	case events.EventAgentEnd:
		if ar.agents[ev.AgentID] > 0 {
			ar.agents[ev.AgentID]--
		}
	}
}
