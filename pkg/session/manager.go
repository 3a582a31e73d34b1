package session

import (
	"sync"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// Manager keeps one assembler per active session, fed from the event bus.
// The conversation view it serves is in-memory; durable session records live
// in the database layer.
type Manager struct {
	bus *events.Bus

	mu        sync.Mutex
	sessions  map[string]*Assembler
	listeners map[string]int
	watchers  map[string]map[int]func(models.Turn)
	nextWatch int
}

// NewManager builds a manager over the bus.
func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:       bus,
		sessions:  make(map[string]*Assembler),
		listeners: make(map[string]int),
		watchers:  make(map[string]map[int]func(models.Turn)),
	}
}

// Track returns the session's assembler, subscribing it to the session's
// event stream on first use. Turn mutations fan out to the session's
// watchers from the same listener that applied them, so a watcher never
// observes the assembler mid-update.
func (m *Manager) Track(sessionID string) *Assembler {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.sessions[sessionID]; ok {
		return a
	}
	a := NewAssembler()
	m.sessions[sessionID] = a
	if m.bus != nil {
		m.listeners[sessionID] = m.bus.AddSessionListener(sessionID, func(ev *events.AgentEvent) {
			turn, changed := a.Apply(*ev)
			if !changed {
				return
			}
			m.notify(sessionID, turn)
		})
	}
	return a
}

// notify invokes the session's watchers outside the manager lock.
func (m *Manager) notify(sessionID string, turn models.Turn) {
	m.mu.Lock()
	fns := make([]func(models.Turn), 0, len(m.watchers[sessionID]))
	for _, fn := range m.watchers[sessionID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(turn)
	}
}

// Watch registers fn to be called with every turn mutation of the session,
// returning a handle for Unwatch. The session is tracked as a side effect.
// Callbacks for one session run serially on its event dispatcher.
func (m *Manager) Watch(sessionID string, fn func(models.Turn)) int {
	m.Track(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWatch++
	id := m.nextWatch
	if m.watchers[sessionID] == nil {
		m.watchers[sessionID] = make(map[int]func(models.Turn))
	}
	m.watchers[sessionID][id] = fn
	return id
}

// Unwatch removes a watcher. Unknown handles are a no-op.
func (m *Manager) Unwatch(sessionID string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers[sessionID], id)
	if len(m.watchers[sessionID]) == 0 {
		delete(m.watchers, sessionID)
	}
}

// Get returns the session's assembler if it is being tracked.
func (m *Manager) Get(sessionID string) (*Assembler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessions[sessionID]
	return a, ok
}

// Conversation returns the assembled turns of a session; nil when untracked.
func (m *Manager) Conversation(sessionID string) []models.Turn {
	a, ok := m.Get(sessionID)
	if !ok {
		return nil
	}
	return a.Turns()
}

// Drop unsubscribes and forgets a session's conversation state.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.listeners[sessionID]; ok && m.bus != nil {
		m.bus.RemoveSessionListener(sessionID, id)
	}
	delete(m.listeners, sessionID)
	delete(m.sessions, sessionID)
	delete(m.watchers, sessionID)
}
