package middleware

import "sync"

// Mailbox queues operator messages for a running loop. Pushes arrive from
// API goroutines; the loop drains at the top of each iteration, so a
// correction lands in the conversation before the next model call.
type Mailbox struct {
	mu      sync.Mutex
	pending []string
}

// Push queues one message.
func (m *Mailbox) Push(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msg)
}

// Drain returns the queued messages in arrival order and empties the box.
func (m *Mailbox) Drain() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// Len reports the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Exchange hands out mailboxes keyed by run and agent. The run manager
// pushes corrections through it; worker construction attaches the matching
// box to each dispatched run state.
type Exchange struct {
	mu    sync.Mutex
	boxes map[string]*Mailbox
}

// NewExchange returns an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{boxes: make(map[string]*Mailbox)}
}

// Box returns the mailbox for the given run and agent, creating it on first
// use. Both sides of a delivery reach the same box regardless of order.
func (e *Exchange) Box(runID, agentID string) *Mailbox {
	key := runID + "\x00" + agentID
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[key]
	if !ok {
		box = &Mailbox{}
		e.boxes[key] = box
	}
	return box
}

// DropRun discards every mailbox belonging to the run.
func (e *Exchange) DropRun(runID string) {
	prefix := runID + "\x00"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.boxes {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(e.boxes, key)
		}
	}
}
