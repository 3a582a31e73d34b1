package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the per-run replay buffer capacity. When full, the
// oldest events are evicted first.
const DefaultBufferSize = 10000

// Listener receives events in emission order. Listeners run on a dedicated
// dispatch goroutine per registration: a slow listener delays only itself,
// never the emitter or other listeners.
type Listener func(event *AgentEvent)

// Bus is the process-wide event bus with per-run sub-buses. It assigns the
// strictly monotonic per-run sequence number at emit time, keeps a bounded
// replay buffer per run, and fans out to run and session listeners.
type Bus struct {
	mu         sync.RWMutex
	runs       map[string]*runBus
	sessions   map[string]map[int]*dispatcher
	nextID     int
	bufferSize int
}

// runBus holds the per-run state: the seq counter, the replay buffer, and
// the run's listeners. The mutex orders emissions, so seq order always
// matches emission order.
type runBus struct {
	mu        sync.Mutex
	seq       int64
	sessionID string
	buffer    []*AgentEvent
	listeners map[int]*dispatcher
}

// NewBus creates a bus with the given replay buffer capacity per run
// (DefaultBufferSize when <= 0).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		runs:       make(map[string]*runBus),
		sessions:   make(map[string]map[int]*dispatcher),
		bufferSize: bufferSize,
	}
}

// Emit assigns the next sequence number for the run and delivers the event
// to all run listeners and matching session listeners. Emission never blocks
// on listeners. Re-emitting an event that already carries a sequence number
// is a programming error and panics.
func (b *Bus) Emit(runID string, event *AgentEvent) {
	if event == nil {
		return
	}
	if event.Seq != 0 {
		panic(fmt.Sprintf("events: double emit of event %q (seq %d already assigned)", event.Type, event.Seq))
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	rb := b.runFor(runID, event.SessionID)

	rb.mu.Lock()
	rb.seq++
	event.Seq = rb.seq
	if rb.sessionID == "" {
		rb.sessionID = event.SessionID
	}
	if len(rb.buffer) >= b.bufferSize {
		// FIFO eviction: drop the oldest.
		copy(rb.buffer, rb.buffer[1:])
		rb.buffer = rb.buffer[:len(rb.buffer)-1]
	}
	rb.buffer = append(rb.buffer, event)
	dispatchers := make([]*dispatcher, 0, len(rb.listeners))
	for _, d := range rb.listeners {
		dispatchers = append(dispatchers, d)
	}
	sessionID := rb.sessionID
	rb.mu.Unlock()

	for _, d := range dispatchers {
		d.enqueue(event)
	}

	if sessionID == "" {
		return
	}
	b.mu.RLock()
	sessionDispatchers := make([]*dispatcher, 0, len(b.sessions[sessionID]))
	for _, d := range b.sessions[sessionID] {
		sessionDispatchers = append(sessionDispatchers, d)
	}
	b.mu.RUnlock()
	for _, d := range sessionDispatchers {
		d.enqueue(event)
	}
}

// AddListener registers a run listener and returns its registration ID.
// The callback receives every event emitted after registration, in order.
func (b *Bus) AddListener(runID string, cb Listener) int {
	d := newDispatcher(cb)
	rb := b.runFor(runID, "")

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	rb.mu.Lock()
	rb.listeners[id] = d
	rb.mu.Unlock()
	return id
}

// RemoveListener unregisters a run listener. Idempotent.
func (b *Bus) RemoveListener(runID string, id int) {
	b.mu.RLock()
	rb := b.runs[runID]
	b.mu.RUnlock()
	if rb == nil {
		return
	}
	rb.mu.Lock()
	d := rb.listeners[id]
	delete(rb.listeners, id)
	rb.mu.Unlock()
	if d != nil {
		d.stop()
	}
}

// AddSessionListener registers a listener that receives events across all of
// a session's runs, identified by the event's sessionId.
func (b *Bus) AddSessionListener(sessionID string, cb Listener) int {
	d := newDispatcher(cb)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[int]*dispatcher)
	}
	b.sessions[sessionID][id] = d
	b.mu.Unlock()
	return id
}

// RemoveSessionListener unregisters a session listener. Idempotent.
func (b *Bus) RemoveSessionListener(sessionID string, id int) {
	b.mu.Lock()
	var d *dispatcher
	if subs := b.sessions[sessionID]; subs != nil {
		d = subs[id]
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	b.mu.Unlock()
	if d != nil {
		d.stop()
	}
}

// GetBuffer returns a snapshot of the run's buffered events in seq order.
func (b *Bus) GetBuffer(runID string) []*AgentEvent {
	b.mu.RLock()
	rb := b.runs[runID]
	b.mu.RUnlock()
	if rb == nil {
		return nil
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]*AgentEvent, len(rb.buffer))
	copy(out, rb.buffer)
	return out
}

// DropRun releases a run's buffer and listeners. Called by the run manager
// once a terminal run no longer needs replay.
func (b *Bus) DropRun(runID string) {
	b.mu.Lock()
	rb := b.runs[runID]
	delete(b.runs, runID)
	b.mu.Unlock()
	if rb == nil {
		return
	}
	rb.mu.Lock()
	dispatchers := make([]*dispatcher, 0, len(rb.listeners))
	for _, d := range rb.listeners {
		dispatchers = append(dispatchers, d)
	}
	rb.listeners = make(map[int]*dispatcher)
	rb.mu.Unlock()
	for _, d := range dispatchers {
		d.stop()
	}
}

// Reset drops all runs and listeners. For tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	runs := b.runs
	sessions := b.sessions
	b.runs = make(map[string]*runBus)
	b.sessions = make(map[string]map[int]*dispatcher)
	b.mu.Unlock()

	for _, rb := range runs {
		rb.mu.Lock()
		for _, d := range rb.listeners {
			d.stop()
		}
		rb.mu.Unlock()
	}
	for _, subs := range sessions {
		for _, d := range subs {
			d.stop()
		}
	}
}

// runFor returns the run's sub-bus, creating it on first use.
func (b *Bus) runFor(runID, sessionID string) *runBus {
	b.mu.RLock()
	rb := b.runs[runID]
	b.mu.RUnlock()
	if rb != nil {
		return rb
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rb = b.runs[runID]; rb != nil {
		return rb
	}
	rb = &runBus{
		sessionID: sessionID,
		listeners: make(map[int]*dispatcher),
	}
	b.runs[runID] = rb
	return rb
}

// dispatcher delivers events to one listener in order without blocking the
// emitter. Events queue in memory until the listener consumes them; a
// panicking listener is logged and skipped.
type dispatcher struct {
	cb      Listener
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*AgentEvent
	stopped bool
}

func newDispatcher(cb Listener) *dispatcher {
	d := &dispatcher{cb: cb}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) enqueue(event *AgentEvent) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, event)
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped && len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		event := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(event)
	}
}

// deliver invokes the listener with panic isolation: a throwing listener is
// logged and skipped, and subsequent events keep flowing.
func (d *dispatcher) deliver(event *AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event listener panicked; event skipped",
				"event_type", event.Type, "seq", event.Seq, "panic", r)
		}
	}()
	d.cb(event)
}
