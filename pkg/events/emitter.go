package events

// RunEmitter stamps one run's identity onto every event it emits. The loop
// and middlewares emit type and payload only; the emitter fills the envelope
// so they never carry routing fields around.
type RunEmitter struct {
	Bus           *Bus
	RunID         string
	SessionID     string
	AgentID       string
	ParentAgentID string
}

// Emit wraps the payload in an AgentEvent addressed to this run and hands it
// to the bus, which assigns the sequence number. A nil bus drops the event,
// so components stay testable without bus plumbing.
func (e *RunEmitter) Emit(eventType string, payload any) {
	if e == nil || e.Bus == nil {
		return
	}
	e.Bus.Emit(e.RunID, &AgentEvent{
		Type:          eventType,
		SessionID:     e.SessionID,
		TaskID:        e.RunID,
		AgentID:       e.AgentID,
		ParentAgentID: e.ParentAgentID,
		Payload:       payload,
	})
}
