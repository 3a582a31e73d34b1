// Package events provides the in-process event bus that sequences every
// agent-runtime event, plus real-time delivery via WebSocket and PostgreSQL
// NOTIFY/LISTEN for cross-pod distribution.
//
// ════════════════════════════════════════════════════════════════
// Event delivery paths
// ════════════════════════════════════════════════════════════════
//
// Every event is emitted exactly once into the Bus, which assigns the
// per-run sequence number and fans out to in-process listeners (turn
// assembly, run manager, journal). From there, delivery splits by
// event class:
//
// PERSISTENT events (agent/tool/orchestrator lifecycle):
//
//	bus.Emit → events table INSERT + pg_notify (same tx) → NotifyListener
//	on every pod → ConnectionManager.Broadcast → WebSocket clients
//
//	Stored rows double as the catchup source: a client that reconnects
//	with last_event_id receives the missed suffix before going live.
//
// TRANSIENT events (llm:chunk, progress:update):
//
//	bus.Emit → pg_notify only → live WebSocket delivery
//
//	High-frequency and ephemeral — lost on disconnect. Clients recover
//	the final state from the next persistent event (llm:end carries the
//	full content the chunks streamed).
//
// The bus itself never blocks on either path: slow WebSocket clients are
// bounded by per-send write timeouts, and listener panics are isolated.
//
// ════════════════════════════════════════════════════════════════
package events

import (
	"time"
)

// Event types carried on the wire. The set is exhaustive: anything not
// listed here is a programming error, not an extension point.
const (
	EventAgentStart = "agent:start"
	EventAgentEnd   = "agent:end"
	EventAgentError = "agent:error"

	EventIterationStart = "iteration:start"
	EventIterationEnd   = "iteration:end"

	EventLLMStart = "llm:start"
	EventLLMChunk = "llm:chunk"
	EventLLMEnd   = "llm:end"

	EventToolStart = "tool:start"
	EventToolEnd   = "tool:end"
	EventToolError = "tool:error"

	EventOrchestratorStart  = "orchestrator:start"
	EventOrchestratorPlan   = "orchestrator:plan"
	EventOrchestratorAnswer = "orchestrator:answer"
	EventOrchestratorEnd    = "orchestrator:end"

	EventSubtaskStart = "subtask:start"
	EventSubtaskEnd   = "subtask:end"

	EventSynthesisForced   = "synthesis:forced"
	EventSynthesisStart    = "synthesis:start"
	EventSynthesisComplete = "synthesis:complete"

	EventMemoryRead  = "memory:read"
	EventMemoryWrite = "memory:write"

	EventVerificationStart    = "verification:start"
	EventVerificationComplete = "verification:complete"

	EventProgressUpdate = "progress:update"
	EventStatusChange   = "status:change"
)

// transientTypes are NOTIFY-only: high-frequency, never persisted.
var transientTypes = map[string]bool{
	EventLLMChunk:       true,
	EventProgressUpdate: true,
}

// Transient reports whether the event type is delivered live-only.
func Transient(eventType string) bool {
	return transientTypes[eventType]
}

// AgentEvent is the wire form of every runtime event. Seq is assigned by the
// bus at emit time and is strictly monotonic within a run.
type AgentEvent struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Seq           int64     `json:"seq"`
	SessionID     string    `json:"sessionId,omitempty"`
	TaskID        string    `json:"taskId,omitempty"`
	AgentID       string    `json:"agentId,omitempty"`
	ParentAgentID string    `json:"parentAgentId,omitempty"`
	Payload       any       `json:"payload,omitempty"`
}

// GlobalRunsChannel is the NOTIFY channel for run-level status events.
// Dashboards subscribe to this for the run list.
const GlobalRunsChannel = "runs"

// RunChannel returns the NOTIFY channel name for a run's events.
// Format: "run:{run_id}"
func RunChannel(runID string) string {
	return "run:" + runID
}

// SessionChannel returns the NOTIFY channel name for a session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// Server → client WebSocket message types.
const (
	MsgConnectionReady      = "connection:ready"
	MsgAgentEvent           = "agent:event"
	MsgRunCompleted         = "run:completed"
	MsgCorrectionAck        = "correction:ack"
	MsgError                = "error"
	MsgConversationSnapshot = "conversation:snapshot"
	MsgTurnSnapshot         = "turn:snapshot"
	MsgPong                 = "pong"
	MsgCatchupOverflow      = "catchup:overflow"
)

// Client → server WebSocket message types.
const (
	MsgUserCorrection = "user:correction"
	MsgUserStop       = "user:stop"
	MsgPing           = "ping"
)

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Type          string `json:"type"`
	Message       string `json:"message,omitempty"`
	TargetAgentID string `json:"targetAgentId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	LastEventID   *int64 `json:"lastEventId,omitempty"`
}
