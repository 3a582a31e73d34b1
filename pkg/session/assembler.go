// Package session reduces the event stream of a conversation into turns:
// one turn per run, with its iterations, tool calls, LLM calls and
// verification passes folded into ordered steps. The WebSocket session
// stream and the conversation snapshot are built from this view.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// Step types produced by the reducer.
const (
	StepIteration = "iteration"
	StepTool      = "tool"
	StepLLM       = "llm"
	StepVerify    = "verify"
)

// Assembler folds one session's events into turns. A turn opens on the root
// agent's agent:start (the event without a parent agent) and completes on its
// agent:end; everything in between reduces to steps. User turns are
// synthesized by the caller through AddUserTurn.
//
// Safe for concurrent use: events arrive on bus dispatch goroutines while
// the API reads snapshots.
type Assembler struct {
	mu    sync.Mutex
	turns []models.Turn
	seq   int

	// open indexes into turns for the streaming turn of each run.
	open map[string]int
	// openSteps indexes open step positions by reducer-specific keys.
	openSteps map[string]stepRef
}

type stepRef struct {
	turn int
	step int
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		open:      make(map[string]int),
		openSteps: make(map[string]stepRef),
	}
}

// AddUserTurn appends a completed user turn for a submitted task and returns
// a copy of it.
func (a *Assembler) AddUserTurn(message string) models.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	a.seq++
	turn := models.Turn{
		ID:          uuid.NewString(),
		Type:        models.TurnTypeUser,
		Sequence:    a.seq,
		StartedAt:   now,
		CompletedAt: &now,
		Status:      models.TurnStatusCompleted,
		Metadata:    map[string]any{"message": message},
	}
	a.turns = append(a.turns, turn)
	return turn
}

// Apply folds one event into the conversation. The returned turn is a copy of
// the turn the event touched; ok is false for events that changed nothing.
func (a *Assembler) Apply(ev events.AgentEvent) (models.Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case events.EventAgentStart:
		if ev.ParentAgentID != "" {
			return models.Turn{}, false // worker dispatch, not a new turn
		}
		return a.openTurn(ev)
	case events.EventAgentEnd:
		if ev.ParentAgentID != "" {
			return models.Turn{}, false
		}
		return a.closeTurn(ev)
	case events.EventIterationStart:
		var p events.IterationPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		key := fmt.Sprintf("iter:%s:%s", ev.TaskID, ev.AgentID)
		return a.openStep(ev, key, models.TurnStep{
			Type:      StepIteration,
			Name:      ev.AgentID,
			Detail:    fmt.Sprintf("iteration %d", p.Iteration),
			StartedAt: ev.Timestamp,
		})
	case events.EventIterationEnd:
		return a.closeStep(ev, fmt.Sprintf("iter:%s:%s", ev.TaskID, ev.AgentID), "")
	case events.EventToolStart:
		var p events.ToolStartPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		return a.openStep(ev, "tool:"+p.InvocationID, models.TurnStep{
			Type:      StepTool,
			Name:      p.Tool,
			Detail:    p.ArgsPreview,
			StartedAt: ev.Timestamp,
		})
	case events.EventToolEnd:
		var p events.ToolEndPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		return a.closeStep(ev, "tool:"+p.InvocationID, p.Status)
	case events.EventToolError:
		var p events.ToolErrorPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		return a.closeStep(ev, "tool:"+p.InvocationID, p.Message)
	case events.EventLLMStart:
		var p events.LLMStartPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		name := p.Model
		if name == "" {
			name = p.Tier
		}
		key := fmt.Sprintf("llm:%s:%s", ev.TaskID, ev.AgentID)
		return a.openStep(ev, key, models.TurnStep{
			Type:      StepLLM,
			Name:      name,
			StartedAt: ev.Timestamp,
		})
	case events.EventLLMEnd:
		var p events.LLMEndPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		return a.closeStep(ev, fmt.Sprintf("llm:%s:%s", ev.TaskID, ev.AgentID), p.StopReason)
	case events.EventVerificationStart:
		var p events.VerificationStartPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		return a.openStep(ev, "verify:"+ev.TaskID+":"+p.TraceRef, models.TurnStep{
			Type:      StepVerify,
			Name:      p.TraceRef,
			StartedAt: ev.Timestamp,
		})
	case events.EventVerificationComplete:
		var p events.VerificationCompletePayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		detail := "valid"
		if !p.Valid {
			detail = fmt.Sprintf("failed at level %d", p.Level)
		}
		return a.closeStep(ev, "verify:"+ev.TaskID+":"+p.TraceRef, detail)
	case events.EventOrchestratorAnswer:
		var p events.OrchestratorAnswerPayload
		if !decodePayload(ev.Payload, &p) {
			return models.Turn{}, false
		}
		idx, ok := a.open[ev.TaskID]
		if !ok {
			return models.Turn{}, false
		}
		if a.turns[idx].Metadata == nil {
			a.turns[idx].Metadata = map[string]any{}
		}
		a.turns[idx].Metadata["answer"] = p.Answer
		return copyTurn(a.turns[idx]), true
	}
	return models.Turn{}, false
}

// Turns returns a copy of the assembled conversation in order.
func (a *Assembler) Turns() []models.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Turn, len(a.turns))
	for i, t := range a.turns {
		out[i] = copyTurn(t)
	}
	return out
}

func (a *Assembler) openTurn(ev events.AgentEvent) (models.Turn, bool) {
	if idx, ok := a.open[ev.TaskID]; ok {
		// Ladder retry of the root agent: the turn keeps streaming.
		return copyTurn(a.turns[idx]), true
	}

	var p events.AgentStartPayload
	meta := map[string]any{"run_id": ev.TaskID, "agent_id": ev.AgentID}
	if decodePayload(ev.Payload, &p) {
		meta["task"] = p.Task
		if p.Tier != "" {
			meta["tier"] = p.Tier
		}
	}

	a.seq++
	a.turns = append(a.turns, models.Turn{
		ID:        ev.TaskID,
		Type:      models.TurnTypeAssistant,
		Sequence:  a.seq,
		StartedAt: ev.Timestamp,
		Status:    models.TurnStatusStreaming,
		Metadata:  meta,
	})
	a.open[ev.TaskID] = len(a.turns) - 1
	return copyTurn(a.turns[len(a.turns)-1]), true
}

func (a *Assembler) closeTurn(ev events.AgentEvent) (models.Turn, bool) {
	idx, ok := a.open[ev.TaskID]
	if !ok {
		return models.Turn{}, false
	}
	delete(a.open, ev.TaskID)

	turn := &a.turns[idx]
	done := ev.Timestamp
	turn.CompletedAt = &done

	var p events.AgentEndPayload
	if decodePayload(ev.Payload, &p) {
		turn.Status = turnStatus(p)
		if turn.Metadata == nil {
			turn.Metadata = map[string]any{}
		}
		turn.Metadata["outcome"] = p.Outcome
		if p.StopCode != "" {
			turn.Metadata["stop_code"] = p.StopCode
		}
	} else {
		turn.Status = models.TurnStatusCompleted
	}

	// Anything still streaming inside the turn ends with it.
	for key, ref := range a.openSteps {
		if ref.turn == idx {
			turn.Steps[ref.step].CompletedAt = &done
			delete(a.openSteps, key)
		}
	}
	return copyTurn(*turn), true
}

func (a *Assembler) openStep(ev events.AgentEvent, key string, step models.TurnStep) (models.Turn, bool) {
	idx, ok := a.open[ev.TaskID]
	if !ok {
		return models.Turn{}, false
	}
	a.turns[idx].Steps = append(a.turns[idx].Steps, step)
	a.openSteps[key] = stepRef{turn: idx, step: len(a.turns[idx].Steps) - 1}
	return copyTurn(a.turns[idx]), true
}

func (a *Assembler) closeStep(ev events.AgentEvent, key, detail string) (models.Turn, bool) {
	ref, ok := a.openSteps[key]
	if !ok {
		return models.Turn{}, false
	}
	delete(a.openSteps, key)

	step := &a.turns[ref.turn].Steps[ref.step]
	done := ev.Timestamp
	step.CompletedAt = &done
	if detail != "" {
		step.Detail = detail
	}
	return copyTurn(a.turns[ref.turn]), true
}

// turnStatus maps the root agent's terminal outcome onto the turn lifecycle.
func turnStatus(p events.AgentEndPayload) models.TurnStatus {
	switch models.OutcomeKind(p.Outcome) {
	case models.OutcomeCompleted:
		return models.TurnStatusCompleted
	default:
		if models.StopCode(p.StopCode) == models.StopAbortSignal {
			return models.TurnStatusCancelled
		}
		return models.TurnStatusFailed
	}
}

// decodePayload reads an event payload into target. In-process events carry
// the typed struct; events replayed from storage carry raw JSON.
func decodePayload(payload any, target any) bool {
	if payload == nil {
		return false
	}
	switch v := payload.(type) {
	case json.RawMessage:
		return json.Unmarshal(v, target) == nil
	case []byte:
		return json.Unmarshal(v, target) == nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

func copyTurn(t models.Turn) models.Turn {
	out := t
	out.Steps = make([]models.TurnStep, len(t.Steps))
	copy(out.Steps, t.Steps)
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
