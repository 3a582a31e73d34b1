package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/masking"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

const previewLimit = 200

// Observability emits the per-iteration lifecycle events (iteration, LLM
// call, tool call) with wall-clock timings. Order 0: it opens every
// pre-hook chain and closes every post-hook chain, so its timestamps
// bracket all other middlewares.
type Observability struct {
	masker *masking.Service
}

// NewObservability builds the lifecycle emitter. masker may be nil; when
// set, argument and output previews are masked before they leave the
// process.
func NewObservability(masker *masking.Service) *Observability {
	return &Observability{masker: masker}
}

func (o *Observability) Name() string { return "observability" }
func (o *Observability) Order() int   { return 0 }
func (o *Observability) Config() HookConfig {
	return HookConfig{FailPolicy: FailOpen, Timeout: 5 * time.Second}
}
func (o *Observability) Enabled(*RunState) bool { return true }

func (o *Observability) BeforeIteration(_ context.Context, run *RunState) (Action, error) {
	run.Emit(events.EventIterationStart, events.IterationPayload{
		Type:      events.EventIterationStart,
		Iteration: run.Iteration,
		MaxIter:   run.MaxIterations,
	})
	return Continue, nil
}

func (o *Observability) AfterIteration(_ context.Context, run *RunState) error {
	run.Emit(events.EventIterationEnd, events.IterationPayload{
		Type:      events.EventIterationEnd,
		Iteration: run.Iteration,
		MaxIter:   run.MaxIterations,
	})
	return nil
}

func (o *Observability) BeforeLLMCall(_ context.Context, call *LLMCallContext) (*Patch, error) {
	call.Run.Meta["obs.llmStart"] = time.Now()
	call.Run.Emit(events.EventLLMStart, events.LLMStartPayload{
		Type:         events.EventLLMStart,
		Tier:         string(call.Tier),
		MessageCount: len(call.Messages),
		Temperature:  call.Temperature,
	})
	return nil, nil
}

func (o *Observability) AfterLLMCall(_ context.Context, call *LLMCallContext, result *llm.ChatResult) error {
	run := call.Run
	var durationMS int64
	if start, ok := run.Meta["obs.llmStart"].(time.Time); ok {
		durationMS = time.Since(start).Milliseconds()
		delete(run.Meta, "obs.llmStart")
	}
	payload := events.LLMEndPayload{
		Type:       events.EventLLMEnd,
		DurationMS: durationMS,
	}
	if result != nil {
		payload.StopReason = string(result.StopReason)
		payload.Content = result.Content
		payload.ToolCalls = len(result.ToolCalls)
		payload.Usage.Prompt = result.Usage.PromptTokens
		payload.Usage.Completion = result.Usage.CompletionTokens
		payload.Usage.Total = result.Usage.Total()
	}
	run.Emit(events.EventLLMEnd, payload)
	return nil
}

func (o *Observability) BeforeToolExec(_ context.Context, exec *ToolExecContext) (ToolDecision, error) {
	exec.Run.Meta["obs.tool."+exec.CallID] = time.Now()
	exec.Run.Emit(events.EventToolStart, events.ToolStartPayload{
		Type:         events.EventToolStart,
		Tool:         exec.Tool,
		InvocationID: exec.CallID,
		ArgsPreview:  o.preview(marshalArgs(exec.Args)),
	})
	return DecisionExecute, nil
}

func (o *Observability) AfterToolExec(_ context.Context, exec *ToolExecContext, result *tools.Result) error {
	run := exec.Run
	key := "obs.tool." + exec.CallID
	var durationMS int64
	if start, ok := run.Meta[key].(time.Time); ok {
		durationMS = time.Since(start).Milliseconds()
		delete(run.Meta, key)
	}
	payload := events.ToolEndPayload{
		Type:         events.EventToolEnd,
		Tool:         exec.Tool,
		InvocationID: exec.CallID,
		Status:       "success",
		DurationMS:   durationMS,
	}
	if result != nil {
		if !result.Success {
			payload.Status = "failed"
			if result.Error != nil && result.Error.Code == tools.ErrCodeTimeout {
				payload.Status = "timeout"
			}
		}
		payload.OutputPreview = o.preview(result.Output)
		if cached, ok := result.Metadata["from_cache"].(bool); ok && cached {
			payload.FromCache = true
		}
	}
	run.Emit(events.EventToolEnd, payload)
	return nil
}

// preview masks and bounds a string for event payloads. Full content stays
// in the trace; events carry only enough to follow along.
func (o *Observability) preview(s string) string {
	if o.masker != nil && o.masker.Enabled() {
		s = o.masker.Mask(s)
	}
	if len(s) > previewLimit {
		s = s[:previewLimit] + "..."
	}
	return s
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
