package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// servedRecorder is implemented by executors that can audit a call answered
// without execution, such as a cached result a hook injected. Declared
// locally; the trace recorder satisfies it.
type servedRecorder interface {
	RecordServed(name string, args map[string]any, res *tools.Result) error
}

// runToolCalls executes one assistant turn's tool batch in request order.
// Returns a terminal result when the batch ends the run (report, abort,
// runtime fault), or (nil, true) to proceed with the iteration. (nil, false)
// means the iteration timed out mid-batch: every unfinished call got a
// timeout result so the conversation stays well formed, a retry note was
// appended, and the caller skips straight to the next iteration.
func (l *Loop) runToolCalls(ctx, iterCtx context.Context, run *middleware.RunState, st *iterationState, calls []llm.ToolCall, advertised []llm.ToolDefinition) (*Result, bool) {
	allowed := make(map[string]bool, len(advertised))
	names := make([]string, 0, len(advertised))
	for _, def := range advertised {
		allowed[def.Name] = true
		names = append(names, def.Name)
	}

	for i, call := range calls {
		args, perr := parseToolArgs(call.Arguments)
		if perr != nil {
			res := tools.Errorf(tools.ErrCodeInvalidArgs, "tool arguments are not valid JSON: %v", perr)
			l.emitToolError(run, call, res)
			appendToolMessage(run, call, res)
			l.source.Observe(call.Name, res)
			continue
		}

		// The report channel intercepts before dispatch: no hooks, no
		// executor. A malformed report is fed back as an error result so the
		// model can retry; a valid one ends the run and the rest of the
		// batch never executes.
		if call.Name == tools.ToolReport {
			answer, claims, rerr := tools.ParseReport(args)
			if rerr != nil {
				res := tools.Errorf(tools.ErrCodeInvalidArgs, "%v", rerr)
				l.emitToolError(run, call, res)
				appendToolMessage(run, call, res)
				continue
			}
			appendToolMessage(run, call, tools.Text("report received"))
			return &Result{
				StopCode: models.StopReportComplete,
				Reason:   "report submitted",
				Answer:   answer,
				Claims:   claims,
			}, false
		}

		// Calls outside the advertised set cover both gated tools the model
		// jumped ahead to and names it invented.
		if !allowed[call.Name] {
			res := tools.Errorf(tools.ErrCodeUnknownTool, "tool %q is not available; advertised tools: %s",
				call.Name, strings.Join(names, ", "))
			l.emitToolError(run, call, res)
			appendToolMessage(run, call, res)
			l.source.Observe(call.Name, res)
			continue
		}

		exec := &middleware.ToolExecContext{
			Run:      run,
			CallID:   call.ID,
			Tool:     call.Name,
			Args:     args,
			Mutating: l.source.Mutating(call.Name),
		}
		decision, err := l.pipeline.BeforeToolExec(iterCtx, exec)
		if err != nil {
			return failResult(err), false
		}

		var res *tools.Result
		if decision == middleware.DecisionSkip {
			res = exec.SkipResult
			if res == nil {
				res = tools.Text("tool call skipped")
			}
			// Served results enter the trace like executed ones; a recorder
			// that cannot write ends the run the same way.
			if rec, ok := l.executor.(servedRecorder); ok {
				if rerr := rec.RecordServed(call.Name, args, res); rerr != nil {
					return l.recoverToolError(ctx, run, st, calls[i:], rerr)
				}
			}
		} else {
			var execErr error
			res, execErr = l.executor.Execute(iterCtx, call.Name, args)
			if execErr != nil {
				return l.recoverToolError(ctx, run, st, calls[i:], execErr)
			}
		}

		if res.Error != nil && res.Error.Code == tools.ErrCodePolicyDenied {
			st.deniedCalls++
		}
		appendToolMessage(run, call, res)
		if err := l.pipeline.AfterToolExec(iterCtx, exec, res); err != nil {
			return failResult(err), false
		}
		l.source.Observe(call.Name, res)
	}
	return nil, true
}

// recoverToolError handles a Go error from the executor, which only surfaces
// runtime faults (results carry tool failures). remaining starts at the
// failing call. An iteration timeout stamps a timeout result on every
// unfinished call and retries; anything else means the audit trail can no
// longer be trusted, so the run ends.
func (l *Loop) recoverToolError(ctx context.Context, run *middleware.RunState, st *iterationState, remaining []llm.ToolCall, execErr error) (*Result, bool) {
	failing := remaining[0]
	run.Emit(events.EventToolError, events.ToolErrorPayload{
		Type:         events.EventToolError,
		Tool:         failing.Name,
		InvocationID: failing.ID,
		Code:         toolErrCode(execErr),
		Message:      execErr.Error(),
	})
	l.logger.Warn("tool execution fault",
		slog.String("run_id", run.RunID),
		slog.Int("iteration", run.Iteration),
		slog.String("tool", failing.Name),
		slog.Any("error", execErr))

	if ctx.Err() != nil {
		return aborted(), false
	}
	if errors.Is(execErr, context.DeadlineExceeded) {
		for _, call := range remaining {
			appendToolMessage(run, call, tools.Errorf(tools.ErrCodeTimeout, "iteration timed out before this call finished"))
		}
		st.recordFailure(execErr.Error(), true)
		if st.abortOnTimeouts() {
			return &Result{
				StopCode: models.StopIterationError,
				Reason:   "consecutive iteration timeouts",
				Failure: &models.FailureReport{
					Kind:    models.FailureTimeout,
					Message: fmt.Sprintf("iterations timed out %d times in a row", st.consecutiveTimeouts),
				},
			}, false
		}
		run.Messages = append(run.Messages, llm.Message{Role: llm.RoleUser, Content: retryMessage(execErr)})
		return nil, false
	}
	return &Result{
		StopCode: models.StopIterationError,
		Reason:   execErr.Error(),
		Failure:  &models.FailureReport{Kind: models.FailureToolError, Message: execErr.Error()},
	}, false
}

// emitToolError publishes a tool:error event for a call that never reached
// the hook pipeline, so the run stream still explains what happened to it.
func (l *Loop) emitToolError(run *middleware.RunState, call llm.ToolCall, res *tools.Result) {
	run.Emit(events.EventToolError, events.ToolErrorPayload{
		Type:         events.EventToolError,
		Tool:         call.Name,
		InvocationID: call.ID,
		Code:         res.Error.Code,
		Message:      res.Error.Message,
	})
}

func toolErrCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return tools.ErrCodeTimeout
	}
	return tools.ErrCodeExecFailed
}

// parseToolArgs decodes a tool call's JSON arguments. Providers send "" for
// zero-argument calls; that and JSON null normalize to an empty map.
func parseToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// appendToolMessage adds the result message answering one tool call. The
// content is the result's JSON rendering, so the model sees success and
// error codes in one uniform shape.
func appendToolMessage(run *middleware.RunState, call llm.ToolCall, res *tools.Result) {
	run.Messages = append(run.Messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    res.Marshal(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    !res.Success,
	})
}
