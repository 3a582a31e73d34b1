// Package tools implements the tool layer of the agent runtime: builtin
// filesystem and shell tools, the report channel, glob-based permission
// enforcement, plugin tools served over MCP, and the registry that routes
// canonical "namespace:operation" names to executors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reserved tool names with runtime-level semantics. The iteration loop and
// orchestrator intercept these before normal dispatch.
const (
	ToolReport          = "report"
	ToolSpawnAgent      = "spawn_agent"
	ToolAskOrchestrator = "ask_orchestrator"
	ToolArchiveRecall   = "archive_recall"
	ToolReflect         = "reflect_on_progress"
)

// ReservedNames lists every reserved tool name.
var ReservedNames = []string{ToolReport, ToolSpawnAgent, ToolAskOrchestrator, ToolArchiveRecall, ToolReflect}

// Error codes surfaced in Result.Error.Code.
const (
	ErrCodeUnknownTool  = "unknown_tool"
	ErrCodePolicyDenied = "policy_denied"
	ErrCodeInvalidArgs  = "invalid_args"
	ErrCodeExecFailed   = "exec_failed"
	ErrCodeTimeout      = "timeout"
)

// ToolError describes a tool failure in a form the model can act on.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of one tool invocation. Failures are returned as
// results, not Go errors: the model decides recovery (retry, alternate tool,
// report). Go errors are reserved for runtime faults.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    *ToolError     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Errorf builds a failure Result with the given code.
func Errorf(code, format string, args ...any) *Result {
	return &Result{
		Success: false,
		Error:   &ToolError{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

// Text builds a success Result carrying plain output.
func Text(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Definition describes a tool to the model and to the verifier.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// OutputSchema, when declared (plugin tools), opts the tool's outputs
	// into schema verification.
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	// Group assigns the tool to a strategy group (prioritized/gated modes).
	Group string `json:"group,omitempty"`
	// Mutating marks tools whose effects change external state; their
	// results are never served from cache and their file effects are
	// snapshotted.
	Mutating bool `json:"mutating,omitempty"`
}

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition
	Run func(ctx context.Context, args map[string]any) (*Result, error)
}

// Executor runs tool calls by canonical name.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// Marshal renders a Result as the JSON string handed back to the model.
func (r *Result) Marshal() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Result trees are plain maps and strings; this is unreachable
		// short of a programmer bug.
		return fmt.Sprintf(`{"success":false,"error":{"code":%q,"message":"result marshal failed"}}`, ErrCodeExecFailed)
	}
	return string(data)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intArg reads an integer argument, accepting the numeric types JSON and
// YAML decoding produce.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
