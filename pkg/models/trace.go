package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TraceRefPrefix is the opaque reference form under which traces are loaded.
const TraceRefPrefix = "trace:"

// InvocationStatus is the terminal state of a recorded tool invocation.
type InvocationStatus string

const (
	InvocationSuccess InvocationStatus = "success"
	InvocationFailed  InvocationStatus = "failed"
	InvocationTimeout InvocationStatus = "timeout"
	InvocationError   InvocationStatus = "error"
)

// InvocationPurpose distinguishes execution calls from verification probes.
type InvocationPurpose string

const (
	PurposeExecution    InvocationPurpose = "execution"
	PurposeVerification InvocationPurpose = "verification"
)

// EvidenceKind classifies an evidence reference.
type EvidenceKind string

const (
	EvidenceFile    EvidenceKind = "file"
	EvidenceLog     EvidenceKind = "log"
	EvidenceReceipt EvidenceKind = "receipt"
)

// EvidenceRef is a structured proof tag attached to an invocation:
// a file hash, a log line, or a plugin receipt.
type EvidenceRef struct {
	Kind     EvidenceKind `json:"kind"`
	Ref      string       `json:"ref"`
	Hash     string       `json:"hash,omitempty"`
	ExitCode *int         `json:"exit_code,omitempty"`
}

// Digest summarizes an invocation for fast verification without
// parsing the full output.
type Digest struct {
	KeyEvents []string       `json:"key_events,omitempty"`
	Counters  map[string]int `json:"counters,omitempty"`
}

// Digest key events.
const (
	KeyEventFileCreated     = "file_created"
	KeyEventFileRead        = "file_read"
	KeyEventFileEdited      = "file_edited"
	KeyEventFileDeleted     = "file_deleted"
	KeyEventCommandExecuted = "command_executed"
	KeyEventFromCache       = "from_cache"
	KeyEventFailed          = "failed"
)

// Digest counters.
const (
	CounterFilesWritten     = "files_written"
	CounterFilesRead        = "files_read"
	CounterCommandsExecuted = "commands_executed"
	CounterErrors           = "errors"
)

// ToolInvocation is one recorded tool call. Appended as a placeholder before
// execution and finalized in place afterwards.
type ToolInvocation struct {
	InvocationID string            `json:"invocation_id"`
	Tool         string            `json:"tool"`
	ArgsHash     string            `json:"args_hash"`
	Args         json.RawMessage   `json:"args,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Purpose      InvocationPurpose `json:"purpose"`
	Status       InvocationStatus  `json:"status"`
	Output       string            `json:"output,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	Error        string            `json:"error,omitempty"`
	EvidenceRefs []EvidenceRef     `json:"evidence_refs,omitempty"`
	Digest       Digest            `json:"digest,omitempty"`
}

// ToolTrace is the append-only ordered log of tool invocations for one
// specialist execution. It is the ground truth the verifier checks against.
type ToolTrace struct {
	TraceID      string           `json:"trace_id"`
	SessionID    string           `json:"session_id"`
	SpecialistID string           `json:"specialist_id"`
	Invocations  []ToolInvocation `json:"invocations,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Ref returns the opaque trace reference ("trace:<traceId>").
func (t *ToolTrace) Ref() string {
	return TraceRefPrefix + t.TraceID
}

// ParseTraceRef extracts the trace ID from an opaque reference.
// Returns "" when the reference does not carry the trace prefix.
func ParseTraceRef(ref string) string {
	if !strings.HasPrefix(ref, TraceRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(ref, TraceRefPrefix)
}
