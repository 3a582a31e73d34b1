package trace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// MaskFunc scrubs sensitive material from tool output before it is persisted
// or shown to the model.
type MaskFunc func(output string) string

// Recorder wraps a tool executor and records every call into a trace:
// a placeholder invocation is appended before execution, then finalized in
// place with status, output, duration, evidence refs and digest.
type Recorder struct {
	store   *Store
	next    tools.Executor
	traceID string
	purpose models.InvocationPurpose
	mask    MaskFunc
	logger  *slog.Logger
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithMask installs an output masker applied to shell and plugin tool
// outputs before recording.
func WithMask(mask MaskFunc) RecorderOption {
	return func(r *Recorder) { r.mask = mask }
}

// WithPurpose tags recorded invocations; verification probes use
// models.PurposeVerification.
func WithPurpose(p models.InvocationPurpose) RecorderOption {
	return func(r *Recorder) { r.purpose = p }
}

// NewRecorder builds a recorder writing to traceID.
func NewRecorder(store *Store, next tools.Executor, traceID string, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   store,
		next:    next,
		traceID: traceID,
		purpose: models.PurposeExecution,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TraceRef returns the opaque reference of the trace being recorded.
func (r *Recorder) TraceRef() string {
	return models.TraceRefPrefix + r.traceID
}

// Execute records one tool call around the wrapped executor. Trace write
// failures are returned as errors: a trace that cannot record is no longer
// ground truth, so the run must stop rather than continue unaudited.
func (r *Recorder) Execute(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	argsJSON, argsHash, err := CanonicalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("canonicalize arguments for %s: %w", name, err)
	}

	inv := models.ToolInvocation{
		InvocationID: uuid.New().String(),
		Tool:         name,
		ArgsHash:     argsHash,
		Args:         argsJSON,
		Timestamp:    time.Now().UTC(),
		Purpose:      r.purpose,
		Status:       models.InvocationSuccess, // placeholder until finalized
	}
	if err := r.store.Append(r.traceID, inv); err != nil {
		return nil, fmt.Errorf("record invocation: %w", err)
	}

	started := time.Now()
	res, execErr := r.next.Execute(ctx, name, args)
	inv.DurationMS = time.Since(started).Milliseconds()

	if execErr != nil {
		inv.Status = models.InvocationError
		inv.Error = execErr.Error()
		inv.Digest = models.Digest{
			KeyEvents: []string{models.KeyEventFailed},
			Counters:  map[string]int{models.CounterErrors: 1},
		}
		if uerr := r.store.Update(r.traceID, inv); uerr != nil {
			r.logger.Error("failed to finalize invocation record",
				slog.String("trace_id", r.traceID), slog.Any("error", uerr))
		}
		return nil, execErr
	}

	if r.mask != nil && res.Output != "" && masksOutput(name) {
		res.Output = r.mask(res.Output)
	}

	inv.Status = invocationStatus(res)
	inv.Output = res.Output
	if res.Error != nil {
		inv.Error = res.Error.Message
	}
	inv.EvidenceRefs = buildEvidence(name, args, res, argsHash)
	inv.Digest = buildDigest(name, res)

	if err := r.store.Update(r.traceID, inv); err != nil {
		return nil, fmt.Errorf("finalize invocation record: %w", err)
	}
	return res, nil
}

// RecordServed appends a finalized invocation for a call answered without
// reaching the wrapped executor, such as a cached result replayed by a hook.
// Status, evidence and digest come from the served result; there is no
// execution, so no duration.
func (r *Recorder) RecordServed(name string, args map[string]any, res *tools.Result) error {
	argsJSON, argsHash, err := CanonicalArgs(args)
	if err != nil {
		return fmt.Errorf("canonicalize arguments for %s: %w", name, err)
	}

	inv := models.ToolInvocation{
		InvocationID: uuid.New().String(),
		Tool:         name,
		ArgsHash:     argsHash,
		Args:         argsJSON,
		Timestamp:    time.Now().UTC(),
		Purpose:      r.purpose,
		Status:       invocationStatus(res),
		Output:       res.Output,
		EvidenceRefs: buildEvidence(name, args, res, argsHash),
		Digest:       buildDigest(name, res),
	}
	if res.Error != nil {
		inv.Error = res.Error.Message
	}
	if err := r.store.Append(r.traceID, inv); err != nil {
		return fmt.Errorf("record served invocation: %w", err)
	}
	return nil
}

// CanonicalArgs marshals tool arguments deterministically (encoding/json
// sorts map keys) and returns the serialized form with its SHA-256.
func CanonicalArgs(args map[string]any) (json.RawMessage, string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func invocationStatus(res *tools.Result) models.InvocationStatus {
	if res.Error == nil {
		return models.InvocationSuccess
	}
	if res.Error.Code == tools.ErrCodeTimeout {
		return models.InvocationTimeout
	}
	return models.InvocationFailed
}

// buildEvidence attaches proof refs per tool family. Filesystem and plugin
// evidence requires a successful call; shell evidence requires only that the
// command ran (the exit code is the evidence).
func buildEvidence(name string, args map[string]any, res *tools.Result, argsHash string) []models.EvidenceRef {
	switch {
	case name == "fs:read":
		if !res.Success {
			return nil
		}
		return []models.EvidenceRef{{Kind: models.EvidenceFile, Ref: pathOf(args, res)}}
	case name == "fs:write" || name == "fs:edit":
		if !res.Success {
			return nil
		}
		hash, _ := res.Metadata["contentHash"].(string)
		return []models.EvidenceRef{{Kind: models.EvidenceFile, Ref: pathOf(args, res), Hash: hash}}
	case name == "fs:delete":
		if !res.Success {
			return nil
		}
		return []models.EvidenceRef{{Kind: models.EvidenceFile, Ref: pathOf(args, res)}}
	case name == "shell:exec":
		code, ok := exitCodeOf(res)
		if !ok {
			return nil
		}
		cmd, _ := res.Metadata["command"].(string)
		if cmd == "" {
			cmd, _ = args["command"].(string)
		}
		return []models.EvidenceRef{{Kind: models.EvidenceLog, Ref: "shell:" + cmd, ExitCode: &code}}
	case isPluginTool(name):
		if !res.Success {
			return nil
		}
		return []models.EvidenceRef{{Kind: models.EvidenceReceipt, Ref: name, Hash: argsHash}}
	}
	return nil
}

func buildDigest(name string, res *tools.Result) models.Digest {
	var events []string
	counters := map[string]int{}

	if fromCache, _ := res.Metadata["from_cache"].(bool); fromCache {
		events = append(events, models.KeyEventFromCache)
	}

	switch name {
	case "fs:read":
		if res.Success {
			events = append(events, models.KeyEventFileRead)
			counters[models.CounterFilesRead]++
		}
	case "fs:write":
		if res.Success {
			if created, _ := res.Metadata["created"].(bool); created {
				events = append(events, models.KeyEventFileCreated)
			} else {
				events = append(events, models.KeyEventFileEdited)
			}
			counters[models.CounterFilesWritten]++
		}
	case "fs:edit":
		if res.Success {
			events = append(events, models.KeyEventFileEdited)
			counters[models.CounterFilesWritten]++
		}
	case "fs:delete":
		if res.Success {
			events = append(events, models.KeyEventFileDeleted)
		}
	case "shell:exec":
		if _, ran := exitCodeOf(res); ran {
			events = append(events, models.KeyEventCommandExecuted)
			counters[models.CounterCommandsExecuted]++
		}
	}

	if res.Error != nil {
		events = append(events, models.KeyEventFailed)
		counters[models.CounterErrors]++
	}
	if len(counters) == 0 {
		counters = nil
	}
	return models.Digest{KeyEvents: events, Counters: counters}
}

func pathOf(args map[string]any, res *tools.Result) string {
	if p, ok := res.Metadata["path"].(string); ok && p != "" {
		return p
	}
	p, _ := args["path"].(string)
	return p
}

func exitCodeOf(res *tools.Result) (int, bool) {
	switch v := res.Metadata["exitCode"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// isPluginTool reports whether name addresses an MCP server
// ("serverID:toolName"); builtin families and reserved names are excluded.
func isPluginTool(name string) bool {
	if !strings.Contains(name, ":") {
		return false
	}
	return !strings.HasPrefix(name, "fs:") && name != "shell:exec"
}

// masksOutput reports whether a tool family's output passes through the
// masker. Shell and plugin outputs carry external data and get scrubbed;
// workspace file contents do not.
func masksOutput(name string) bool {
	return name == "shell:exec" || isPluginTool(name)
}
