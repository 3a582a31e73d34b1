// Package verify checks specialist outputs against their recorded tool
// traces and the real filesystem, and scores synthesized answers with a
// cross-tier judge model.
package verify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

// Category partitions verification failures for metrics and retry notes.
type Category string

const (
	CategoryMissingField       Category = "missing_field"
	CategoryInvalidType        Category = "invalid_type"
	CategorySchemaMismatch     Category = "schema_mismatch"
	CategoryHashMismatch       Category = "hash_mismatch"
	CategoryFileNotFound       Category = "file_not_found"
	CategoryAnchorMismatch     Category = "anchor_mismatch"
	CategoryFilesystemMismatch Category = "filesystem_mismatch"
)

// maxArtifactContent bounds one artifact's inline content.
const maxArtifactContent = 1024

// Error is one verification failure. Field names the offending output
// field, tool, or file path depending on the level.
type Error struct {
	Level    int      `json:"level"`
	Category Category `json:"category"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// String renders the error for retry notes and event payloads.
func (e Error) String() string {
	if e.Field == "" {
		return fmt.Sprintf("[%s] %s", e.Category, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Field, e.Message)
}

// Result is the outcome of one verification pass. Level is the deepest
// level that ran: the failing level, or 3 when everything passed.
type Result struct {
	Valid        bool           `json:"valid"`
	Level        int            `json:"level"`
	Errors       []Error        `json:"errors,omitempty"`
	FailedClaims []models.Claim `json:"failed_claims,omitempty"`
}

// ErrorStrings renders the errors for event payloads and retry prompts.
func (r *Result) ErrorStrings() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.String()
	}
	return out
}

// SchemaSource resolves a tool name to its declared output schema.
// tools.Registry implements it.
type SchemaSource interface {
	OutputSchema(tool string) (json.RawMessage, bool)
}

// Verifier runs the three sequential verification levels on a specialist
// output: structural, plugin output schema, filesystem claims. It stops at
// the first failing level.
//
// Traces are read only after the recorder sealed them, so no locking is
// needed against the writer.
type Verifier struct {
	traces  *trace.Store
	schemas SchemaSource
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSchemas enables level-2 output schema validation against src.
func WithSchemas(src SchemaSource) Option {
	return func(v *Verifier) { v.schemas = src }
}

// WithMetrics records every verification pass into m.
func WithMetrics(m *Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier builds a verifier over the given trace store.
func NewVerifier(traces *trace.Store, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{traces: traces, logger: logger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks output at all three levels, resolving relative claim paths
// under basePath. A nil output fails structurally.
func (v *Verifier) Verify(output *models.SpecialistOutput, basePath string) *Result {
	res := &Result{}
	rec := Record{At: time.Now()}

	start := time.Now()
	errs := v.checkStructure(output)
	rec.Durations[0] = time.Since(start)
	if len(errs) > 0 {
		res.Level = 1
		res.Errors = errs
		v.record(rec, res)
		return res
	}

	start = time.Now()
	errs = v.checkOutputSchemas(output)
	rec.Durations[1] = time.Since(start)
	if len(errs) > 0 {
		res.Level = 2
		res.Errors = errs
		v.record(rec, res)
		return res
	}

	start = time.Now()
	errs, failed := v.checkClaims(output.Claims, basePath)
	rec.Durations[2] = time.Since(start)
	res.Level = 3
	if len(errs) > 0 {
		res.Errors = errs
		res.FailedClaims = failed
		v.record(rec, res)
		return res
	}

	res.Valid = true
	v.record(rec, res)
	return res
}

func (v *Verifier) record(rec Record, res *Result) {
	if v.metrics == nil {
		return
	}
	rec.Valid = res.Valid
	rec.Level = res.Level
	for _, e := range res.Errors {
		rec.Categories = append(rec.Categories, e.Category)
	}
	v.metrics.Record(rec)
}

// checkStructure is level 1: required fields present and well formed,
// artifact contents bounded.
func (v *Verifier) checkStructure(output *models.SpecialistOutput) []Error {
	if output == nil {
		return []Error{{Level: 1, Category: CategoryMissingField, Field: "output", Message: "output is missing"}}
	}

	var errs []Error
	if strings.TrimSpace(output.Summary) == "" {
		errs = append(errs, Error{Level: 1, Category: CategoryMissingField, Field: "summary", Message: "summary must be a non-empty string"})
	}
	switch {
	case output.TraceRef == "":
		errs = append(errs, Error{Level: 1, Category: CategoryMissingField, Field: "trace_ref", Message: "trace reference is required"})
	case !strings.HasPrefix(output.TraceRef, models.TraceRefPrefix):
		errs = append(errs, Error{Level: 1, Category: CategoryInvalidType, Field: "trace_ref",
			Message: fmt.Sprintf("trace reference must carry the %q prefix", models.TraceRefPrefix)})
	}
	for i, a := range output.Artifacts {
		if a.Name == "" {
			errs = append(errs, Error{Level: 1, Category: CategoryMissingField,
				Field: fmt.Sprintf("artifacts[%d].name", i), Message: "artifact name is required"})
		}
		if len(a.Content) > maxArtifactContent {
			errs = append(errs, Error{Level: 1, Category: CategoryInvalidType,
				Field:   fmt.Sprintf("artifacts[%d].content", i),
				Message: fmt.Sprintf("artifact content is %d bytes, limit is %d", len(a.Content), maxArtifactContent)})
		}
	}
	return errs
}

// checkOutputSchemas is level 2: every successful invocation of a tool that
// declared an output schema must have produced output matching it. Opt-in:
// without a schema source the level passes.
func (v *Verifier) checkOutputSchemas(output *models.SpecialistOutput) []Error {
	if v.schemas == nil {
		return nil
	}

	tr, err := v.traces.Load(output.TraceRef)
	if err != nil {
		return []Error{{Level: 2, Category: CategoryInvalidType, Field: "trace_ref",
			Message: fmt.Sprintf("referenced trace cannot be loaded: %v", err)}}
	}

	var errs []Error
	compiled := make(map[string]*jsonschema.Schema)
	for _, inv := range tr.Invocations {
		if inv.Status != models.InvocationSuccess || inv.Output == "" {
			continue
		}
		raw, ok := v.schemas.OutputSchema(inv.Tool)
		if !ok {
			continue
		}

		schema, ok := compiled[inv.Tool]
		if !ok {
			schema, err = compileSchema(raw)
			if err != nil {
				// A schema that does not compile is the tool author's bug,
				// not the worker's claim. Skip the tool rather than fail
				// the worker for it.
				v.logger.Warn("skipping output schema that does not compile", "tool", inv.Tool, "error", err)
				compiled[inv.Tool] = nil
				continue
			}
			compiled[inv.Tool] = schema
		}
		if schema == nil {
			continue
		}

		var value any
		if err := json.Unmarshal([]byte(inv.Output), &value); err != nil {
			errs = append(errs, Error{Level: 2, Category: CategorySchemaMismatch, Field: inv.Tool,
				Message: fmt.Sprintf("invocation %s: output is not valid JSON", inv.InvocationID)})
			continue
		}
		if err := schema.Validate(value); err != nil {
			errs = append(errs, Error{Level: 2, Category: CategorySchemaMismatch, Field: inv.Tool,
				Message: fmt.Sprintf("invocation %s: %v", inv.InvocationID, err)})
		}
	}
	return errs
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// checkClaims is level 3: every claim holds against the real filesystem.
// command-executed claims are trusted; there is nothing to re-run.
func (v *Verifier) checkClaims(claims []models.Claim, basePath string) ([]Error, []models.Claim) {
	var errs []Error
	var failed []models.Claim
	for _, claim := range claims {
		if err := v.checkClaim(claim, basePath); err != nil {
			errs = append(errs, *err)
			failed = append(failed, claim)
		}
	}
	return errs, failed
}

func (v *Verifier) checkClaim(claim models.Claim, basePath string) *Error {
	switch claim.Kind {
	case models.ClaimFileWrite:
		return v.checkFileWrite(claim, basePath)
	case models.ClaimFileEdit, models.ClaimCodeInserted:
		return v.checkAnchor(claim, basePath)
	case models.ClaimFileDelete:
		return v.checkFileDelete(claim, basePath)
	case models.ClaimCommandExecuted:
		return nil
	default:
		return &Error{Level: 3, Category: CategoryFilesystemMismatch, Field: claim.FilePath,
			Message: fmt.Sprintf("unknown claim kind %q", claim.Kind)}
	}
}

func (v *Verifier) checkFileWrite(claim models.Claim, basePath string) *Error {
	if claim.ContentHash == "" {
		return &Error{Level: 3, Category: CategoryHashMismatch, Field: claim.FilePath,
			Message: "claim carries no content hash"}
	}
	data, err := os.ReadFile(resolvePath(claim.FilePath, basePath))
	if err != nil {
		return &Error{Level: 3, Category: CategoryHashMismatch, Field: claim.FilePath,
			Message: fmt.Sprintf("claimed file cannot be read: %v", err)}
	}
	if got := models.HashContent(string(data)); got != claim.ContentHash {
		return &Error{Level: 3, Category: CategoryHashMismatch, Field: claim.FilePath,
			Message: fmt.Sprintf("content hash %s does not match claimed %s", got[:12], claim.ContentHash)}
	}
	return nil
}

// checkAnchor verifies file-edit and code-inserted claims: the file exists
// and at least one anchor snippet survives in the current content. One
// matching snippet is enough; later edits may have displaced the other.
func (v *Verifier) checkAnchor(claim models.Claim, basePath string) *Error {
	data, err := os.ReadFile(resolvePath(claim.FilePath, basePath))
	if err != nil {
		return &Error{Level: 3, Category: CategoryFileNotFound, Field: claim.FilePath,
			Message: fmt.Sprintf("claimed file cannot be read: %v", err)}
	}
	if claim.Anchor == nil || (claim.Anchor.BeforeSnippet == "" && claim.Anchor.AfterSnippet == "") {
		return &Error{Level: 3, Category: CategoryAnchorMismatch, Field: claim.FilePath,
			Message: "claim carries no anchor snippets"}
	}
	content := string(data)
	if claim.Anchor.BeforeSnippet != "" && strings.Contains(content, claim.Anchor.BeforeSnippet) {
		return nil
	}
	if claim.Anchor.AfterSnippet != "" && strings.Contains(content, claim.Anchor.AfterSnippet) {
		return nil
	}
	return &Error{Level: 3, Category: CategoryAnchorMismatch, Field: claim.FilePath,
		Message: "neither anchor snippet is present in the current file content"}
}

func (v *Verifier) checkFileDelete(claim models.Claim, basePath string) *Error {
	_, err := os.Stat(resolvePath(claim.FilePath, basePath))
	if err == nil {
		return &Error{Level: 3, Category: CategoryFilesystemMismatch, Field: claim.FilePath,
			Message: "claimed deleted file still exists"}
	}
	if os.IsNotExist(err) {
		return nil
	}
	return &Error{Level: 3, Category: CategoryFilesystemMismatch, Field: claim.FilePath,
		Message: fmt.Sprintf("deletion cannot be confirmed: %v", err)}
}

func resolvePath(path, basePath string) string {
	if filepath.IsAbs(path) || basePath == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(basePath, path)
}
