package verify

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// schemaMap is a static SchemaSource for tests.
type schemaMap map[string]json.RawMessage

func (m schemaMap) OutputSchema(tool string) (json.RawMessage, bool) {
	s, ok := m[tool]
	return s, ok
}

type verifierFixture struct {
	traces *trace.Store
	base   string
}

func newFixture(t *testing.T) *verifierFixture {
	t.Helper()
	return &verifierFixture{
		traces: trace.NewStore(t.TempDir(), testLogger()),
		base:   t.TempDir(),
	}
}

func (f *verifierFixture) verifier(opts ...Option) *Verifier {
	return NewVerifier(f.traces, testLogger(), opts...)
}

// sealTrace records the given invocations in a completed trace and returns
// its reference.
func (f *verifierFixture) sealTrace(t *testing.T, invs ...models.ToolInvocation) string {
	t.Helper()
	traceID, err := f.traces.Create("sess-1", "worker-1")
	require.NoError(t, err)
	for i := range invs {
		if invs[i].InvocationID == "" {
			invs[i].InvocationID = "inv-" + string(rune('a'+i))
		}
		if invs[i].Timestamp.IsZero() {
			invs[i].Timestamp = time.Now()
		}
		require.NoError(t, f.traces.Append(traceID, invs[i]))
	}
	require.NoError(t, f.traces.Complete(traceID))
	return models.TraceRefPrefix + traceID
}

func (f *verifierFixture) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.base, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func validOutput(traceRef string) *models.SpecialistOutput {
	return &models.SpecialistOutput{Summary: "done", TraceRef: traceRef}
}

func TestVerifyStructural(t *testing.T) {
	f := newFixture(t)
	ref := f.sealTrace(t)

	tests := []struct {
		name       string
		output     *models.SpecialistOutput
		categories []Category
		fields     []string
	}{
		{
			name:       "nil output",
			output:     nil,
			categories: []Category{CategoryMissingField},
			fields:     []string{"output"},
		},
		{
			name:       "empty summary",
			output:     &models.SpecialistOutput{Summary: "", TraceRef: ref},
			categories: []Category{CategoryMissingField},
			fields:     []string{"summary"},
		},
		{
			name:       "whitespace summary",
			output:     &models.SpecialistOutput{Summary: "  \n\t", TraceRef: ref},
			categories: []Category{CategoryMissingField},
			fields:     []string{"summary"},
		},
		{
			name:       "missing trace ref",
			output:     &models.SpecialistOutput{Summary: "done"},
			categories: []Category{CategoryMissingField},
			fields:     []string{"trace_ref"},
		},
		{
			name:       "unprefixed trace ref",
			output:     &models.SpecialistOutput{Summary: "done", TraceRef: "01234567"},
			categories: []Category{CategoryInvalidType},
			fields:     []string{"trace_ref"},
		},
		{
			name: "oversized artifact",
			output: &models.SpecialistOutput{
				Summary:  "done",
				TraceRef: ref,
				Artifacts: []models.Artifact{
					{Name: "log", Content: strings.Repeat("x", maxArtifactContent+1)},
				},
			},
			categories: []Category{CategoryInvalidType},
			fields:     []string{"artifacts[0].content"},
		},
		{
			name: "all errors collected",
			output: &models.SpecialistOutput{
				Summary:   "",
				TraceRef:  "bare-id",
				Artifacts: []models.Artifact{{Name: "", Content: "ok"}},
			},
			categories: []Category{CategoryMissingField, CategoryInvalidType, CategoryMissingField},
			fields:     []string{"summary", "trace_ref", "artifacts[0].name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.verifier().Verify(tt.output, f.base)
			assert.False(t, res.Valid)
			assert.Equal(t, 1, res.Level)
			require.Len(t, res.Errors, len(tt.categories))
			for i, e := range res.Errors {
				assert.Equal(t, 1, e.Level)
				assert.Equal(t, tt.categories[i], e.Category)
				assert.Equal(t, tt.fields[i], e.Field)
			}
		})
	}
}

func TestVerifyMinimalOutputPasses(t *testing.T) {
	f := newFixture(t)
	res := f.verifier().Verify(validOutput(f.sealTrace(t)), f.base)

	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Level)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.FailedClaims)
}

func TestVerifyOutputSchemas(t *testing.T) {
	schemas := schemaMap{
		"search:issues": json.RawMessage(`{
			"type": "object",
			"required": ["count"],
			"properties": {"count": {"type": "integer"}}
		}`),
	}

	t.Run("conforming output passes", func(t *testing.T) {
		f := newFixture(t)
		ref := f.sealTrace(t, models.ToolInvocation{
			Tool: "search:issues", Status: models.InvocationSuccess, Output: `{"count": 3}`,
		})
		res := f.verifier(WithSchemas(schemas)).Verify(validOutput(ref), f.base)
		assert.True(t, res.Valid)
		assert.Equal(t, 3, res.Level)
	})

	t.Run("mismatching output fails", func(t *testing.T) {
		f := newFixture(t)
		ref := f.sealTrace(t, models.ToolInvocation{
			InvocationID: "inv-bad",
			Tool:         "search:issues", Status: models.InvocationSuccess, Output: `{"count": "three"}`,
		})
		res := f.verifier(WithSchemas(schemas)).Verify(validOutput(ref), f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, 2, res.Level)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CategorySchemaMismatch, res.Errors[0].Category)
		assert.Equal(t, "search:issues", res.Errors[0].Field)
		assert.Contains(t, res.Errors[0].Message, "inv-bad")
	})

	t.Run("non JSON output fails", func(t *testing.T) {
		f := newFixture(t)
		ref := f.sealTrace(t, models.ToolInvocation{
			Tool: "search:issues", Status: models.InvocationSuccess, Output: "plain text",
		})
		res := f.verifier(WithSchemas(schemas)).Verify(validOutput(ref), f.base)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0].Message, "not valid JSON")
	})

	t.Run("failed invocations and undeclared tools are ignored", func(t *testing.T) {
		f := newFixture(t)
		ref := f.sealTrace(t,
			models.ToolInvocation{Tool: "search:issues", Status: models.InvocationFailed, Output: `{"oops": true}`},
			models.ToolInvocation{Tool: "fs:read", Status: models.InvocationSuccess, Output: "raw file text"},
		)
		res := f.verifier(WithSchemas(schemas)).Verify(validOutput(ref), f.base)
		assert.True(t, res.Valid)
	})

	t.Run("dangling trace ref fails when schemas are on", func(t *testing.T) {
		f := newFixture(t)
		res := f.verifier(WithSchemas(schemas)).Verify(validOutput("trace:no-such-trace"), f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, 2, res.Level)
		assert.Equal(t, "trace_ref", res.Errors[0].Field)
	})

	t.Run("dangling trace ref passes without schema source", func(t *testing.T) {
		f := newFixture(t)
		res := f.verifier().Verify(validOutput("trace:no-such-trace"), f.base)
		assert.True(t, res.Valid)
	})
}

func TestVerifyFileWriteClaim(t *testing.T) {
	f := newFixture(t)
	ref := f.sealTrace(t)
	f.writeFile(t, "out/report.md", "# findings\n")

	t.Run("matching hash passes", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{
			Kind: models.ClaimFileWrite, FilePath: "out/report.md",
			ContentHash: models.HashContent("# findings\n"),
		}}
		res := f.verifier().Verify(out, f.base)
		assert.True(t, res.Valid)
	})

	t.Run("stale hash fails", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{
			Kind: models.ClaimFileWrite, FilePath: "out/report.md",
			ContentHash: models.HashContent("something else"),
		}}
		res := f.verifier().Verify(out, f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, 3, res.Level)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CategoryHashMismatch, res.Errors[0].Category)
		require.Len(t, res.FailedClaims, 1)
		assert.Equal(t, "out/report.md", res.FailedClaims[0].FilePath)
	})

	t.Run("missing file fails with hash mismatch", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{
			Kind: models.ClaimFileWrite, FilePath: "out/never-written.md",
			ContentHash: models.HashContent("anything"),
		}}
		res := f.verifier().Verify(out, f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, CategoryHashMismatch, res.Errors[0].Category)
	})

	t.Run("claim without hash fails", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{Kind: models.ClaimFileWrite, FilePath: "out/report.md"}}
		res := f.verifier().Verify(out, f.base)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Errors[0].Message, "no content hash")
	})
}

func TestVerifyAnchorClaims(t *testing.T) {
	f := newFixture(t)
	ref := f.sealTrace(t)
	f.writeFile(t, "src/main.go", "package main\n\nfunc main() {\n\trun()\n}\n")

	anchored := func(kind models.ClaimKind, before, after string) *models.SpecialistOutput {
		out := validOutput(ref)
		out.Claims = []models.Claim{{
			Kind: kind, FilePath: "src/main.go",
			Anchor: &models.Anchor{BeforeSnippet: before, AfterSnippet: after},
		}}
		return out
	}

	t.Run("before snippet present passes", func(t *testing.T) {
		res := f.verifier().Verify(anchored(models.ClaimFileEdit, "package main", "gone by now"), f.base)
		assert.True(t, res.Valid)
	})

	t.Run("after snippet alone is enough", func(t *testing.T) {
		res := f.verifier().Verify(anchored(models.ClaimCodeInserted, "", "\trun()"), f.base)
		assert.True(t, res.Valid)
	})

	t.Run("neither snippet fails", func(t *testing.T) {
		res := f.verifier().Verify(anchored(models.ClaimFileEdit, "not there", "also gone"), f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, CategoryAnchorMismatch, res.Errors[0].Category)
	})

	t.Run("missing file fails with file_not_found", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{
			Kind: models.ClaimFileEdit, FilePath: "src/deleted.go",
			Anchor: &models.Anchor{BeforeSnippet: "package main"},
		}}
		res := f.verifier().Verify(out, f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, CategoryFileNotFound, res.Errors[0].Category)
	})

	t.Run("claim without anchor fails", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{Kind: models.ClaimFileEdit, FilePath: "src/main.go"}}
		res := f.verifier().Verify(out, f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, CategoryAnchorMismatch, res.Errors[0].Category)
		assert.Contains(t, res.Errors[0].Message, "no anchor snippets")
	})
}

func TestVerifyFileDeleteClaim(t *testing.T) {
	f := newFixture(t)
	ref := f.sealTrace(t)

	t.Run("absent file passes", func(t *testing.T) {
		out := validOutput(ref)
		out.Claims = []models.Claim{{Kind: models.ClaimFileDelete, FilePath: "tmp/scratch.txt"}}
		res := f.verifier().Verify(out, f.base)
		assert.True(t, res.Valid)
	})

	t.Run("surviving file fails", func(t *testing.T) {
		f.writeFile(t, "tmp/scratch.txt", "still here")
		out := validOutput(ref)
		out.Claims = []models.Claim{{Kind: models.ClaimFileDelete, FilePath: "tmp/scratch.txt"}}
		res := f.verifier().Verify(out, f.base)
		assert.False(t, res.Valid)
		assert.Equal(t, CategoryFilesystemMismatch, res.Errors[0].Category)
	})
}

func TestVerifyCommandClaimIsTrusted(t *testing.T) {
	f := newFixture(t)
	exitCode := 0
	out := validOutput(f.sealTrace(t))
	out.Claims = []models.Claim{{
		Kind: models.ClaimCommandExecuted, Command: "go test ./...", ExitCode: &exitCode,
	}}

	res := f.verifier().Verify(out, f.base)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Level)
}

func TestVerifyStructuralFailureShortCircuits(t *testing.T) {
	f := newFixture(t)
	out := &models.SpecialistOutput{
		Summary:  "",
		TraceRef: f.sealTrace(t),
		Claims: []models.Claim{{
			Kind: models.ClaimFileWrite, FilePath: "never/checked.txt",
			ContentHash: models.HashContent("x"),
		}},
	}

	res := f.verifier().Verify(out, f.base)
	assert.Equal(t, 1, res.Level)
	assert.Empty(t, res.FailedClaims, "claims must not be checked after a structural failure")
}

func TestVerifyAbsoluteClaimPaths(t *testing.T) {
	f := newFixture(t)
	abs := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(abs, []byte("hello"), 0o644))

	out := validOutput(f.sealTrace(t))
	out.Claims = []models.Claim{{
		Kind: models.ClaimFileWrite, FilePath: abs, ContentHash: models.HashContent("hello"),
	}}

	res := f.verifier().Verify(out, f.base)
	assert.True(t, res.Valid, "absolute paths must not be re-rooted under basePath")
}

func TestVerifyRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := NewMetrics(10)
	v := f.verifier(WithMetrics(metrics))
	ref := f.sealTrace(t)

	v.Verify(validOutput(ref), f.base)
	v.Verify(&models.SpecialistOutput{Summary: "", TraceRef: ref}, f.base)

	s := metrics.Snapshot()
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 1, s.Passed)
	assert.InDelta(t, 0.5, s.PassRate, 0.001)
	assert.Equal(t, 1, s.CategoryCounts[CategoryMissingField])
}
