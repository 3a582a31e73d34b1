package trace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/models"
)

func newInvocation(id, tool string) models.ToolInvocation {
	return models.ToolInvocation{
		InvocationID: id,
		Tool:         tool,
		ArgsHash:     "hash-" + id,
		Timestamp:    time.Now().UTC(),
		Purpose:      models.PurposeExecution,
		Status:       models.InvocationSuccess,
	}
}

func TestStoreCreateAndLoad(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	traceID, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)
	require.NotEmpty(t, traceID)

	loaded, err := store.Load(models.TraceRefPrefix + traceID)
	require.NoError(t, err)
	assert.Equal(t, traceID, loaded.TraceID)
	assert.Equal(t, "sess-1", loaded.SessionID)
	assert.Equal(t, "worker-a", loaded.SpecialistID)
	assert.Empty(t, loaded.Invocations)
	assert.Nil(t, loaded.CompletedAt)

	// Bare IDs load too.
	loaded, err = store.Load(traceID)
	require.NoError(t, err)
	assert.Equal(t, traceID, loaded.TraceID)
}

func TestStoreLoad_NotFound(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	_, err := store.Load("trace:nope")
	require.ErrorIs(t, err, ErrTraceNotFound)
}

func TestStoreAppendUpdate_LastRecordWins(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	traceID, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)

	placeholder := newInvocation("inv-1", "fs:write")
	require.NoError(t, store.Append(traceID, placeholder))

	final := placeholder
	final.Status = models.InvocationFailed
	final.Output = "disk full"
	final.DurationMS = 42
	require.NoError(t, store.Update(traceID, final))

	loaded, err := store.Load(models.TraceRefPrefix + traceID)
	require.NoError(t, err)
	require.Len(t, loaded.Invocations, 1)
	inv := loaded.Invocations[0]
	assert.Equal(t, models.InvocationFailed, inv.Status)
	assert.Equal(t, "disk full", inv.Output)
	assert.Equal(t, int64(42), inv.DurationMS)
	assert.Equal(t, placeholder.ArgsHash, inv.ArgsHash)
}

func TestStoreLoad_PreservesOrder(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	traceID, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)

	for _, id := range []string{"inv-1", "inv-2", "inv-3"} {
		require.NoError(t, store.Append(traceID, newInvocation(id, "fs:read")))
	}
	// Finalize the middle one; order must not change.
	updated := newInvocation("inv-2", "fs:read")
	updated.Output = "content"
	require.NoError(t, store.Update(traceID, updated))

	loaded, err := store.Load(models.TraceRefPrefix + traceID)
	require.NoError(t, err)
	require.Len(t, loaded.Invocations, 3)
	assert.Equal(t, "inv-1", loaded.Invocations[0].InvocationID)
	assert.Equal(t, "inv-2", loaded.Invocations[1].InvocationID)
	assert.Equal(t, "inv-3", loaded.Invocations[2].InvocationID)
	assert.Equal(t, "content", loaded.Invocations[1].Output)
}

func TestStoreComplete(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	traceID, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Append(traceID, newInvocation("inv-1", "shell:exec")))

	require.NoError(t, store.Complete(traceID))

	loaded, err := store.Load(models.TraceRefPrefix + traceID)
	require.NoError(t, err)
	require.NotNil(t, loaded.CompletedAt)
	require.Len(t, loaded.Invocations, 1)

	err = store.Append(traceID, newInvocation("inv-2", "fs:read"))
	require.ErrorIs(t, err, ErrTraceCompleted)
	err = store.Update(traceID, newInvocation("inv-1", "shell:exec"))
	require.ErrorIs(t, err, ErrTraceCompleted)
	err = store.Complete(traceID)
	require.ErrorIs(t, err, ErrTraceCompleted)
}

func TestStoreLoad_ColdStore(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)
	traceID, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, store.Append(traceID, newInvocation("inv-1", "fs:read")))
	require.NoError(t, store.Complete(traceID))

	// A fresh store over the same root finds the file by scanning.
	cold := NewStore(root, nil)
	loaded, err := cold.Load(models.TraceRefPrefix + traceID)
	require.NoError(t, err)
	assert.Equal(t, traceID, loaded.TraceID)
	require.Len(t, loaded.Invocations, 1)
	require.NotNil(t, loaded.CompletedAt)
}

func TestStoreGetBySession(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	first, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)
	second, err := store.Create("sess-1", "worker-b")
	require.NoError(t, err)
	_, err = store.Create("sess-2", "worker-c")
	require.NoError(t, err)

	traces, err := store.GetBySession("sess-1")
	require.NoError(t, err)
	require.Len(t, traces, 2)
	ids := []string{traces[0].TraceID, traces[1].TraceID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)

	empty, err := store.GetBySession("sess-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoreDelete(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)
	traceID, err := store.Create("sess-1", "worker-a")
	require.NoError(t, err)

	path := filepath.Join(root, "sessions", "sess-1", "traces", traceID+".ndjson")
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	require.NoError(t, store.Delete(traceID))
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	_, err = store.Load(models.TraceRefPrefix + traceID)
	require.ErrorIs(t, err, ErrTraceNotFound)
}
