package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/models"
)

func state(content string) *models.FileState {
	return &models.FileState{
		Content: content,
		Hash:    models.HashContent(content),
		Size:    int64(len(content)),
	}
}

func seedChange(t *testing.T, store *Store, change models.FileChange) string {
	t.Helper()
	id, err := store.RecordChange(context.Background(), change)
	require.NoError(t, err)
	return id
}

func TestStore_RecordChange_AssignsIDAndTimestamp(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	id := seedChange(t, store, models.FileChange{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		FilePath:  "notes.txt",
		Operation: models.FileOpWrite,
		After:     state("hello"),
	})
	require.NotEmpty(t, id)

	_, err := os.Stat(filepath.Join(root, "sessions", "sess-1", "snapshots", id+".json"))
	require.NoError(t, err)

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, models.FileOpWrite, got.Operation)
	assert.Nil(t, got.Before)
	require.NotNil(t, got.After)
	assert.Equal(t, "hello", got.After.Content)
	assert.False(t, got.Timestamp.IsZero())
}

func TestStore_RecordChange_KeepsProvidedIDAndTimestamp(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	id := seedChange(t, store, models.FileChange{
		ChangeID:  "chg-fixed",
		SessionID: "sess-1",
		FilePath:  "a.txt",
		Operation: models.FileOpPatch,
		Timestamp: at,
		Before:    state("v1"),
		After:     state("v2"),
	})
	assert.Equal(t, "chg-fixed", id)

	got, err := store.Get("chg-fixed")
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(at))
}

func TestStore_RecordChange_Validation(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	_, err := store.RecordChange(context.Background(), models.FileChange{FilePath: "a.txt"})
	require.ErrorContains(t, err, "session id")

	_, err = store.RecordChange(context.Background(), models.FileChange{SessionID: "sess-1"})
	require.ErrorContains(t, err, "file path")
}

func TestStore_Get_NotFound(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	_, err := store.Get("chg-nope")
	require.ErrorIs(t, err, ErrChangeNotFound)
}

func TestStore_Query(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	seedChange(t, store, models.FileChange{
		ChangeID: "chg-1", SessionID: "sess-1", AgentID: "agent-a",
		FilePath: "a.txt", Operation: models.FileOpWrite,
		Timestamp: base, After: state("a1"),
	})
	seedChange(t, store, models.FileChange{
		ChangeID: "chg-2", SessionID: "sess-1", AgentID: "agent-b",
		FilePath: "b.txt", Operation: models.FileOpWrite,
		Timestamp: base.Add(time.Minute), After: state("b1"),
	})
	seedChange(t, store, models.FileChange{
		ChangeID: "chg-3", SessionID: "sess-2", AgentID: "agent-a",
		FilePath: "a.txt", Operation: models.FileOpPatch,
		Timestamp: base.Add(2 * time.Minute), Before: state("a1"), After: state("a2"),
	})

	t.Run("by session", func(t *testing.T) {
		got, err := store.Query(Filter{SessionID: "sess-1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "chg-1", got[0].ChangeID)
		assert.Equal(t, "chg-2", got[1].ChangeID)
	})

	t.Run("by file path across sessions", func(t *testing.T) {
		got, err := store.Query(Filter{FilePath: "a.txt"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "chg-1", got[0].ChangeID)
		assert.Equal(t, "chg-3", got[1].ChangeID)
	})

	t.Run("by agent", func(t *testing.T) {
		got, err := store.Query(Filter{AgentID: "agent-b"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "chg-2", got[0].ChangeID)
	})

	t.Run("after is strict", func(t *testing.T) {
		got, err := store.Query(Filter{After: base.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "chg-3", got[0].ChangeID)
	})

	t.Run("no match", func(t *testing.T) {
		got, err := store.Query(Filter{AgentID: "agent-z"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
