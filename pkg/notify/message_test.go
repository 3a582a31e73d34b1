package notify

import (
	"strings"
	"testing"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/models"
)

func TestBuildRunStartedMessage(t *testing.T) {
	run := &models.Run{ID: "run-1", Task: "investigate the crashing pod"}
	blocks := BuildRunStartedMessage(run, "https://casey.example.com")

	require.Len(t, blocks, 2)

	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":arrows_counterclockwise:")
	assert.Contains(t, section.Text.Text, "investigate the crashing pod")
	assert.Contains(t, section.Text.Text, "https://casey.example.com/runs/run-1")

	// The fingerprint rides in a context block for later thread recovery.
	ctxBlock, ok := blocks[1].(*goslack.ContextBlock)
	require.True(t, ok)
	require.Len(t, ctxBlock.ContextElements.Elements, 1)
	text := ctxBlock.ContextElements.Elements[0].(*goslack.TextBlockObject)
	assert.Equal(t, RunFingerprint("run-1"), text.Text)
}

func TestBuildRunFinishedMessage_Completed(t *testing.T) {
	run := &models.Run{
		ID:      "run-1",
		Status:  models.RunStatusCompleted,
		Summary: "The pod crashed due to OOM.",
	}
	blocks := BuildRunFinishedMessage(run, "https://dash.example.com")

	require.Len(t, blocks, 3)

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":white_check_mark:")
	assert.Contains(t, header.Text.Text, "Run Complete")

	content := blocks[1].(*goslack.SectionBlock)
	assert.Contains(t, content.Text.Text, "The pod crashed due to OOM.")

	action := blocks[2].(*goslack.ActionBlock)
	require.Len(t, action.Elements.ElementSet, 1)
	btn, ok := action.Elements.ElementSet[0].(*goslack.ButtonBlockElement)
	require.True(t, ok)
	assert.Equal(t, "View Full Answer", btn.Text.Text)
	assert.Contains(t, btn.URL, "https://dash.example.com/runs/run-1")
}

func TestBuildRunFinishedMessage_Failed(t *testing.T) {
	run := &models.Run{
		ID:     "run-2",
		Status: models.RunStatusFailed,
		Error:  "timeout waiting for LLM",
	}
	blocks := BuildRunFinishedMessage(run, "https://dash.example.com")

	require.Len(t, blocks, 2)

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":x:")
	assert.Contains(t, header.Text.Text, "Run Failed")
	assert.Contains(t, header.Text.Text, "timeout waiting for LLM")

	action := blocks[1].(*goslack.ActionBlock)
	btn := action.Elements.ElementSet[0].(*goslack.ButtonBlockElement)
	assert.Equal(t, "View Details", btn.Text.Text)
}

func TestBuildRunFinishedMessage_Stopped(t *testing.T) {
	run := &models.Run{ID: "run-3", Status: models.RunStatusStopped}
	blocks := BuildRunFinishedMessage(run, "https://dash.example.com")

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":no_entry_sign:")
	assert.Contains(t, header.Text.Text, "Run Stopped")
}

func TestBuildRunFinishedMessage_NoDashboard(t *testing.T) {
	run := &models.Run{ID: "run-4", Status: models.RunStatusCompleted, Summary: "done"}
	blocks := BuildRunFinishedMessage(run, "")

	for _, b := range blocks {
		_, isAction := b.(*goslack.ActionBlock)
		assert.False(t, isAction, "no dashboard URL, no button")
	}
}

func TestTruncateForSlack(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "hello", truncateForSlack("hello"))
	})

	t.Run("exact limit unchanged", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength)
		assert.Equal(t, text, truncateForSlack(text))
	})

	t.Run("over limit truncated", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength+100)
		result := truncateForSlack(text)
		assert.True(t, len(result) < len(text))
		assert.Contains(t, result, "truncated")
	})

	t.Run("multi-byte runes not split", func(t *testing.T) {
		text := strings.Repeat("🔥", maxBlockTextLength+10)
		result := truncateForSlack(text)
		assert.Contains(t, result, "truncated")
		assert.True(t, utf8.ValidString(result), "result should be valid UTF-8")
		prefix := strings.Split(result, "\n\n_...")[0]
		assert.Equal(t, maxBlockTextLength, utf8.RuneCountInString(prefix))
	})
}
