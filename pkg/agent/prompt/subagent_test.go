package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/casey/pkg/models"
)

func TestBuildSubtaskTaskWithoutDependencies(t *testing.T) {
	b := NewBuilder()
	task := b.BuildSubtaskTask(models.SubTask{
		ID:          "t1",
		Description: "List every TODO in the repository.",
	}, nil)

	assert.Equal(t, "List every TODO in the repository.", task)
}

func TestBuildSubtaskTaskWithDependencies(t *testing.T) {
	b := NewBuilder()
	task := b.BuildSubtaskTask(
		models.SubTask{ID: "t2", Description: "Fix the TODOs found earlier."},
		[]DependencyOutput{{SubTaskID: "t1", Output: "Two TODOs in parser.go."}},
	)

	depsAt := strings.Index(task, "## Results From Earlier Subtasks")
	descAt := strings.Index(task, "Fix the TODOs found earlier.")
	assert.GreaterOrEqual(t, depsAt, 0)
	assert.Greater(t, descAt, depsAt, "dependency outputs come before the subtask description")
	assert.Contains(t, task, "Two TODOs in parser.go.")
}

func TestBuildVerificationRetryNote(t *testing.T) {
	b := NewBuilder()
	note := b.BuildVerificationRetryNote("I created config.yaml.", []string{
		"claim file-write /work/config.yaml: file does not exist",
		"summary mentions 'deployment' with no trace evidence",
	})

	assert.Contains(t, note, "failed verification")
	assert.Contains(t, note, "I created config.yaml.")
	assert.Contains(t, note, "- claim file-write /work/config.yaml: file does not exist")
	assert.Contains(t, note, "- summary mentions 'deployment' with no trace evidence")
	assert.False(t, strings.HasSuffix(note, "\n"), "note is trimmed for inline injection")
}
