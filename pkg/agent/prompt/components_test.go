package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/casey/pkg/models"
)

func TestFormatEnvironment(t *testing.T) {
	assert.Empty(t, FormatEnvironment(""))

	env := FormatEnvironment("/work/repo")
	assert.Contains(t, env, "## Environment")
	assert.Contains(t, env, "Working directory: /work/repo")
}

func TestFormatRoster(t *testing.T) {
	out := FormatRoster([]RosterEntry{
		{ID: "coder", Description: "Writes and edits code.", Tools: []string{"fs:read", "fs:write"}},
		{ID: "researcher", Description: "Reads documentation."},
	})

	assert.Contains(t, out, "**coder**: Writes and edits code.")
	assert.Contains(t, out, "Tools: fs:read, fs:write")
	assert.Contains(t, out, "**researcher**: Reads documentation.")

	empty := FormatRoster(nil)
	assert.Contains(t, empty, "No workers are registered.")
}

func TestFormatDelegatedResults(t *testing.T) {
	results := []models.DelegatedResult{
		{SubTaskID: "t1", AgentID: "coder", Success: true, Output: "Added the endpoint."},
		{SubTaskID: "t2", AgentID: "tester", Error: "build failed",
			Outcome: models.SpecialistOutcome{
				Partial: &models.SpecialistOutput{Summary: "Wrote half the test file."},
			}},
		{SubTaskID: "t3", AgentID: "deployer", Skipped: true},
	}
	out := FormatDelegatedResults(results)

	assert.Contains(t, out, "### t1 (coder)")
	assert.Contains(t, out, "Added the endpoint.")
	assert.Contains(t, out, "Failed: build failed")
	assert.Contains(t, out, "Wrote half the test file.")
	assert.Contains(t, out, "Skipped: a dependency failed.")
}

func TestFormatDelegatedResultsEmpty(t *testing.T) {
	assert.Contains(t, FormatDelegatedResults(nil), "No subtask produced a result.")
}

func TestFormatDependencyContext(t *testing.T) {
	assert.Empty(t, FormatDependencyContext(nil))

	out := FormatDependencyContext([]DependencyOutput{
		{SubTaskID: "t1", Output: "The bug is in parser.go."},
	})
	assert.Contains(t, out, "## Results From Earlier Subtasks")
	assert.Contains(t, out, "### t1")
	assert.Contains(t, out, "The bug is in parser.go.")
}

func TestFormatEvidence(t *testing.T) {
	empty := FormatEvidence(nil)
	assert.Contains(t, empty, "The trace recorded no tool activity.")

	out := FormatEvidence([]string{"fs:write /work/a.go (hash abc)", "shell:exec go test (exit 0)"})
	assert.Contains(t, out, "- fs:write /work/a.go (hash abc)")
	assert.Contains(t, out, "- shell:exec go test (exit 0)")
}
