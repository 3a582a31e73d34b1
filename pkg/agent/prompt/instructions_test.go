package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/tools"
)

func TestComposeWorkerInstructionsTierOrder(t *testing.T) {
	composed := ComposeWorkerInstructions(WorkerContext{
		CustomInstructions: "Prefer small commits.",
		StrategyHints:      "Tool preferences, strongest first:\n- inspect: read first\n",
		Tools:              []tools.Definition{{Name: "fs:read", Description: "Read a file."}},
		WorkDir:            "/work",
	})

	order := []string{
		"## Worker Agent Instructions",
		"## Agent-Specific Instructions",
		"## Available Tools",
		"## Tool Guidance",
		"## Finishing",
		"## Environment",
	}
	last := -1
	for _, header := range order {
		at := strings.Index(composed, header)
		require.GreaterOrEqual(t, at, 0, "missing section %s", header)
		assert.Greater(t, at, last, "section %s out of order", header)
		last = at
	}
}

func TestComposeWorkerInstructionsJoinsWithBlankLines(t *testing.T) {
	composed := ComposeWorkerInstructions(WorkerContext{
		CustomInstructions: "Be brief.",
	})
	assert.Contains(t, composed, "runtime.\n\n## Agent-Specific Instructions",
		"sections are separated by one blank line")
}

func TestComposeWorkerInstructionsTrimsHintTrailingNewlines(t *testing.T) {
	composed := ComposeWorkerInstructions(WorkerContext{
		StrategyHints: "- inspect: read first\n\n",
	})
	assert.Contains(t, composed, "- inspect: read first\n\n## Finishing")
}
