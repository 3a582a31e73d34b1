package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

func advertisedNames(defs []llm.ToolDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func TestUnrestrictedStrategyAdvertisesEverything(t *testing.T) {
	defs := []tools.Definition{
		{Name: "fs:read"},
		{Name: "shell:exec", Mutating: true},
		{Name: "report"},
	}
	s := NewUnrestrictedStrategy(defs)

	assert.Equal(t, []string{"fs:read", "shell:exec", "report"}, advertisedNames(s.Definitions(nil)))
	assert.Empty(t, s.PromptHints())
	assert.True(t, s.Mutating("shell:exec"))
	assert.False(t, s.Mutating("fs:read"))
	assert.False(t, s.Mutating("never-registered"))
}

func TestPrioritizedStrategyOrdersByGroupPriority(t *testing.T) {
	defs := []tools.Definition{
		{Name: "shell:exec", Group: "act"},
		{Name: "fs:read", Group: "inspect"},
		{Name: "report"},
		{Name: "fs:glob", Group: "inspect"},
	}
	groups := []ToolGroup{
		{Name: "act", Priority: 5},
		{Name: "inspect", Priority: 10, Hints: "Read before you write."},
	}
	s := NewPrioritizedStrategy(defs, groups)

	assert.Equal(t, []string{"fs:read", "fs:glob", "shell:exec", "report"},
		advertisedNames(s.Definitions(nil)),
		"higher priority groups come first, registration order within a group")

	hints := s.PromptHints()
	assert.Contains(t, hints, "inspect: Read before you write.")
	assert.NotContains(t, hints, "act:", "groups without hints are omitted")
}

func TestPrioritizedStrategyWithoutHintsStaysSilent(t *testing.T) {
	s := NewPrioritizedStrategy(
		[]tools.Definition{{Name: "fs:read", Group: "inspect"}},
		[]ToolGroup{{Name: "inspect", Priority: 1}},
	)
	assert.Empty(t, s.PromptHints())
}

func TestGatedStrategyUnlockAfter(t *testing.T) {
	defs := []tools.Definition{
		{Name: "fs:read", Group: "inspect"},
		{Name: "fs:write", Group: "act"},
		{Name: "report"},
	}
	groups := []ToolGroup{
		{Name: "inspect"},
		{Name: "act", UnlockAfter: "inspect"},
	}
	s := NewGatedStrategy(defs, groups)

	assert.Equal(t, []string{"fs:read", "report"}, advertisedNames(s.Definitions(nil)),
		"gated group hidden, ungated group and reserved tools visible")

	s.Observe("fs:read", tools.Errorf(tools.ErrCodeExecFailed, "boom"))
	assert.Equal(t, []string{"fs:read", "report"}, advertisedNames(s.Definitions(nil)),
		"failed calls do not open the gate")

	s.Observe("fs:read", tools.Text("ok"))
	assert.Equal(t, []string{"fs:read", "fs:write", "report"}, advertisedNames(s.Definitions(nil)))

	s.Observe("fs:read", tools.Errorf(tools.ErrCodeExecFailed, "boom"))
	assert.Contains(t, advertisedNames(s.Definitions(nil)), "fs:write",
		"unlocks are sticky for the rest of the run")
}

func TestGatedStrategyConfidenceGate(t *testing.T) {
	defs := []tools.Definition{
		{Name: "fs:read", Group: "primary"},
		{Name: "web:search", Group: "fallback"},
	}
	groups := []ToolGroup{
		{Name: "primary"},
		{Name: "fallback", UnlockWhenConfidenceBelow: 0.5},
	}
	s := NewGatedStrategy(defs, groups)

	s.Observe("fs:read", tools.Errorf(tools.ErrCodeExecFailed, "x"))
	s.Observe("fs:read", tools.Errorf(tools.ErrCodeExecFailed, "x"))
	assert.Equal(t, []string{"fs:read"}, advertisedNames(s.Definitions(nil)),
		"under three calls the ratio stays optimistic")

	s.Observe("fs:read", tools.Errorf(tools.ErrCodeExecFailed, "x"))
	assert.Equal(t, []string{"fs:read", "web:search"}, advertisedNames(s.Definitions(nil)),
		"0/3 successes falls under the 0.5 threshold")
}

func TestGatedStrategyIgnoresNoiseObservations(t *testing.T) {
	defs := []tools.Definition{
		{Name: "fs:read", Group: "primary"},
		{Name: "web:search", Group: "fallback"},
	}
	groups := []ToolGroup{
		{Name: "primary"},
		{Name: "fallback", UnlockWhenConfidenceBelow: 0.9},
	}
	s := NewGatedStrategy(defs, groups)

	s.Observe("report", tools.Errorf(tools.ErrCodeInvalidArgs, "bad report"))
	s.Observe("made-up-tool", tools.Errorf(tools.ErrCodeUnknownTool, "no such tool"))
	s.Observe("made-up-tool", tools.Errorf(tools.ErrCodeUnknownTool, "no such tool"))
	s.Observe("made-up-tool", tools.Errorf(tools.ErrCodeUnknownTool, "no such tool"))

	assert.Equal(t, []string{"fs:read"}, advertisedNames(s.Definitions(nil)),
		"reserved and unregistered names carry no gate signal")
}

func TestGatedStrategyUnknownGroupDoesNotGate(t *testing.T) {
	defs := []tools.Definition{
		{Name: "k8s:get", Group: "cluster"},
	}
	s := NewGatedStrategy(defs, nil)
	assert.Equal(t, []string{"k8s:get"}, advertisedNames(s.Definitions(nil)))
}

func TestGatedStrategyPromptHints(t *testing.T) {
	groups := []ToolGroup{
		{Name: "inspect", Hints: "Start here."},
		{Name: "act", UnlockAfter: "inspect"},
		{Name: "fallback", UnlockWhenConfidenceBelow: 0.5},
	}
	s := NewGatedStrategy(nil, groups)

	hints := s.PromptHints()
	assert.Contains(t, hints, "inspect: Start here.")
	assert.Contains(t, hints, "act: becomes available after a successful inspect call")
	assert.Contains(t, hints, "fallback: becomes available as a fallback when other tools keep failing")
}

func TestNewStrategyModes(t *testing.T) {
	defs := []tools.Definition{{Name: "fs:read"}}

	tests := []struct {
		mode string
		want any
	}{
		{mode: "", want: &UnrestrictedStrategy{}},
		{mode: StrategyUnrestricted, want: &UnrestrictedStrategy{}},
		{mode: StrategyPrioritized, want: &PrioritizedStrategy{}},
		{mode: StrategyGated, want: &GatedStrategy{}},
	}
	for _, tc := range tests {
		t.Run("mode "+tc.mode, func(t *testing.T) {
			s, err := NewStrategy(tc.mode, defs, nil)
			require.NoError(t, err)
			assert.IsType(t, tc.want, s)
		})
	}

	_, err := NewStrategy("adaptive", defs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adaptive")
}
