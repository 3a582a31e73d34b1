package prompt

import (
	"strings"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// RosterEntry describes one worker available for delegation.
type RosterEntry struct {
	ID          string
	Description string
	Tools       []string
}

// BuildPlanMessages builds the planning conversation: decompose the task
// into subtasks over the given roster, JSON output only.
func (b *Builder) BuildPlanMessages(task string, roster []RosterEntry) []llm.Message {
	system := strings.Join([]string{
		orchestratorPlanInstructions,
		FormatRoster(roster),
		planFormatInstructions,
	}, "\n\n")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: "## Task\n\n" + task},
	}
}

// BuildPlanReminder re-states the plan format after a response that could
// not be parsed.
func (b *Builder) BuildPlanReminder() string {
	return "Your previous response could not be parsed. " + planFormatInstructions
}

// BuildSynthesisMessages builds the tool-less synthesis conversation that
// combines delegated results into the final answer.
func (b *Builder) BuildSynthesisMessages(task string, results []models.DelegatedResult) []llm.Message {
	var sb strings.Builder
	sb.WriteString("## Original Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n")
	sb.WriteString(FormatDelegatedResults(results))
	sb.WriteString("\n")
	sb.WriteString(synthesisTask)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisInstructions},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// BuildVerdictMessages builds the cross-tier verification conversation: the
// verifier scores an answer against recorded trace evidence and returns a
// JSON verdict.
func (b *Builder) BuildVerdictMessages(task, answer string, evidence []string) []llm.Message {
	system := verifierInstructions + "\n\n" + verdictFormatInstructions

	var sb strings.Builder
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n## Answer Under Review\n\n")
	sb.WriteString(answer)
	sb.WriteString("\n\n")
	sb.WriteString(FormatEvidence(evidence))

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// BuildVerdictReminder re-states the verdict format after a response that
// could not be parsed.
func (b *Builder) BuildVerdictReminder() string {
	return "Your previous response could not be parsed. " + verdictFormatInstructions
}
