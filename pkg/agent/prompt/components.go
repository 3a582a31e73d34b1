package prompt

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// FormatEnvironment renders the environment section of a worker's system
// prompt. Empty when there is nothing to say.
func FormatEnvironment(workDir string) string {
	if workDir == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Environment\n\n")
	sb.WriteString("Working directory: ")
	sb.WriteString(workDir)
	sb.WriteString("\nRelative paths in tool calls resolve against it.")
	return sb.String()
}

// FormatRoster renders the worker roster for the planner's system prompt.
func FormatRoster(roster []RosterEntry) string {
	var sb strings.Builder
	sb.WriteString("## Worker Roster\n")
	if len(roster) == 0 {
		sb.WriteString("\nNo workers are registered.\n")
		return sb.String()
	}
	for _, e := range roster {
		sb.WriteString(fmt.Sprintf("\n- **%s**: %s\n", e.ID, e.Description))
		if len(e.Tools) > 0 {
			sb.WriteString("  Tools: " + strings.Join(e.Tools, ", ") + "\n")
		}
	}
	return sb.String()
}

// FormatDelegatedResults renders worker results for the synthesis user
// message. Failed and skipped subtasks are reported as such so the synthesis
// never presents unfinished work as done.
func FormatDelegatedResults(results []models.DelegatedResult) string {
	if len(results) == 0 {
		return "## Worker Results\n\nNo subtask produced a result.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Worker Results\n")
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("\n### %s (%s)\n", r.SubTaskID, r.AgentID))
		switch {
		case r.Skipped:
			sb.WriteString("Skipped: a dependency failed.\n")
		case r.Success:
			sb.WriteString(r.Output)
			sb.WriteString("\n")
		default:
			sb.WriteString("Failed: ")
			sb.WriteString(r.Error)
			sb.WriteString("\n")
			if partial := partialSummary(r.Outcome); partial != "" {
				sb.WriteString("Partial progress before the failure:\n")
				sb.WriteString(partial)
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func partialSummary(outcome models.SpecialistOutcome) string {
	if outcome.Partial == nil {
		return ""
	}
	return outcome.Partial.Summary
}

// FormatDependencyContext renders the outputs a subtask's dependencies
// produced, in plan order.
func FormatDependencyContext(deps []DependencyOutput) string {
	if len(deps) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Results From Earlier Subtasks\n")
	for _, d := range deps {
		sb.WriteString(fmt.Sprintf("\n### %s\n", d.SubTaskID))
		sb.WriteString(d.Output)
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatEvidence renders trace evidence lines for the verification user
// message.
func FormatEvidence(lines []string) string {
	if len(lines) == 0 {
		return "## Recorded Evidence\n\nThe trace recorded no tool activity.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Recorded Evidence\n\n")
	for _, line := range lines {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
