package prompt

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// DependencyOutput is one completed dependency's contribution to a subtask.
type DependencyOutput struct {
	SubTaskID string
	Output    string
}

// BuildSubtaskTask renders the task text handed to a worker for one
// delegated subtask: dependency outputs first, then the subtask itself. The
// worker sees nothing else of the plan.
func (b *Builder) BuildSubtaskTask(sub models.SubTask, deps []DependencyOutput) string {
	var sb strings.Builder
	if ctx := FormatDependencyContext(deps); ctx != "" {
		sb.WriteString(ctx)
		sb.WriteString("\n")
	}
	sb.WriteString(sub.Description)
	return sb.String()
}

// BuildVerificationRetryNote renders the note injected when a subtask is
// re-dispatched after its output failed verification.
func (b *Builder) BuildVerificationRetryNote(previousAnswer string, errs []string) string {
	var list strings.Builder
	for _, e := range errs {
		list.WriteString("- ")
		list.WriteString(e)
		list.WriteString("\n")
	}
	return fmt.Sprintf(verifierRetryTemplate, previousAnswer, strings.TrimRight(list.String(), "\n"))
}
