package prompt

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/tools"
)

// FormatToolOverview renders a one-line-per-tool overview for the system
// prompt. Full parameter schemas travel as native tool declarations, so the
// overview only orients the model: name, effect class, description.
func FormatToolOverview(defs []tools.Definition) string {
	if len(defs) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, def := range defs {
		marker := ""
		if def.Mutating {
			marker = " (mutating)"
		}
		sb.WriteString(fmt.Sprintf("- **%s**%s: %s", def.Name, marker, def.Description))
		if i < len(defs)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
