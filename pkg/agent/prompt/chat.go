package prompt

import "fmt"

// BuildCorrectionMessage wraps an operator's mid-run correction as the user
// turn injected before the target agent's next model call.
func (b *Builder) BuildCorrectionMessage(message string) string {
	return fmt.Sprintf(correctionTemplate, message)
}
