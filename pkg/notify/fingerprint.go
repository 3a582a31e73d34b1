package notify

import (
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// RunFingerprint is the dedup marker embedded in a run's start message. The
// terminal notification finds the start message by it when the in-memory
// thread reference was lost, such as after the claiming pod restarted.
func RunFingerprint(runID string) string {
	return "run:" + runID
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	for _, block := range msg.Blocks.BlockSet {
		if section, ok := block.(*goslack.SectionBlock); ok && section.Text != nil {
			parts = append(parts, section.Text.Text)
		}
		if ctx, ok := block.(*goslack.ContextBlock); ok {
			for _, el := range ctx.ContextElements.Elements {
				if text, ok := el.(*goslack.TextBlockObject); ok {
					parts = append(parts, text.Text)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}
