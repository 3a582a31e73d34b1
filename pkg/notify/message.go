package notify

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"

	"github.com/codeready-toolchain/casey/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.RunStatus]string{
	models.RunStatusCompleted: ":white_check_mark:",
	models.RunStatusFailed:    ":x:",
	models.RunStatusStopped:   ":no_entry_sign:",
}

var statusLabel = map[models.RunStatus]string{
	models.RunStatusCompleted: "Run Complete",
	models.RunStatusFailed:    "Run Failed",
	models.RunStatusStopped:   "Run Stopped",
}

func runURL(runID, dashboardURL string) string {
	return fmt.Sprintf("%s/runs/%s", dashboardURL, runID)
}

// BuildRunStartedMessage creates Block Kit blocks for a run start
// notification. The run fingerprint rides along in a context block so the
// terminal message can thread onto it later.
func BuildRunStartedMessage(run *models.Run, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":arrows_counterclockwise: *Run started* — %s", truncateForSlack(run.Task))
	if dashboardURL != "" {
		text += fmt.Sprintf("\n<%s|View in Dashboard>", runURL(run.ID, dashboardURL))
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.PlainTextType, RunFingerprint(run.ID), false, false),
		),
	}
}

// BuildRunFinishedMessage creates Block Kit blocks for a terminal run
// notification.
func BuildRunFinishedMessage(run *models.Run, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[run.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[run.Status]
	if label == "" {
		label = "Run " + string(run.Status)
	}

	var blocks []goslack.Block
	headerText := fmt.Sprintf("%s *%s*", emoji, label)

	switch {
	case run.Status == models.RunStatusCompleted && run.Summary != "":
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(run.Summary), false, false),
			nil, nil,
		))
	case run.Error != "":
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(run.Error))
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
	default:
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
	}

	if dashboardURL != "" {
		buttonText := "View Full Answer"
		if run.Status != models.RunStatusCompleted {
			buttonText = "View Details"
		}
		btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
		btn.URL = runURL(run.ID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

// truncateForSlack trims text to the Block Kit limit without splitting
// multi-byte runes.
func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated, view the full run in the dashboard)_"
}
