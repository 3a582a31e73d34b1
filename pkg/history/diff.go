package history

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// binaryProbeLen bounds the NUL-byte scan for binary detection.
const binaryProbeLen = 8000

// Renderer renders recorded file changes as unified diffs.
type Renderer struct {
	colorEnabled bool
}

// NewRenderer builds a renderer. Color is meant for terminals only.
func NewRenderer(colorEnabled bool) *Renderer {
	return &Renderer{colorEnabled: colorEnabled}
}

// Diff loads a change and renders it as a plain unified diff.
func (s *Store) Diff(changeID string) (string, error) {
	change, err := s.Get(changeID)
	if err != nil {
		return "", err
	}
	return NewRenderer(false).Unified(change), nil
}

// Unified renders the change's before/after contents as a unified diff.
// Creates diff against /dev/null, deletes diff to /dev/null. Identical
// contents render as the empty string.
func (r *Renderer) Unified(change *models.FileChange) string {
	var before, after string
	if change.Before != nil {
		before = change.Before.Content
	}
	if change.After != nil {
		after = change.After.Content
	}
	if before == after {
		return ""
	}
	if isBinary(before) || isBinary(after) {
		return fmt.Sprintf("Binary file %s differs\n", change.FilePath)
	}

	var b strings.Builder
	b.WriteString(r.colorize(fmt.Sprintf("--- %s\n", diffSide("a", change.FilePath, change.Before)), color.FgRed))
	b.WriteString(r.colorize(fmt.Sprintf("+++ %s\n", diffSide("b", change.FilePath, change.After)), color.FgGreen))
	b.WriteString(r.colorize(fmt.Sprintf("@@ -1,%d +1,%d @@\n", countLines(before), countLines(after)), color.FgCyan))

	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineIndex := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeChars, afterChars, false), lineIndex)

	for _, d := range diffs {
		prefix, attr := " ", color.Reset
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix, attr = "+", color.FgGreen
		case diffmatchpatch.DiffDelete:
			prefix, attr = "-", color.FgRed
		}
		for _, line := range splitDiffLines(d.Text) {
			b.WriteString(r.colorize(prefix+line+"\n", attr))
		}
	}
	return b.String()
}

func (r *Renderer) colorize(text string, attr color.Attribute) string {
	if !r.colorEnabled || attr == color.Reset {
		return text
	}
	return color.New(attr).Sprint(text)
}

// diffSide names one side of the diff header, using /dev/null for the
// missing side of a create or delete.
func diffSide(prefix, path string, state *models.FileState) string {
	if state == nil {
		return "/dev/null"
	}
	return prefix + "/" + path
}

// splitDiffLines splits a diff chunk into lines, dropping the empty
// trailing element a final newline produces.
func splitDiffLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

// isBinary reports whether content looks like binary data (NUL byte in the
// leading probe window).
func isBinary(content string) bool {
	probe := content
	if len(probe) > binaryProbeLen {
		probe = probe[:binaryProbeLen]
	}
	return strings.ContainsRune(probe, 0)
}
