package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Token counting is backed by tiktoken's cl100k_base encoding, which tracks
// closely enough across the providers we target for budget accounting. The
// encoding is initialized lazily; if initialization fails (offline vendored
// builds without the embedded BPE data) counting falls back to a heuristic.

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens returns the token count of text using cl100k_base, falling back
// to EstimateTokens when the encoding is unavailable.
func CountTokens(text string) int {
	if e := tokenEncoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens returns a heuristic estimate: max(runes/4, word count).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// messageOverheadTokens approximates per-message framing cost (role markers
// and separators) in the providers' chat formats.
const messageOverheadTokens = 4

// CountMessageTokens returns the approximate token footprint of a
// conversation, including tool call arguments and per-message framing.
func CountMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverheadTokens
		total += CountTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(tc.Arguments)
		}
	}
	return total
}

// TruncateToTokens cuts text down to approximately maxTokens, appending an
// ellipsis when truncation occurred. maxTokens <= 0 returns text unchanged.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := tokenEncoding(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
