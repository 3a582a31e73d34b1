package middleware

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/tools"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

const truncationMarker = "... truncated"

// ContextFilterConfig configures output truncation, tool-call deduplication
// and context windowing.
type ContextFilterConfig struct {
	Disabled bool `yaml:"disabled"`
	// MaxOutputLength bounds tool output as seen by the model; longer
	// outputs are tail-truncated. The trace keeps the full output.
	MaxOutputLength int `yaml:"max_output_length"`
	// DedupSize is the LRU capacity for tool-result deduplication.
	DedupSize int `yaml:"dedup_size"`
	// MaxMessages bounds the conversation window sent to the model.
	MaxMessages int `yaml:"max_messages"`
}

// DefaultContextFilterConfig returns the stock filter limits.
func DefaultContextFilterConfig() ContextFilterConfig {
	return ContextFilterConfig{MaxOutputLength: 30000, DedupSize: 256, MaxMessages: 40}
}

// ContextFilter keeps the model's context bounded: it serves repeated
// read-only tool calls from an LRU cache, truncates oversized tool outputs,
// and windows the conversation pair-aware (an assistant message carrying
// tool calls is never separated from its tool results).
type ContextFilter struct {
	cfg   ContextFilterConfig
	cache *lru.Cache[string, *tools.Result]

	mu   sync.Mutex
	keys map[string]string // call ID → cache key, set in BeforeToolExec
}

// NewContextFilter builds the filter; zero limits fall back to defaults.
func NewContextFilter(cfg ContextFilterConfig) *ContextFilter {
	def := DefaultContextFilterConfig()
	if cfg.MaxOutputLength <= 0 {
		cfg.MaxOutputLength = def.MaxOutputLength
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	// lru.New errors only on non-positive size, guarded above.
	cache, _ := lru.New[string, *tools.Result](cfg.DedupSize)
	return &ContextFilter{
		cfg:   cfg,
		cache: cache,
		keys:  make(map[string]string),
	}
}

func (f *ContextFilter) Name() string           { return "context-filter" }
func (f *ContextFilter) Order() int             { return 15 }
func (f *ContextFilter) Config() HookConfig     { return HookConfig{FailPolicy: FailOpen} }
func (f *ContextFilter) Enabled(*RunState) bool { return !f.cfg.Disabled }

// cacheable excludes tool calls whose repetition is meaningful: mutating
// tools change state between calls, reserved tools carry runtime semantics.
func (f *ContextFilter) cacheable(exec *ToolExecContext) bool {
	return !exec.Mutating && !tools.IsReserved(exec.Tool)
}

func (f *ContextFilter) BeforeToolExec(_ context.Context, exec *ToolExecContext) (ToolDecision, error) {
	if !f.cacheable(exec) {
		return DecisionExecute, nil
	}
	_, sig, err := trace.CanonicalArgs(exec.Args)
	if err != nil {
		return DecisionExecute, err
	}
	key := exec.Tool + ":" + sig

	if cached, ok := f.cache.Get(key); ok {
		exec.SkipResult = cachedCopy(cached)
		return DecisionSkip, nil
	}
	f.mu.Lock()
	f.keys[exec.CallID] = key
	f.mu.Unlock()
	return DecisionExecute, nil
}

func (f *ContextFilter) AfterToolExec(_ context.Context, exec *ToolExecContext, result *tools.Result) error {
	f.mu.Lock()
	key, ok := f.keys[exec.CallID]
	delete(f.keys, exec.CallID)
	f.mu.Unlock()
	// Error results are not cached: the next identical call may succeed.
	if !ok || result == nil || !result.Success {
		return nil
	}
	f.cache.Add(key, result)
	return nil
}

func (f *ContextFilter) BeforeLLMCall(_ context.Context, call *LLMCallContext) (*Patch, error) {
	msgs := truncateToolOutputs(call.Messages, f.cfg.MaxOutputLength)
	msgs = windowMessages(msgs, f.cfg.MaxMessages)
	if len(msgs) == len(call.Messages) && sameMessages(msgs, call.Messages) {
		return nil, nil
	}
	return &Patch{Messages: msgs}, nil
}

// cachedCopy clones a cached result and marks it as cache-served so
// downstream observers can tell replay from execution.
func cachedCopy(r *tools.Result) *tools.Result {
	out := &tools.Result{
		Success: r.Success,
		Output:  r.Output,
		Error:   r.Error,
	}
	out.Metadata = make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata["from_cache"] = true
	return out
}

// truncateToolOutputs bounds tool-result message content. The canonical
// history keeps the full output; only the model's view is cut.
func truncateToolOutputs(msgs []llm.Message, maxLen int) []llm.Message {
	changed := false
	out := msgs
	for i, m := range msgs {
		if m.Role != llm.RoleTool || len(m.Content) <= maxLen {
			continue
		}
		if !changed {
			out = make([]llm.Message, len(msgs))
			copy(out, msgs)
			changed = true
		}
		out[i].Content = m.Content[:maxLen] + truncationMarker
	}
	return out
}

// windowMessages keeps the leading system message and the most recent tail,
// advancing the window start past tool results whose assistant request
// falls outside the window.
func windowMessages(msgs []llm.Message, maxMessages int) []llm.Message {
	if len(msgs) <= maxMessages {
		return msgs
	}
	var head []llm.Message
	rest := msgs
	if msgs[0].Role == llm.RoleSystem {
		head = msgs[:1]
		rest = msgs[1:]
	}
	budget := maxMessages - len(head)
	if budget < 1 {
		budget = 1
	}
	start := len(rest) - budget
	if start < 0 {
		start = 0
	}
	// A window must not open on orphaned tool results.
	for start < len(rest) && rest[start].Role == llm.RoleTool {
		start++
	}
	out := make([]llm.Message, 0, len(head)+len(rest)-start)
	out = append(out, head...)
	out = append(out, rest[start:]...)
	return out
}

func sameMessages(a, b []llm.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role || a[i].Content != b[i].Content {
			return false
		}
		if len(a[i].ToolCalls) != len(b[i].ToolCalls) {
			return false
		}
	}
	return true
}
