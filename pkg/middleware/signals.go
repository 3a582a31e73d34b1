package middleware

import (
	"context"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// SearchSignalConfig configures the empty-search detector.
type SearchSignalConfig struct {
	Disabled bool `yaml:"disabled"`
	// EmptyThreshold is the number of consecutive empty search results
	// before the exhaustion hint is raised.
	EmptyThreshold int `yaml:"empty_threshold"`
}

// SearchSignal watches search-family tool calls and raises
// Meta["search.exhausted"] when consecutive queries come back empty, a hint
// for prompts and strategies to stop re-querying and work with what exists.
type SearchSignal struct {
	cfg    SearchSignalConfig
	logger *slog.Logger

	consecutiveEmpty int
}

// NewSearchSignal builds the detector; a zero threshold defaults to 2.
func NewSearchSignal(cfg SearchSignalConfig, logger *slog.Logger) *SearchSignal {
	if cfg.EmptyThreshold <= 0 {
		cfg.EmptyThreshold = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchSignal{cfg: cfg, logger: logger}
}

func (s *SearchSignal) Name() string           { return "search-signal" }
func (s *SearchSignal) Order() int             { return 60 }
func (s *SearchSignal) Config() HookConfig     { return HookConfig{FailPolicy: FailOpen} }
func (s *SearchSignal) Enabled(*RunState) bool { return !s.cfg.Disabled }

// searchFamily matches tools whose purpose is locating content.
func searchFamily(tool string) bool {
	t := strings.ToLower(tool)
	for _, kw := range []string{"search", "grep", "glob", "find"} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

func (s *SearchSignal) AfterToolExec(_ context.Context, exec *ToolExecContext, result *tools.Result) error {
	if !searchFamily(exec.Tool) {
		return nil
	}
	if result != nil && result.Success && strings.TrimSpace(result.Output) != "" {
		s.consecutiveEmpty = 0
		delete(exec.Run.Meta, MetaSearchExhausted)
		return nil
	}
	s.consecutiveEmpty++
	if s.consecutiveEmpty >= s.cfg.EmptyThreshold && !exec.Run.MetaBool(MetaSearchExhausted) {
		exec.Run.Meta[MetaSearchExhausted] = true
		s.logger.Info("Search exhaustion detected",
			slog.String("agent_id", exec.Run.AgentID),
			slog.String("tool", exec.Tool),
			slog.Int("consecutive_empty", s.consecutiveEmpty))
	}
	return nil
}

// TodoSyncConfig configures the todo mirror.
type TodoSyncConfig struct {
	Disabled bool `yaml:"disabled"`
}

// TodoSync mirrors todo-family tool payloads into Meta["todo.items"] so
// other middlewares and the session journal see the agent's current plan.
type TodoSync struct {
	cfg TodoSyncConfig
}

// NewTodoSync builds the todo mirror.
func NewTodoSync(cfg TodoSyncConfig) *TodoSync {
	return &TodoSync{cfg: cfg}
}

func (t *TodoSync) Name() string           { return "todo-sync" }
func (t *TodoSync) Order() int             { return 80 }
func (t *TodoSync) Config() HookConfig     { return HookConfig{FailPolicy: FailOpen} }
func (t *TodoSync) Enabled(*RunState) bool { return !t.cfg.Disabled }

func (t *TodoSync) AfterToolExec(_ context.Context, exec *ToolExecContext, result *tools.Result) error {
	if result == nil || !result.Success || !strings.Contains(strings.ToLower(exec.Tool), "todo") {
		return nil
	}
	items, ok := exec.Args["items"].([]any)
	if !ok {
		return nil
	}
	exec.Run.Meta[MetaTodoItems] = items
	exec.Run.Emit(events.EventMemoryWrite, events.MemoryPayload{
		Type:    events.EventMemoryWrite,
		Store:   "todo",
		Entries: len(items),
	})
	return nil
}
