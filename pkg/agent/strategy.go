package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/agent/controller"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// Strategy modes accepted in agent configuration.
const (
	StrategyUnrestricted = "unrestricted"
	StrategyPrioritized  = "prioritized"
	StrategyGated        = "gated"
)

// Strategy selects the tool set advertised to the model each iteration and
// contributes guidance to the system prompt. Instances are per-run: the
// gated strategy accumulates unlock state across iterations of one run.
type Strategy interface {
	controller.ToolSource

	// Catalog returns every tool the run may eventually use, including ones
	// currently behind a gate, for the system prompt's tool overview.
	Catalog() []tools.Definition
	PromptHints() string
}

// ToolGroup configures one named group for the prioritized and gated
// strategies. Tools opt in through Definition.Group.
type ToolGroup struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Hints    string `yaml:"hints"`

	// UnlockAfter names a group that must record a successful call before
	// this one becomes available (gated mode).
	UnlockAfter string `yaml:"unlock_after"`
	// UnlockWhenConfidenceBelow opens the group once the run's tool success
	// ratio falls under the threshold (gated mode). Zero disables the gate.
	UnlockWhenConfidenceBelow float64 `yaml:"unlock_when_confidence_below"`
}

// NewStrategy builds the strategy for a configured mode. The empty mode
// means unrestricted.
func NewStrategy(mode string, defs []tools.Definition, groups []ToolGroup) (Strategy, error) {
	switch mode {
	case "", StrategyUnrestricted:
		return NewUnrestrictedStrategy(defs), nil
	case StrategyPrioritized:
		return NewPrioritizedStrategy(defs, groups), nil
	case StrategyGated:
		return NewGatedStrategy(defs, groups), nil
	default:
		return nil, fmt.Errorf("unknown tool strategy %q", mode)
	}
}

// UnrestrictedStrategy advertises every permitted tool on every iteration.
type UnrestrictedStrategy struct {
	defs   []tools.Definition
	byName map[string]tools.Definition
}

func NewUnrestrictedStrategy(defs []tools.Definition) *UnrestrictedStrategy {
	return &UnrestrictedStrategy{defs: defs, byName: defsByName(defs)}
}

func (s *UnrestrictedStrategy) Definitions(*middleware.RunState) []llm.ToolDefinition {
	return llmDefinitions(s.defs)
}

func (s *UnrestrictedStrategy) Catalog() []tools.Definition { return s.defs }

func (s *UnrestrictedStrategy) Mutating(name string) bool { return s.byName[name].Mutating }

func (s *UnrestrictedStrategy) Observe(string, *tools.Result) {}

func (s *UnrestrictedStrategy) PromptHints() string { return "" }

// PrioritizedStrategy advertises every tool, ordered by group priority
// (higher first, registration order within a priority), and surfaces group
// hints in the system prompt. Ungrouped tools sort at priority zero.
type PrioritizedStrategy struct {
	defs   []tools.Definition
	byName map[string]tools.Definition
	order  []ToolGroup
}

func NewPrioritizedStrategy(defs []tools.Definition, groups []ToolGroup) *PrioritizedStrategy {
	gm := groupMap(groups)
	ordered := make([]tools.Definition, len(defs))
	copy(ordered, defs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return gm[ordered[i].Group].Priority > gm[ordered[j].Group].Priority
	})
	byPriority := make([]ToolGroup, len(groups))
	copy(byPriority, groups)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return byPriority[i].Priority > byPriority[j].Priority
	})
	return &PrioritizedStrategy{defs: ordered, byName: defsByName(defs), order: byPriority}
}

func (s *PrioritizedStrategy) Definitions(*middleware.RunState) []llm.ToolDefinition {
	return llmDefinitions(s.defs)
}

func (s *PrioritizedStrategy) Catalog() []tools.Definition { return s.defs }

func (s *PrioritizedStrategy) Mutating(name string) bool { return s.byName[name].Mutating }

func (s *PrioritizedStrategy) Observe(string, *tools.Result) {}

func (s *PrioritizedStrategy) PromptHints() string {
	var b strings.Builder
	for _, g := range s.order {
		if g.Hints == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", g.Name, g.Hints)
	}
	if b.Len() == 0 {
		return ""
	}
	return "Tool preferences, strongest first:\n" + b.String()
}

// GatedStrategy locks tool groups behind run-time conditions. Ungrouped
// tools, reserved tools and groups with no declared gate start unlocked.
// A group's gates are alternatives: it opens once its prerequisite group
// records a successful call, or once the run's tool success ratio falls
// below its confidence threshold. Unlocks are sticky for the rest of the run.
//
// Instances hold per-run state and must not be shared across runs. No
// locking: Definitions and Observe run on the loop goroutine.
type GatedStrategy struct {
	defs   []tools.Definition
	byName map[string]tools.Definition
	groups map[string]ToolGroup
	order  []ToolGroup

	unlocked  map[string]bool
	succeeded map[string]bool
	calls     int
	successes int
}

func NewGatedStrategy(defs []tools.Definition, groups []ToolGroup) *GatedStrategy {
	gm := groupMap(groups)
	unlocked := make(map[string]bool, len(gm))
	for name, g := range gm {
		if g.UnlockAfter == "" && g.UnlockWhenConfidenceBelow <= 0 {
			unlocked[name] = true
		}
	}
	order := make([]ToolGroup, len(groups))
	copy(order, groups)
	return &GatedStrategy{
		defs:      defs,
		byName:    defsByName(defs),
		groups:    gm,
		order:     order,
		unlocked:  unlocked,
		succeeded: make(map[string]bool),
	}
}

func (s *GatedStrategy) Definitions(*middleware.RunState) []llm.ToolDefinition {
	s.refreshGates()
	visible := make([]tools.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		if s.visible(def) {
			visible = append(visible, def)
		}
	}
	return llmDefinitions(visible)
}

func (s *GatedStrategy) visible(def tools.Definition) bool {
	if def.Group == "" || tools.IsReserved(def.Name) {
		return true
	}
	if _, known := s.groups[def.Group]; !known {
		// A group nobody configured does not gate.
		return true
	}
	return s.unlocked[def.Group]
}

func (s *GatedStrategy) refreshGates() {
	for name, g := range s.groups {
		if s.unlocked[name] {
			continue
		}
		if g.UnlockAfter != "" && s.succeeded[g.UnlockAfter] {
			s.unlocked[name] = true
			continue
		}
		if g.UnlockWhenConfidenceBelow > 0 && s.confidence() < g.UnlockWhenConfidenceBelow {
			s.unlocked[name] = true
		}
	}
}

// confidence is the run's tool success ratio. Fewer than three calls is too
// little signal, so the ratio starts optimistic.
func (s *GatedStrategy) confidence() float64 {
	if s.calls < 3 {
		return 1.0
	}
	return float64(s.successes) / float64(s.calls)
}

func (s *GatedStrategy) Catalog() []tools.Definition { return s.defs }

func (s *GatedStrategy) Mutating(name string) bool { return s.byName[name].Mutating }

// Observe feeds execution outcomes into the gate state. Reserved tools and
// names outside the registry carry no signal about the toolset.
func (s *GatedStrategy) Observe(name string, res *tools.Result) {
	def, ok := s.byName[name]
	if !ok || tools.IsReserved(name) {
		return
	}
	s.calls++
	if res != nil && res.Success {
		s.successes++
		if def.Group != "" {
			s.succeeded[def.Group] = true
		}
	}
}

func (s *GatedStrategy) PromptHints() string {
	var b strings.Builder
	for _, g := range s.order {
		var parts []string
		if g.Hints != "" {
			parts = append(parts, g.Hints)
		}
		if g.UnlockAfter != "" {
			parts = append(parts, fmt.Sprintf("becomes available after a successful %s call", g.UnlockAfter))
		}
		if g.UnlockWhenConfidenceBelow > 0 {
			parts = append(parts, "becomes available as a fallback when other tools keep failing")
		}
		if len(parts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", g.Name, strings.Join(parts, "; "))
	}
	if b.Len() == 0 {
		return ""
	}
	return "Tool groups unlock as the task progresses:\n" + b.String()
}

// llmDefinitions projects registry definitions into the provider shape.
func llmDefinitions(defs []tools.Definition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return out
}

func defsByName(defs []tools.Definition) map[string]tools.Definition {
	m := make(map[string]tools.Definition, len(defs))
	for _, def := range defs {
		m[def.Name] = def
	}
	return m
}

func groupMap(groups []ToolGroup) map[string]ToolGroup {
	m := make(map[string]ToolGroup, len(groups))
	for _, g := range groups {
		m[g.Name] = g
	}
	return m
}
