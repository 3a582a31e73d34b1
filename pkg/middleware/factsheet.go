package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// FactSheetFile is the working-memory filename inside a session directory.
const FactSheetFile = "fact-sheet.json"

// FactMemory is the bounded working memory of one run, shared with other
// middlewares through Meta["factsheet"]. Owned by the run's loop goroutine.
type FactMemory struct {
	sheet      *models.FactSheet
	maxEntries int
}

// NewFactMemory wraps a sheet with the entry cap applied on Add.
func NewFactMemory(sheet *models.FactSheet, maxEntries int) *FactMemory {
	return &FactMemory{sheet: sheet, maxEntries: maxEntries}
}

// Add appends a fact, dropping the oldest entries beyond the cap. Facts
// repeating an existing entry's text are ignored.
func (m *FactMemory) Add(category models.FactCategory, fact, source string, confidence float64, iteration int) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	for _, e := range m.sheet.Entries {
		if e.Fact == fact {
			return
		}
	}
	m.sheet.Entries = append(m.sheet.Entries, models.FactEntry{
		ID:         uuid.NewString(),
		Category:   category,
		Fact:       fact,
		Confidence: confidence,
		Source:     source,
		Iteration:  iteration,
	})
	if over := len(m.sheet.Entries) - m.maxEntries; over > 0 {
		m.sheet.Entries = m.sheet.Entries[over:]
	}
	m.sheet.UpdatedAt = time.Now().UTC()
}

// Entries returns the current facts, oldest first.
func (m *FactMemory) Entries() []models.FactEntry {
	return m.sheet.Entries
}

// Render produces the Working Memory block injected into the system prompt.
// When the rendered entries would exceed maxTokens, the most recent facts
// win.
func (m *FactMemory) Render(maxTokens int) string {
	if len(m.sheet.Entries) == 0 {
		return ""
	}
	const header = "## Working Memory\nFacts established earlier in this session:\n"
	budget := maxTokens - llm.CountTokens(header)

	var lines []string
	for i := len(m.sheet.Entries) - 1; i >= 0; i-- {
		e := m.sheet.Entries[i]
		line := fmt.Sprintf("- [%s] %s", e.Category, e.Fact)
		cost := llm.CountTokens(line)
		if cost > budget {
			break
		}
		budget -= cost
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	// lines were collected newest-first; restore chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return header + strings.Join(lines, "\n")
}

// FactSheetConfig configures the working-memory middleware.
type FactSheetConfig struct {
	Disabled bool `yaml:"disabled"`
	// MaxEntries caps the number of retained facts.
	MaxEntries int `yaml:"max_entries"`
	// MaxTokens bounds the rendered Working Memory block.
	MaxTokens int `yaml:"max_tokens"`
	// SummarizationInterval is the iteration period of LLM fact extraction.
	SummarizationInterval int      `yaml:"summarization_interval"`
	Tier                  llm.Tier `yaml:"tier"`
}

// DefaultFactSheetConfig returns the stock working-memory limits.
func DefaultFactSheetConfig() FactSheetConfig {
	return FactSheetConfig{MaxEntries: 50, MaxTokens: 2000, SummarizationInterval: 5, Tier: llm.TierSmall}
}

// FactSheet maintains the run's working memory: heuristic facts from tool
// results, periodic LLM summarization, a rendered block in the system
// prompt, and persistence to the session directory on stop.
type FactSheet struct {
	cfg      FactSheetConfig
	registry *llm.Registry
	memory   *FactMemory
}

// NewFactSheet builds the working-memory middleware. registry may be nil;
// LLM summarization is then skipped and only heuristic extraction runs.
func NewFactSheet(cfg FactSheetConfig, registry *llm.Registry) *FactSheet {
	def := DefaultFactSheetConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.SummarizationInterval <= 0 {
		cfg.SummarizationInterval = def.SummarizationInterval
	}
	if cfg.Tier == "" {
		cfg.Tier = def.Tier
	}
	return &FactSheet{cfg: cfg, registry: registry}
}

func (fs *FactSheet) Name() string { return "fact-sheet" }
func (fs *FactSheet) Order() int   { return 20 }
func (fs *FactSheet) Config() HookConfig {
	return HookConfig{FailPolicy: FailOpen, Timeout: 30 * time.Second}
}
func (fs *FactSheet) Enabled(*RunState) bool { return !fs.cfg.Disabled }

func (fs *FactSheet) path(run *RunState) string {
	if run.SessionDir == "" {
		return ""
	}
	return filepath.Join(run.SessionDir, FactSheetFile)
}

func (fs *FactSheet) OnStart(_ context.Context, run *RunState) error {
	sheet := &models.FactSheet{SessionID: run.SessionID, AgentID: run.AgentID}
	if path := fs.path(run); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var loaded models.FactSheet
			if err := json.Unmarshal(data, &loaded); err == nil {
				sheet.Entries = loaded.Entries
				run.Emit(events.EventMemoryRead, events.MemoryPayload{
					Type:    events.EventMemoryRead,
					Store:   "fact_sheet",
					Entries: len(sheet.Entries),
				})
			}
		}
	}
	fs.memory = NewFactMemory(sheet, fs.cfg.MaxEntries)
	run.Meta[MetaFactSheet] = fs.memory
	return nil
}

func (fs *FactSheet) AfterToolExec(_ context.Context, exec *ToolExecContext, result *tools.Result) error {
	if fs.memory == nil || result == nil {
		return nil
	}
	run := exec.Run
	if !result.Success {
		msg := "unknown error"
		if result.Error != nil {
			msg = result.Error.Message
		}
		fs.memory.Add(models.FactBlocker,
			fmt.Sprintf("%s failed: %s", exec.Tool, msg), exec.Tool, 0.9, run.Iteration)
		return nil
	}
	if exec.Mutating {
		target, _ := exec.Args["path"].(string)
		if target == "" {
			target, _ = exec.Args["command"].(string)
		}
		if target != "" {
			fs.memory.Add(models.FactFileContent,
				fmt.Sprintf("%s applied to %s", exec.Tool, target), exec.Tool, 1.0, run.Iteration)
		}
	}
	return nil
}

func (fs *FactSheet) BeforeLLMCall(_ context.Context, call *LLMCallContext) (*Patch, error) {
	if fs.memory == nil {
		return nil, nil
	}
	block := fs.memory.Render(fs.cfg.MaxTokens)
	if block == "" {
		return nil, nil
	}
	msgs := make([]llm.Message, len(call.Messages))
	copy(msgs, call.Messages)
	if len(msgs) > 0 && msgs[0].Role == llm.RoleSystem {
		msgs[0].Content = msgs[0].Content + "\n\n" + block
	} else {
		msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: block}}, msgs...)
	}
	return &Patch{Messages: msgs}, nil
}

func (fs *FactSheet) AfterIteration(ctx context.Context, run *RunState) error {
	if fs.memory == nil || fs.registry == nil {
		return nil
	}
	if run.Iteration == 0 || run.Iteration%fs.cfg.SummarizationInterval != 0 {
		return nil
	}
	return fs.summarize(ctx, run)
}

func (fs *FactSheet) OnStop(_ context.Context, run *RunState, _ models.StopCode) error {
	if fs.memory == nil {
		return nil
	}
	path := fs.path(run)
	if path == "" || len(fs.memory.Entries()) == 0 {
		return nil
	}
	sheet := fs.memory.sheet
	sheet.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sheet, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fact sheet: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persisting fact sheet: %w", err)
	}
	run.Emit(events.EventMemoryWrite, events.MemoryPayload{
		Type:    events.EventMemoryWrite,
		Store:   "fact_sheet",
		Key:     path,
		Entries: len(sheet.Entries),
	})
	return nil
}

const summarizePrompt = `Extract durable facts from this agent transcript excerpt.
Return a JSON array, each element {"category": "...", "fact": "...", "confidence": 0.0-1.0}.
Categories: file_content, architecture, finding, decision, blocker, correction, tool_result, environment.
Only include facts worth remembering across many steps. Return [] if there are none.

Transcript:
%s`

type summarizedFact struct {
	Category   string  `json:"category"`
	Fact       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
}

func (fs *FactSheet) summarize(ctx context.Context, run *RunState) error {
	client, _, err := fs.registry.Resolve(fs.cfg.Tier)
	if err != nil {
		return fmt.Errorf("resolving summarizer tier: %w", err)
	}
	excerpt := transcriptTail(run.Messages, 4000)
	if excerpt == "" {
		return nil
	}
	result, err := client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(summarizePrompt, excerpt)},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return fmt.Errorf("fact summarization: %w", err)
	}
	facts, err := parseSummarizedFacts(result.Content)
	if err != nil {
		return err
	}
	for _, f := range facts {
		fs.memory.Add(parseFactCategory(f.Category), f.Fact, "summarizer", f.Confidence, run.Iteration)
	}
	return nil
}

// parseSummarizedFacts tolerates prose around the JSON array.
func parseSummarizedFacts(content string) ([]summarizedFact, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, nil
	}
	var facts []summarizedFact
	if err := json.Unmarshal([]byte(content[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("parsing summarized facts: %w", err)
	}
	return facts, nil
}

func parseFactCategory(s string) models.FactCategory {
	switch c := models.FactCategory(strings.ToLower(strings.TrimSpace(s))); c {
	case models.FactFileContent, models.FactArchitecture, models.FactFinding,
		models.FactDecision, models.FactBlocker, models.FactCorrection,
		models.FactToolResult, models.FactEnvironment:
		return c
	}
	return models.FactFinding
}

// transcriptTail renders the most recent conversation turns, bounded by
// maxChars, for summarization prompts.
func transcriptTail(msgs []llm.Message, maxChars int) string {
	var parts []string
	total := 0
	for i := len(msgs) - 1; i >= 0 && total < maxChars; i-- {
		m := msgs[i]
		if m.Role == llm.RoleSystem {
			continue
		}
		content := m.Content
		if len(content) > 800 {
			content = content[:800] + "..."
		}
		line := m.Role + ": " + content
		total += len(line)
		parts = append(parts, line)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}
