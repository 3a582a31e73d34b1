package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/casey/pkg/llm"
)

// Task classes the classifier may assign. Downstream middlewares and tool
// strategies read Meta["task.class"] as a routing hint only; an unknown or
// missing class never changes correctness.
const (
	TaskClassCodeEdit      = "code_edit"
	TaskClassInvestigation = "investigation"
	TaskClassQuestion      = "question"
	TaskClassOperations    = "operations"
	TaskClassGeneral       = "general"
)

var knownTaskClasses = map[string]bool{
	TaskClassCodeEdit:      true,
	TaskClassInvestigation: true,
	TaskClassQuestion:      true,
	TaskClassOperations:    true,
	TaskClassGeneral:       true,
}

const classifierPrompt = `Classify the following task into exactly one category.
Categories: code_edit (modifies source files), investigation (reads and analyzes, no mutation), question (answerable from knowledge, few or no tools), operations (runs commands, manages environments).
Respond with the category name only.

Task: %s`

// TaskClassifierConfig configures the task classifier.
type TaskClassifierConfig struct {
	Disabled bool     `yaml:"disabled"`
	Tier     llm.Tier `yaml:"tier"`
}

// TaskClassifier asks a small-tier model to classify the task once at run
// start and publishes the class as Meta["task.class"].
type TaskClassifier struct {
	cfg      TaskClassifierConfig
	registry *llm.Registry
}

// NewTaskClassifier builds the classifier over the given tier registry.
func NewTaskClassifier(cfg TaskClassifierConfig, registry *llm.Registry) *TaskClassifier {
	if cfg.Tier == "" {
		cfg.Tier = llm.TierSmall
	}
	return &TaskClassifier{cfg: cfg, registry: registry}
}

func (t *TaskClassifier) Name() string { return "task-classifier" }
func (t *TaskClassifier) Order() int   { return 5 }
func (t *TaskClassifier) Config() HookConfig {
	return HookConfig{FailPolicy: FailOpen, Timeout: 15 * time.Second}
}
func (t *TaskClassifier) Enabled(*RunState) bool { return !t.cfg.Disabled }

func (t *TaskClassifier) OnStart(ctx context.Context, run *RunState) error {
	if run.Task == "" || t.registry == nil {
		return nil
	}
	client, _, err := t.registry.Resolve(t.cfg.Tier)
	if err != nil {
		return fmt.Errorf("resolving classifier tier: %w", err)
	}
	result, err := client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(classifierPrompt, run.Task)},
		},
		MaxTokens: 16,
	})
	if err != nil {
		return fmt.Errorf("classify task: %w", err)
	}
	run.Meta[MetaTaskClass] = parseTaskClass(result.Content)
	return nil
}

// parseTaskClass extracts the class from a model response, tolerating
// punctuation and surrounding prose. Unrecognized answers map to "general".
func parseTaskClass(response string) string {
	fields := strings.FieldsFunc(strings.ToLower(response), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '_'
	})
	for _, f := range fields {
		if knownTaskClasses[f] {
			return f
		}
	}
	return TaskClassGeneral
}
