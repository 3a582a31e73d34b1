package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// KPIBaseline is the rolling performance profile of one agent under one
// workspace, used to spot regressions across runs.
type KPIBaseline struct {
	Runs          int       `json:"runs"`
	AvgIterations float64   `json:"avg_iterations"`
	AvgTokens     float64   `json:"avg_tokens"`
	SuccessRate   float64   `json:"success_rate"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// The process-wide baseline map spans runs; files under each base dir make
// it span restarts.
var (
	baselineMu sync.Mutex
	baselines  = make(map[string]*KPIBaseline)
	loadedDirs = make(map[string]bool)
)

// ResetBaselines clears the process-wide KPI map. Test hook.
func ResetBaselines() {
	baselineMu.Lock()
	defer baselineMu.Unlock()
	baselines = make(map[string]*KPIBaseline)
	loadedDirs = make(map[string]bool)
}

// BaselineFor returns a copy of the baseline recorded under key.
func BaselineFor(key string) (KPIBaseline, bool) {
	baselineMu.Lock()
	defer baselineMu.Unlock()
	b, ok := baselines[key]
	if !ok {
		return KPIBaseline{}, false
	}
	return *b, true
}

// AnalyticsConfig configures the KPI recorder.
type AnalyticsConfig struct {
	Disabled bool `yaml:"disabled"`
	// BaseDir roots the baseline key and the persisted analytics.json;
	// empty falls back to the run's working directory.
	BaseDir string `yaml:"base_dir"`
}

// Analytics records per-agent KPI baselines (iterations, tokens, success
// rate) keyed by workspace and agent, persisted as JSON next to the
// sessions it measures.
type Analytics struct {
	cfg    AnalyticsConfig
	logger *slog.Logger
}

// NewAnalytics builds the KPI recorder.
func NewAnalytics(cfg AnalyticsConfig, logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{cfg: cfg, logger: logger}
}

func (a *Analytics) Name() string { return "analytics" }
func (a *Analytics) Order() int   { return 90 }
func (a *Analytics) Config() HookConfig {
	return HookConfig{FailPolicy: FailOpen, Timeout: 5 * time.Second}
}
func (a *Analytics) Enabled(*RunState) bool { return !a.cfg.Disabled }

func (a *Analytics) base(run *RunState) string {
	if a.cfg.BaseDir != "" {
		return a.cfg.BaseDir
	}
	return run.WorkDir
}

// BaselineKey builds the process-map key for a workspace and agent.
func BaselineKey(baseDir, agentID string) string {
	return baseDir + "::" + agentID
}

func (a *Analytics) OnStop(_ context.Context, run *RunState, code models.StopCode) error {
	base := a.base(run)
	if base == "" || run.AgentID == "" {
		return nil
	}
	key := BaselineKey(base, run.AgentID)
	success := code == models.StopReportComplete

	baselineMu.Lock()
	a.loadLocked(base)
	b, ok := baselines[key]
	if !ok {
		b = &KPIBaseline{}
		baselines[key] = b
	}
	n := float64(b.Runs + 1)
	b.AvgIterations += (float64(run.Iteration) - b.AvgIterations) / n
	b.AvgTokens += (float64(run.TokensUsed.Total) - b.AvgTokens) / n
	successes := b.SuccessRate * float64(b.Runs)
	if success {
		successes++
	}
	b.SuccessRate = successes / n
	b.Runs++
	b.UpdatedAt = time.Now().UTC()
	snapshot := a.snapshotLocked(base)
	baselineMu.Unlock()

	a.logger.Debug("KPI baseline updated",
		slog.String("key", key),
		slog.Int("runs", snapshot[key].Runs),
		slog.Float64("avg_iterations", snapshot[key].AvgIterations))
	return a.persist(base, snapshot)
}

// loadLocked seeds the process map from the base dir's analytics.json once.
func (a *Analytics) loadLocked(base string) {
	if loadedDirs[base] {
		return
	}
	loadedDirs[base] = true
	data, err := os.ReadFile(filepath.Join(base, "analytics.json"))
	if err != nil {
		return
	}
	var stored map[string]*KPIBaseline
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}
	for k, v := range stored {
		if _, exists := baselines[k]; !exists {
			baselines[k] = v
		}
	}
}

// snapshotLocked copies the baselines rooted at base for persistence.
func (a *Analytics) snapshotLocked(base string) map[string]KPIBaseline {
	prefix := base + "::"
	out := make(map[string]KPIBaseline)
	for k, v := range baselines {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = *v
		}
	}
	return out
}

func (a *Analytics) persist(base string, snapshot map[string]KPIBaseline) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling analytics: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating analytics dir: %w", err)
	}
	path := filepath.Join(base, "analytics.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persisting analytics: %w", err)
	}
	return nil
}
