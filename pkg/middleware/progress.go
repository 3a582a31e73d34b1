package middleware

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/tools"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

const signatureWindow = 6

// ProgressState is the detector's published state, read by the iteration
// loop through Meta["progress"] after tool execution.
type ProgressState struct {
	Iteration               int
	IterationsSinceProgress int
	Stuck                   bool
	LoopDetected            bool
	LoopReason              string
}

// ProgressConfig configures the progress tracker.
type ProgressConfig struct {
	Disabled bool `yaml:"disabled"`
	// StuckThreshold is the number of iterations without progress after
	// which the stuck signal is raised. Stuckness is advisory: the run
	// continues unless a caller treats it as fatal.
	StuckThreshold int `yaml:"stuck_threshold"`
}

// DefaultProgressConfig returns the stock progress thresholds.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{StuckThreshold: 4}
}

// Progress tracks a sliding window of tool-call signatures for loop
// detection (period-3 repetition over the last six calls) and counts
// iterations without observable progress.
type Progress struct {
	cfg ProgressConfig

	signatures   []string
	state        ProgressState
	madeProgress bool
}

// NewProgress builds the tracker; a zero threshold falls back to default.
func NewProgress(cfg ProgressConfig) *Progress {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultProgressConfig().StuckThreshold
	}
	return &Progress{cfg: cfg}
}

func (p *Progress) Name() string           { return "progress" }
func (p *Progress) Order() int             { return 50 }
func (p *Progress) Config() HookConfig     { return HookConfig{FailPolicy: FailOpen} }
func (p *Progress) Enabled(*RunState) bool { return !p.cfg.Disabled }

func (p *Progress) OnStart(_ context.Context, run *RunState) error {
	run.Meta[MetaProgress] = &p.state
	return nil
}

func (p *Progress) AfterToolExec(_ context.Context, exec *ToolExecContext, result *tools.Result) error {
	_, sig, err := trace.CanonicalArgs(exec.Args)
	if err != nil {
		sig = "?"
	}
	p.push(exec.Tool + ":" + sig)
	if result != nil && result.Success && result.Output != "" {
		p.madeProgress = true
	}
	// Loop state must be current before the iteration's post-tool check.
	if reason, looping := p.detectLoop(); looping {
		p.state.LoopDetected = true
		p.state.LoopReason = reason
	}
	return nil
}

func (p *Progress) AfterIteration(_ context.Context, run *RunState) error {
	if p.madeProgress {
		p.state.IterationsSinceProgress = 0
	} else {
		p.state.IterationsSinceProgress++
	}
	p.madeProgress = false
	p.state.Iteration = run.Iteration
	p.state.Stuck = p.state.IterationsSinceProgress >= p.cfg.StuckThreshold

	run.Emit(events.EventProgressUpdate, events.ProgressUpdatePayload{
		Type:                    events.EventProgressUpdate,
		Iteration:               p.state.Iteration,
		IterationsSinceProgress: p.state.IterationsSinceProgress,
		Stuck:                   p.state.Stuck,
		LoopDetected:            p.state.LoopDetected,
		LoopReason:              p.state.LoopReason,
	})
	return nil
}

func (p *Progress) push(sig string) {
	p.signatures = append(p.signatures, sig)
	if len(p.signatures) > signatureWindow {
		p.signatures = p.signatures[len(p.signatures)-signatureWindow:]
	}
}

// detectLoop reports period-3 repetition: the last three signatures equal
// the previous three.
func (p *Progress) detectLoop() (string, bool) {
	if len(p.signatures) < signatureWindow {
		return "", false
	}
	w := p.signatures
	for i := 0; i < 3; i++ {
		if w[i] != w[i+3] {
			return "", false
		}
	}
	return fmt.Sprintf("tool call cycle repeating: %v", w[3:]), true
}
