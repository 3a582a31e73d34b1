// Package orchestrator decomposes a task into subtasks, delegates them to
// workers with dependency-aware bounded concurrency, climbs each worker's
// tier-escalation ladder on failure, verifies successful outputs, and
// synthesizes the delegated results into one answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/agent/prompt"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/verify"
)

// Sentinel errors for orchestrator construction.
var (
	ErrNoRegistry       = errors.New("orchestrator: llm registry is required")
	ErrNoWorkers        = errors.New("orchestrator: worker runner is required")
	ErrNoProfiles       = errors.New("orchestrator: roster needs at least one profile")
	ErrDuplicateProfile = errors.New("orchestrator: duplicate profile id")
)

// Runner executes a single delegated task. *agent.Worker satisfies it; tests
// substitute scripted fakes.
type Runner interface {
	Execute(ctx context.Context, task string, cfg agent.Config) (*models.SpecialistOutcome, error)
}

// Scorer produces the cross-tier verdict on a synthesized answer.
// *verify.Judge satisfies it.
type Scorer interface {
	Score(ctx context.Context, task, answer string, traceRefs []string, executorTier llm.Tier) (*models.AnswerVerdict, models.TokenUsage, error)
}

// Archiver records a run's synthesized answer into the session memory.
// *archive.Store satisfies it; nil disables archiving.
type Archiver interface {
	AppendAnswer(sessionID, runID, answer string) error
}

// Profile describes one worker the planner may delegate to: its identity for
// the roster prompt, its escalation ladder, and the per-run budgets handed to
// the worker on dispatch.
type Profile struct {
	ID          string
	Description string

	// Ladder is the tier escalation sequence; the first entry is where every
	// subtask starts. Empty defaults to [medium].
	Ladder []llm.Tier

	MaxIterations     int
	MaxTokens         int
	MaxResponseTokens int
	Temperature       float64
	IterationTimeout  time.Duration

	ForceSynthesisOnHardLimit bool

	CustomInstructions string

	// Strategy and Middlewares are factories: gated strategies and several
	// middlewares carry per-run state, so each dispatch needs fresh instances.
	Strategy    func() agent.Strategy
	Middlewares func() []middleware.Middleware
}

// ladder returns the profile's escalation ladder, defaulting to a single
// medium rung.
func (p Profile) ladder() []llm.Tier {
	if len(p.Ladder) == 0 {
		return []llm.Tier{llm.TierMedium}
	}
	return p.Ladder
}

// Roster is the ordered set of worker profiles advertised to the planner.
// The first profile is the default: direct forwards and subtasks naming an
// unknown agent land on it.
type Roster struct {
	profiles []Profile
	byID     map[string]Profile
}

// NewRoster builds a roster from the given profiles, in order.
func NewRoster(profiles ...Profile) (*Roster, error) {
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	byID := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProfile, p.ID)
		}
		byID[p.ID] = p
	}
	return &Roster{profiles: profiles, byID: byID}, nil
}

// Get returns the profile registered under id.
func (r *Roster) Get(id string) (Profile, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Default returns the first registered profile.
func (r *Roster) Default() Profile { return r.profiles[0] }

// Entries renders the roster for the planning prompt. Tool names come from
// each profile's full strategy catalog, locked groups included, so the
// planner knows what a worker could eventually reach.
func (r *Roster) Entries() []prompt.RosterEntry {
	entries := make([]prompt.RosterEntry, 0, len(r.profiles))
	for _, p := range r.profiles {
		e := prompt.RosterEntry{ID: p.ID, Description: p.Description}
		if p.Strategy != nil {
			for _, def := range p.Strategy().Catalog() {
				e.Tools = append(e.Tools, def.Name)
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// Config carries the per-run orchestrator settings.
type Config struct {
	RunID     string
	SessionID string

	// AgentID identifies the orchestrator in events and as the workers'
	// parent. Defaults to "orchestrator".
	AgentID string

	// Tier selects the model for planning and synthesis; the cross-tier
	// verdict runs one tier above it. Defaults to large.
	Tier        llm.Tier
	Temperature float64

	// MaxConcurrent bounds the delegation worker pool. Defaults to 3.
	MaxConcurrent int

	// MaxRetries is the per-subtask retry budget across the escalation
	// ladder and verification redos; total attempts = MaxRetries+1.
	// Defaults to 2.
	MaxRetries int

	// RetryBackoff is the base delay between attempts, growing exponentially
	// with jitter. Defaults to 500ms.
	RetryBackoff time.Duration

	WorkDir    string
	SessionDir string

	// Inbox receives corrections routed to the orchestrator itself. Drained
	// before synthesis; workers have their own per-dispatch boxes.
	Inbox *middleware.Mailbox
}

// Deps bundles the shared infrastructure an orchestrator runs on. Verifier
// and Judge are optional: a nil Verifier accepts every worker output, a nil
// Judge skips the answer verdict.
type Deps struct {
	Registry *llm.Registry
	Workers  Runner
	Roster   *Roster
	Verifier *verify.Verifier
	Judge    Scorer
	Archive  Archiver
	Bus      *events.Bus
	Logger   *slog.Logger
}
