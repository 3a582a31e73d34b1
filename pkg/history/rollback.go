package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// Target selects which snapshots a rollback applies to. Exactly one
// selector must be set.
type Target struct {
	ChangeID  string    `json:"change_id,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	After     time.Time `json:"after,omitzero"`
}

func (t Target) validate() error {
	n := 0
	for _, set := range []bool{
		t.ChangeID != "",
		t.FilePath != "",
		t.AgentID != "",
		t.SessionID != "",
		!t.After.IsZero(),
	} {
		if set {
			n++
		}
	}
	if n == 0 {
		return errors.New("rollback target: one of change id, file path, agent id, session id or after-timestamp is required")
	}
	if n > 1 {
		return errors.New("rollback target: selectors are mutually exclusive")
	}
	return nil
}

// ActionKind is what a rollback does to one file.
type ActionKind string

const (
	// ActionRestore writes the snapshot's before content back.
	ActionRestore ActionKind = "restore"
	// ActionDelete removes the file: the snapshot has no before state, so
	// the file did not exist prior to the change.
	ActionDelete ActionKind = "delete"
	// ActionSkip leaves the file alone because it already matches.
	ActionSkip ActionKind = "skip"
)

// Action is one planned file operation.
type Action struct {
	FilePath string     `json:"file_path"`
	Kind     ActionKind `json:"kind"`
	ChangeID string     `json:"change_id"`
	Hash     string     `json:"hash,omitempty"`
	Bytes    int64      `json:"bytes,omitempty"`

	before *models.FileState
}

// Plan is the set of file operations a rollback would perform. Planning
// only reads the tree, so a plan doubles as the dry-run output.
type Plan struct {
	Target  Target   `json:"target"`
	Actions []Action `json:"actions"`
}

// ActionResult reports the outcome of one applied action.
type ActionResult struct {
	Action  Action `json:"action"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Result summarizes an applied plan.
type Result struct {
	Actions  []ActionResult `json:"actions"`
	Restored int            `json:"restored"`
	Deleted  int            `json:"deleted"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
}

// Engine plans and applies rollbacks over recorded snapshots.
type Engine struct {
	store   *Store
	workDir string
	logger  *slog.Logger
}

// NewEngine builds an engine restoring files relative to workDir.
func NewEngine(store *Store, workDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, workDir: workDir, logger: logger}
}

// Rollback plans and, unless dryRun is set, applies a rollback in one call.
// The result is nil for dry runs.
func (e *Engine) Rollback(ctx context.Context, target Target, dryRun bool) (*Plan, *Result, error) {
	plan, err := e.Plan(target)
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		return plan, nil, nil
	}
	result, err := e.Apply(ctx, plan)
	return plan, result, err
}

// Plan resolves the target to snapshots and decides one action per file.
// For multi-snapshot targets the earliest snapshot per file wins: it holds
// the file's state before the selected window of changes began.
func (e *Engine) Plan(target Target) (*Plan, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	var (
		changes []*models.FileChange
		err     error
	)
	switch {
	case target.ChangeID != "":
		var c *models.FileChange
		if c, err = e.store.Get(target.ChangeID); err == nil {
			changes = []*models.FileChange{c}
		}
	case target.FilePath != "":
		changes, err = e.store.Query(Filter{FilePath: target.FilePath})
	case target.AgentID != "":
		changes, err = e.store.Query(Filter{AgentID: target.AgentID})
	case target.SessionID != "":
		changes, err = e.store.Query(Filter{SessionID: target.SessionID})
	default:
		changes, err = e.store.Query(Filter{After: target.After})
	}
	if err != nil {
		return nil, err
	}

	plan := &Plan{Target: target}
	seen := make(map[string]bool)
	for _, change := range changes {
		// Query returns oldest first, so the first snapshot per file is
		// the earliest one.
		if seen[change.FilePath] {
			continue
		}
		seen[change.FilePath] = true
		plan.Actions = append(plan.Actions, e.planFile(change))
	}
	return plan, nil
}

// planFile decides what restoring one snapshot means against the current
// tree. Restores that would write identical bytes become skips, which makes
// repeating a rollback on an unchanged tree a no-op.
func (e *Engine) planFile(change *models.FileChange) Action {
	action := Action{FilePath: change.FilePath, ChangeID: change.ChangeID, before: change.Before}
	current, exists := readCurrent(e.resolve(change.FilePath))

	switch {
	case change.Before == nil && !exists:
		action.Kind = ActionSkip
	case change.Before == nil:
		action.Kind = ActionDelete
	default:
		action.Hash = change.Before.Hash
		action.Bytes = change.Before.Size
		if exists && models.HashContent(current) == change.Before.Hash {
			action.Kind = ActionSkip
		} else {
			action.Kind = ActionRestore
		}
	}
	return action
}

// Apply executes a plan. Each file either reaches its planned state or is
// left untouched; a failure on one file does not stop the others.
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*Result, error) {
	result := &Result{}
	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res := ActionResult{Action: action}
		var err error
		switch action.Kind {
		case ActionSkip:
			result.Skipped++
		case ActionDelete:
			if err = e.deleteFile(action); err == nil {
				res.Applied = true
				result.Deleted++
			}
		case ActionRestore:
			if err = e.restoreFile(action); err == nil {
				res.Applied = true
				result.Restored++
			}
		}

		if err != nil {
			res.Error = err.Error()
			result.Failed++
			e.logger.Error("rollback action failed",
				slog.String("file_path", action.FilePath),
				slog.String("kind", string(action.Kind)),
				slog.String("change_id", action.ChangeID),
				slog.Any("error", err))
		} else if res.Applied {
			e.logger.Info("rollback applied",
				slog.String("file_path", action.FilePath),
				slog.String("kind", string(action.Kind)),
				slog.String("change_id", action.ChangeID))
		}
		result.Actions = append(result.Actions, res)
	}
	return result, nil
}

// restoreFile writes the before content through a temp file and rename so a
// failure mid-write cannot leave the target truncated.
func (e *Engine) restoreFile(action Action) error {
	if action.before == nil {
		return fmt.Errorf("restore %s: plan is missing the before state", action.FilePath)
	}
	if models.HashContent(action.before.Content) != action.before.Hash {
		return fmt.Errorf("restore %s: snapshot %s is corrupt (content hash mismatch)", action.FilePath, action.ChangeID)
	}

	path := e.resolve(action.FilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("restore %s: %w", action.FilePath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rollback-*")
	if err != nil {
		return fmt.Errorf("restore %s: %w", action.FilePath, err)
	}
	if _, err := tmp.WriteString(action.before.Content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("restore %s: %w", action.FilePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("restore %s: %w", action.FilePath, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("restore %s: %w", action.FilePath, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("restore %s: %w", action.FilePath, err)
	}
	return nil
}

func (e *Engine) deleteFile(action Action) error {
	if err := os.Remove(e.resolve(action.FilePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", action.FilePath, err)
	}
	return nil
}

// resolve maps a recorded path onto the engine's workspace. Snapshot paths
// were confined at record time, so a plain join is enough here.
func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workDir, path)
}

func readCurrent(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
