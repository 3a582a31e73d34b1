// Package history records a snapshot of every filesystem mutation made by
// agent tools and can roll the workspace back to any recorded state.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// ErrChangeNotFound is returned when no snapshot exists for a change ID.
var ErrChangeNotFound = errors.New("change not found")

// Store persists one snapshot JSON per change at
// <root>/sessions/<sessionID>/snapshots/<changeID>.json. Snapshots are
// written before the mutation they describe lands on disk, so the recorded
// before state is trustworthy even when the write itself later fails.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore builds a store rooted at root.
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger}
}

// RecordChange persists a snapshot and returns its change ID. Missing IDs
// and timestamps are assigned here so callers only describe the mutation.
func (s *Store) RecordChange(_ context.Context, change models.FileChange) (string, error) {
	if change.SessionID == "" {
		return "", errors.New("record change: session id is required")
	}
	if change.FilePath == "" {
		return "", errors.New("record change: file path is required")
	}
	if change.ChangeID == "" {
		change.ChangeID = uuid.New().String()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}

	dir := filepath.Join(s.root, "sessions", change.SessionID, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(change, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := filepath.Join(dir, change.ChangeID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	s.logger.Debug("file change recorded",
		slog.String("change_id", change.ChangeID),
		slog.String("session_id", change.SessionID),
		slog.String("file_path", change.FilePath),
		slog.String("operation", string(change.Operation)))
	return change.ChangeID, nil
}

// Get loads a single snapshot by change ID.
func (s *Store) Get(changeID string) (*models.FileChange, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "sessions", "*", "snapshots", changeID+".json"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrChangeNotFound)
	}
	return readSnapshotFile(matches[0])
}

// Filter selects snapshots. Zero-valued fields do not constrain. After is
// strict: only snapshots with a later timestamp match.
type Filter struct {
	SessionID string
	FilePath  string
	AgentID   string
	After     time.Time
}

func (f Filter) matches(c *models.FileChange) bool {
	if f.FilePath != "" && filepath.Clean(c.FilePath) != filepath.Clean(f.FilePath) {
		return false
	}
	if f.AgentID != "" && c.AgentID != f.AgentID {
		return false
	}
	if !f.After.IsZero() && !c.Timestamp.After(f.After) {
		return false
	}
	return true
}

// Query returns all snapshots matching the filter, oldest first. Unreadable
// snapshot files are skipped with a warning rather than failing the query.
func (s *Store) Query(f Filter) ([]*models.FileChange, error) {
	session := f.SessionID
	if session == "" {
		session = "*"
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "sessions", session, "snapshots", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}

	changes := make([]*models.FileChange, 0, len(matches))
	for _, path := range matches {
		c, err := readSnapshotFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		if f.matches(c) {
			changes = append(changes, c)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if !changes[i].Timestamp.Equal(changes[j].Timestamp) {
			return changes[i].Timestamp.Before(changes[j].Timestamp)
		}
		return changes[i].ChangeID < changes[j].ChangeID
	})
	return changes, nil
}

func readSnapshotFile(path string) (*models.FileChange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChangeNotFound
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	var change models.FileChange
	if err := json.Unmarshal(data, &change); err != nil {
		return nil, fmt.Errorf("malformed snapshot %s: %w", filepath.Base(path), err)
	}
	return &change, nil
}
