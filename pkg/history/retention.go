package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RetentionPolicy bounds on-disk snapshot history. Zero values disable the
// corresponding bound.
type RetentionPolicy struct {
	// MaxSessions is how many sessions may keep snapshots.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
	// MaxAgeDays removes sessions whose newest snapshot is older.
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`
	// MaxTotalSizeMB caps the combined size of all snapshot files.
	MaxTotalSizeMB int `yaml:"max_total_size_mb" json:"max_total_size_mb"`
}

// DefaultRetentionPolicy returns the built-in snapshot retention bounds.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxSessions:    50,
		MaxAgeDays:     30,
		MaxTotalSizeMB: 512,
	}
}

// RetentionStats reports what one enforcement pass removed.
type RetentionStats struct {
	SessionsRemoved int
	FilesRemoved    int
	BytesFreed      int64
}

// sessionUsage is one session's snapshot footprint.
type sessionUsage struct {
	sessionID string
	dir       string
	files     int
	bytes     int64
	newest    time.Time
}

// EnforceRetention removes whole per-session snapshot directories until the
// policy holds, oldest sessions first. Traces and other session files are
// left alone.
func (s *Store) EnforceRetention(ctx context.Context, policy RetentionPolicy) (RetentionStats, error) {
	var stats RetentionStats
	sessions, err := s.snapshotUsage()
	if err != nil {
		return stats, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].newest.After(sessions[j].newest) })

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = time.Now().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
	}

	var drop, keep []sessionUsage
	for i, sess := range sessions {
		switch {
		case policy.MaxSessions > 0 && i >= policy.MaxSessions:
			drop = append(drop, sess)
		case !cutoff.IsZero() && sess.newest.Before(cutoff):
			drop = append(drop, sess)
		default:
			keep = append(keep, sess)
		}
	}
	if limit := int64(policy.MaxTotalSizeMB) << 20; limit > 0 {
		var total int64
		for _, sess := range keep {
			total += sess.bytes
		}
		// keep is newest first, so evict from the back
		for i := len(keep) - 1; i >= 0 && total > limit; i-- {
			total -= keep[i].bytes
			drop = append(drop, keep[i])
		}
	}

	for _, sess := range drop {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := os.RemoveAll(sess.dir); err != nil {
			return stats, fmt.Errorf("remove snapshots for session %s: %w", sess.sessionID, err)
		}
		stats.SessionsRemoved++
		stats.FilesRemoved += sess.files
		stats.BytesFreed += sess.bytes
	}
	if stats.SessionsRemoved > 0 {
		s.logger.Info("snapshot retention enforced",
			slog.Int("sessions_removed", stats.SessionsRemoved),
			slog.Int("files_removed", stats.FilesRemoved),
			slog.Int64("bytes_freed", stats.BytesFreed))
	}
	return stats, nil
}

func (s *Store) snapshotUsage() ([]sessionUsage, error) {
	dirs, err := filepath.Glob(filepath.Join(s.root, "sessions", "*", "snapshots"))
	if err != nil {
		return nil, fmt.Errorf("scan snapshot directories: %w", err)
	}
	usage := make([]sessionUsage, 0, len(dirs))
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot directory",
				slog.String("path", dir), slog.Any("error", err))
			continue
		}
		u := sessionUsage{sessionID: filepath.Base(filepath.Dir(dir)), dir: dir}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			u.files++
			u.bytes += info.Size()
			if info.ModTime().After(u.newest) {
				u.newest = info.ModTime()
			}
		}
		usage = append(usage, u)
	}
	return usage, nil
}
