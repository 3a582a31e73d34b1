package config

import (
	"time"

	"github.com/codeready-toolchain/casey/pkg/history"
)

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// RunRetentionDays is how many days terminal runs (and their event
	// rows) are kept before deletion.
	RunRetentionDays int `yaml:"run_retention_days"`

	// EventTTL is the maximum age of orphaned event rows before deletion.
	// Per-run cleanup handles the normal case; this is a safety net.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// History bounds the on-disk file-change snapshot store.
	History history.RetentionPolicy `yaml:"history"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays: 90,
		EventTTL:         1 * time.Hour,
		CleanupInterval:  12 * time.Hour,
		History:          history.DefaultRetentionPolicy(),
	}
}
