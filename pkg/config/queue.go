package config

import "time"

// QueueConfig contains queue and worker pool configuration. These values
// control how pending runs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica. Each
	// worker independently polls and claims pending runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the per-replica limit of runs being processed
	// at once.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PollInterval is the base interval for checking pending runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval, so
	// replicas do not poll in lockstep.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RunTimeout is the maximum wall-clock time one run may execute.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// GracefulShutdownTimeout is the maximum wait for active runs to
	// finish during shutdown. Should match RunTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             3,
		MaxConcurrentRuns:       3,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RunTimeout:              30 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Minute,
	}
}
