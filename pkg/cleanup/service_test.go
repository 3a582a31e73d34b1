package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/history"
)

type fakeRunStore struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	count   int64
	err     error
}

func (f *fakeRunStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.count, f.err
}

func (f *fakeRunStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSessionStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSessionStore) DeleteInactiveBefore(_ context.Context, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, f.err
}

type fakeEventStore struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
}

func (f *fakeEventStore) CleanupEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, nil
}

func (f *fakeEventStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSnapshotStore struct {
	mu       sync.Mutex
	calls    int
	policies []history.RetentionPolicy
	stats    history.RetentionStats
	err      error
}

func (f *fakeSnapshotStore) EnforceRetention(_ context.Context, policy history.RetentionPolicy) (history.RetentionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.policies = append(f.policies, policy)
	return f.stats, f.err
}

func (f *fakeSnapshotStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		RunRetentionDays: 30,
		EventTTL:         time.Hour,
		CleanupInterval:  time.Hour,
		History: history.RetentionPolicy{
			MaxSessions: 10,
			MaxAgeDays:  7,
		},
	}
}

func TestServiceRunsAllTasksOnStart(t *testing.T) {
	runs := &fakeRunStore{count: 3}
	sessions := &fakeSessionStore{}
	events := &fakeEventStore{}
	snapshots := &fakeSnapshotStore{stats: history.RetentionStats{SessionsRemoved: 1, FilesRemoved: 4}}

	svc := NewService(testConfig(), runs, sessions, events, snapshots)
	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		sessionCalls := sessions.calls
		sessions.mu.Unlock()
		return runs.callCount() == 1 &&
			sessionCalls == 1 &&
			events.callCount() == 1 &&
			snapshots.callCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServiceCutoffs(t *testing.T) {
	runs := &fakeRunStore{}
	events := &fakeEventStore{}
	snapshots := &fakeSnapshotStore{}
	cfg := testConfig()

	svc := NewService(cfg, runs, &fakeSessionStore{}, events, snapshots)
	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return runs.callCount() == 1 && events.callCount() == 1 && snapshots.callCount() == 1
	}, time.Second, 10*time.Millisecond)

	runs.mu.Lock()
	runCutoff := runs.cutoffs[0]
	runs.mu.Unlock()
	wantRunCutoff := time.Now().UTC().AddDate(0, 0, -cfg.RunRetentionDays)
	assert.WithinDuration(t, wantRunCutoff, runCutoff, 5*time.Second)

	events.mu.Lock()
	eventCutoff := events.cutoffs[0]
	events.mu.Unlock()
	wantEventCutoff := time.Now().UTC().Add(-cfg.EventTTL)
	assert.WithinDuration(t, wantEventCutoff, eventCutoff, 5*time.Second)

	snapshots.mu.Lock()
	policy := snapshots.policies[0]
	snapshots.mu.Unlock()
	assert.Equal(t, cfg.History, policy)
}

func TestServiceErrorsDoNotStopOtherTasks(t *testing.T) {
	runs := &fakeRunStore{err: errors.New("db down")}
	sessions := &fakeSessionStore{err: errors.New("db down")}
	events := &fakeEventStore{}

	svc := NewService(testConfig(), runs, sessions, events, nil)
	svc.Start(t.Context())
	defer svc.Stop()

	// Failing run and session tasks must not prevent the event sweep.
	require.Eventually(t, func() bool {
		return events.callCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServiceNilSnapshotStore(t *testing.T) {
	runs := &fakeRunStore{}
	events := &fakeEventStore{}

	svc := NewService(testConfig(), runs, &fakeSessionStore{}, events, nil)
	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return runs.callCount() == 1 && events.callCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServiceTicker(t *testing.T) {
	runs := &fakeRunStore{}
	cfg := testConfig()
	cfg.CleanupInterval = 20 * time.Millisecond

	svc := NewService(cfg, runs, &fakeSessionStore{}, &fakeEventStore{}, nil)
	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return runs.callCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceStartStop(t *testing.T) {
	runs := &fakeRunStore{}
	svc := NewService(testConfig(), runs, &fakeSessionStore{}, &fakeEventStore{}, nil)

	svc.Start(t.Context())
	// Second Start is a no-op.
	svc.Start(t.Context())

	require.Eventually(t, func() bool {
		return runs.callCount() == 1
	}, time.Second, 10*time.Millisecond)

	svc.Stop()
	calls := runs.callCount()

	// The loop has exited; no further passes run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, runs.callCount())
}

func TestServiceStopWithoutStart(t *testing.T) {
	svc := NewService(testConfig(), &fakeRunStore{}, &fakeSessionStore{}, &fakeEventStore{}, nil)
	// Should not panic or block.
	svc.Stop()
}
