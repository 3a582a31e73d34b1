package middleware

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/models"
)

func TestAnalyticsRecordsBaseline(t *testing.T) {
	ResetBaselines()
	dir := t.TempDir()
	a := NewAnalytics(AnalyticsConfig{BaseDir: dir}, nil)

	run := newTestRun()
	run.Iteration = 10
	run.TokensUsed.Total = 4000
	require.NoError(t, a.OnStop(context.Background(), run, models.StopReportComplete))

	run2 := newTestRun()
	run2.Iteration = 20
	run2.TokensUsed.Total = 8000
	require.NoError(t, a.OnStop(context.Background(), run2, models.StopMaxIterations))

	b, ok := BaselineFor(BaselineKey(dir, "agent-1"))
	require.True(t, ok)
	assert.Equal(t, 2, b.Runs)
	assert.InDelta(t, 15.0, b.AvgIterations, 0.001)
	assert.InDelta(t, 6000.0, b.AvgTokens, 0.001)
	assert.InDelta(t, 0.5, b.SuccessRate, 0.001)
}

func TestAnalyticsPersistsAndReloads(t *testing.T) {
	ResetBaselines()
	dir := t.TempDir()
	a := NewAnalytics(AnalyticsConfig{BaseDir: dir}, nil)

	run := newTestRun()
	run.Iteration = 5
	run.TokensUsed.Total = 1000
	require.NoError(t, a.OnStop(context.Background(), run, models.StopReportComplete))

	path := filepath.Join(dir, "analytics.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored map[string]KPIBaseline
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Contains(t, stored, BaselineKey(dir, "agent-1"))

	// A fresh process (reset map) seeds from the file on the next stop.
	ResetBaselines()
	run2 := newTestRun()
	run2.Iteration = 7
	run2.TokensUsed.Total = 3000
	require.NoError(t, a.OnStop(context.Background(), run2, models.StopReportComplete))

	b, ok := BaselineFor(BaselineKey(dir, "agent-1"))
	require.True(t, ok)
	assert.Equal(t, 2, b.Runs)
	assert.InDelta(t, 6.0, b.AvgIterations, 0.001)
}

func TestAnalyticsSeparateKeysPerAgent(t *testing.T) {
	ResetBaselines()
	dir := t.TempDir()
	a := NewAnalytics(AnalyticsConfig{BaseDir: dir}, nil)

	run := newTestRun()
	require.NoError(t, a.OnStop(context.Background(), run, models.StopReportComplete))

	other := newTestRun()
	other.AgentID = "agent-2"
	require.NoError(t, a.OnStop(context.Background(), other, models.StopReportComplete))

	_, ok := BaselineFor(BaselineKey(dir, "agent-1"))
	assert.True(t, ok)
	_, ok = BaselineFor(BaselineKey(dir, "agent-2"))
	assert.True(t, ok)
}

func TestAnalyticsSkipsWithoutBaseDir(t *testing.T) {
	ResetBaselines()
	a := NewAnalytics(AnalyticsConfig{}, nil)
	run := newTestRun()
	run.WorkDir = ""

	require.NoError(t, a.OnStop(context.Background(), run, models.StopReportComplete))
	_, ok := BaselineFor(BaselineKey("", "agent-1"))
	assert.False(t, ok)
}
