package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// wireKeys marshals a payload and returns the JSON object keys. The dashboard
// and the session assembler both key off these names, so renames break
// consumers even when the Go side still compiles.
func wireKeys(t *testing.T, payload any) map[string]any {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestAgentEndPayloadWire(t *testing.T) {
	m := wireKeys(t, AgentEndPayload{
		Type:       EventAgentEnd,
		AgentID:    "worker-1",
		Outcome:    "completed",
		Iterations: 4,
		TokensUsed: models.TokenUsage{Prompt: 100, Completion: 40},
		DurationMS: 1500,
	})
	assert.Equal(t, EventAgentEnd, m["type"])
	assert.Equal(t, "worker-1", m["agentId"])
	assert.Contains(t, m, "tokensUsed")
	assert.Equal(t, float64(1500), m["durationMs"])
	assert.NotContains(t, m, "stopCode")
}

func TestSubtaskStartPayloadWire(t *testing.T) {
	m := wireKeys(t, SubtaskStartPayload{
		Type:        EventSubtaskStart,
		SubTaskID:   "st-1",
		AgentID:     "worker-1",
		Description: "inspect pod logs",
		Tier:        "medium",
		Attempt:     2,
	})
	assert.Equal(t, "st-1", m["subtaskId"])
	assert.Equal(t, "worker-1", m["agentId"])
	assert.Equal(t, "medium", m["tier"])
	assert.Equal(t, float64(2), m["attempt"])
}

func TestToolEndPayloadWire(t *testing.T) {
	m := wireKeys(t, ToolEndPayload{
		Type:         EventToolEnd,
		Tool:         "kubectl_get",
		InvocationID: "inv-9",
		Status:       "success",
		DurationMS:   320,
	})
	assert.Equal(t, "inv-9", m["invocationId"])
	assert.Equal(t, float64(320), m["durationMs"])
	assert.NotContains(t, m, "outputPreview")
	assert.NotContains(t, m, "fromCache")
}

func TestStatusChangePayloadWire(t *testing.T) {
	// The WebSocket layer probes broadcast payloads for terminal status
	// changes, so type, runId and status are load-bearing on the wire.
	m := wireKeys(t, StatusChangePayload{
		Type:   EventStatusChange,
		RunID:  "r1",
		Status: string(models.RunStatusCompleted),
	})
	assert.Equal(t, EventStatusChange, m["type"])
	assert.Equal(t, "r1", m["runId"])
	assert.Equal(t, "completed", m["status"])
}

func TestVerificationCompletePayloadWire(t *testing.T) {
	m := wireKeys(t, VerificationCompletePayload{
		Type:     EventVerificationComplete,
		TraceRef: "traces/r1.ndjson",
		Valid:    false,
		Level:    2,
		Errors:   []string{"claim 3 has no supporting tool output"},
	})
	assert.Equal(t, "traces/r1.ndjson", m["traceRef"])
	assert.Equal(t, false, m["valid"])
	assert.Equal(t, float64(2), m["level"])
}

func TestOrchestratorEndPayloadWire(t *testing.T) {
	m := wireKeys(t, OrchestratorEndPayload{
		Type:           EventOrchestratorEnd,
		Success:        true,
		CompletedCount: 3,
		DurationMS:     9000,
	})
	assert.Equal(t, float64(3), m["completedCount"])
	assert.Equal(t, float64(0), m["failedCount"])
	assert.NotContains(t, m, "aborted")
}
