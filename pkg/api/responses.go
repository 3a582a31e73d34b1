package api

import (
	"time"

	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/queue"
	"github.com/codeready-toolchain/casey/pkg/services"
)

// RunSubmittedResponse is returned by POST /v1/plugins/agents/run.
type RunSubmittedResponse struct {
	RunID     string           `json:"runId"`
	SessionID string           `json:"sessionId"`
	EventsURL string           `json:"eventsUrl"`
	Status    models.RunStatus `json:"status"`
	StartedAt time.Time        `json:"startedAt"`
}

// CorrectionResponse is returned by POST .../run/:runId/correct and echoed
// as the correction:ack WebSocket message payload.
type CorrectionResponse struct {
	CorrectionID string   `json:"correctionId"`
	RoutedTo     []string `json:"routedTo"`
	Reason       string   `json:"reason,omitempty"`
	Applied      bool     `json:"applied"`
}

// StopResponse is returned by POST .../run/:runId/stop.
type StopResponse struct {
	Stopped     bool             `json:"stopped"`
	RunID       string           `json:"runId"`
	FinalStatus models.RunStatus `json:"finalStatus"`
}

// HealthCheck is one component entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// ConfigurationStats contains counts of loaded configuration items.
type ConfigurationStats struct {
	Agents        int `json:"agents"`
	PluginServers int `json:"plugin_servers"`
	LLMProviders  int `json:"llm_providers"`
}

// SystemInfoResponse is returned by GET /api/v1/system/info.
type SystemInfoResponse struct {
	Service       string                    `json:"service"`
	Version       string                    `json:"version"`
	PodID         string                    `json:"pod_id,omitempty"`
	Configuration ConfigurationStats        `json:"configuration"`
	WorkerPool    *queue.PoolHealth         `json:"worker_pool,omitempty"`
	WSConnections int                       `json:"ws_connections"`
	Warnings      []*services.SystemWarning `json:"warnings"`
}
