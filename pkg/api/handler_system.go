package api

import (
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/casey/pkg/services"
	"github.com/codeready-toolchain/casey/pkg/version"
)

// systemInfoHandler handles GET /api/v1/system/info.
func (s *Server) systemInfoHandler(c *echo.Context) error {
	info := SystemInfoResponse{
		Service:  version.AppName,
		Version:  version.GitCommit,
		PodID:    s.podID,
		Warnings: []*services.SystemWarning{},
	}

	if s.cfg != nil && s.cfg.AgentRegistry != nil {
		stats := s.cfg.Stats()
		info.Configuration = ConfigurationStats{
			Agents:        stats.Agents,
			PluginServers: stats.MCPServers,
			LLMProviders:  stats.LLMProviders,
		}
	}
	if s.workerPool != nil {
		info.WorkerPool = s.workerPool.Health()
	}
	if s.connManager != nil {
		info.WSConnections = s.connManager.ActiveConnections()
	}
	if s.warningService != nil {
		info.Warnings = s.warningService.GetWarnings()
		// Sort for deterministic output.
		sort.Slice(info.Warnings, func(i, j int) bool {
			return info.Warnings[i].CreatedAt.Before(info.Warnings[j].CreatedAt)
		})
	}

	return c.JSON(http.StatusOK, info)
}
