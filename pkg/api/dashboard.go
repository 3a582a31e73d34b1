package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// SetDashboardDir registers static serving for a built dashboard bundle.
// Must be called after the API routes are registered so they keep priority
// over the SPA fallback. An empty dir is a no-op.
func (s *Server) SetDashboardDir(dir string) {
	s.dashboardDir = dir
	s.setupDashboardRoutes()
}

// setupDashboardRoutes serves the dashboard bundle with an SPA fallback:
// unknown paths resolve to index.html so client-side routes survive reloads.
// API and health paths are never swallowed by the fallback.
func (s *Server) setupDashboardRoutes() {
	if s.dashboardDir == "" {
		return
	}
	index := filepath.Join(s.dashboardDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		slog.Warn("Dashboard directory has no index.html, skipping dashboard routes",
			"dir", s.dashboardDir)
		return
	}

	s.echo.GET("/*", func(c *echo.Context) error {
		p := c.Request().URL.Path
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/v1/") || p == "/health" {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}

		rel := filepath.Clean(strings.TrimPrefix(p, "/"))
		if rel != "." && rel != ".." && !strings.HasPrefix(rel, "../") {
			file := filepath.Join(s.dashboardDir, rel)
			if st, err := os.Stat(file); err == nil && !st.IsDir() {
				// Vite emits content-hashed filenames under assets/, safe to
				// cache forever. Root files keep their names across deploys.
				if strings.HasPrefix(rel, "assets"+string(filepath.Separator)) {
					c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				} else {
					c.Response().Header().Set("Cache-Control", "no-cache")
				}
				http.ServeFile(c.Response(), c.Request(), file)
				return nil
			}
		}

		c.Response().Header().Set("Cache-Control", "no-cache")
		http.ServeFile(c.Response(), c.Request(), index)
		return nil
	})
}
