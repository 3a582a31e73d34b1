// Package api exposes the HTTP and WebSocket surface of the agent runtime:
// run submission and control, session history, live event streams, and the
// operational health and system info endpoints.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/database"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/queue"
	"github.com/codeready-toolchain/casey/pkg/run"
	"github.com/codeready-toolchain/casey/pkg/services"
	"github.com/codeready-toolchain/casey/pkg/session"
)

// RunStore is the durable run persistence the handlers need.
// *services.RunService satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error)
	FinalizeRun(ctx context.Context, run *models.Run) error
}

// SessionStore is the durable session persistence the handlers need.
// *services.SessionService satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	EnsureSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, limit, offset int) (*models.SessionListResponse, error)
}

// EventLog reads the durable event history for a session.
// *services.EventService satisfies it.
type EventLog interface {
	ListSessionEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]*models.PersistedEvent, error)
}

// Server is the HTTP/WebSocket front of one replica.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg      *config.Config
	podID    string
	dbClient *database.Client

	runs     RunStore
	sessions SessionStore
	eventLog EventLog

	runMgr      *run.Manager
	sessionMgr  *session.Manager
	workerPool  *queue.WorkerPool
	connManager *events.ConnectionManager

	warningService *services.SystemWarningsService

	dashboardDir string
}

// NewServer wires the server and registers all routes. Optional
// collaborators (run manager, session manager, warnings, dashboard) are
// attached through setters before Start.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	runs RunStore,
	sessions SessionStore,
	eventLog EventLog,
	workerPool *queue.WorkerPool,
	connManager *events.ConnectionManager,
) *Server {
	s := &Server{
		echo:        echo.New(),
		cfg:         cfg,
		dbClient:    dbClient,
		runs:        runs,
		sessions:    sessions,
		eventLog:    eventLog,
		workerPool:  workerPool,
		connManager: connManager,
	}
	s.setupRoutes()
	return s
}

// SetRunManager attaches the run manager used for stop and correction routing.
func (s *Server) SetRunManager(m *run.Manager) { s.runMgr = m }

// SetSessionManager attaches the in-memory conversation assembler.
func (s *Server) SetSessionManager(m *session.Manager) { s.sessionMgr = m }

// SetWarningsService attaches the system warnings service.
func (s *Server) SetWarningsService(w *services.SystemWarningsService) { s.warningService = w }

// SetPodID records this replica's identifier for the system info endpoint.
func (s *Server) SetPodID(podID string) { s.podID = podID }

func (s *Server) setupRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	// Unauthenticated probes.
	e.GET("/health", s.healthHandler)

	auth := bearerAuth(s.serverConfig())

	system := e.Group("/api/v1/system")
	system.Use(auth)
	system.GET("/info", s.systemInfoHandler)

	agents := e.Group("/v1/plugins/agents")
	agents.Use(auth)
	agents.POST("/run", s.submitRunHandler)
	agents.GET("/runs", s.listRunsHandler)
	agents.GET("/run/:runId", s.getRunHandler)
	agents.POST("/run/:runId/correct", s.correctRunHandler)
	agents.POST("/run/:runId/stop", s.stopRunHandler)
	agents.POST("/sessions", s.createSessionHandler)
	agents.GET("/sessions", s.listSessionsHandler)
	agents.GET("/sessions/:id", s.getSessionHandler)
	agents.GET("/sessions/:id/events", s.sessionEventsHandler)

	ws := e.Group("/v1/ws/plugins/agents")
	ws.Use(auth)
	ws.GET("/events/:runId", s.runEventsWSHandler)
	ws.GET("/session/:sessionId", s.sessionWSHandler)
}

func (s *Server) serverConfig() *config.ServerConfig {
	if s.cfg == nil {
		return nil
	}
	return s.cfg.Server
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
