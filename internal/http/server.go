// Package http is the daemon's HTTP surface: hook ingestion, the
// activity and search APIs, backup, config and metrics.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/extraction"
	"github.com/oaklabs/oakd/internal/hooks"
	"github.com/oaklabs/oakd/internal/indexer"
	"github.com/oaklabs/oakd/internal/retrieval"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"go.uber.org/zap"
)

// Status is the daemon lifecycle state exposed by /api/health.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusIndexing Status = "indexing"
	StatusError    Status = "error"
)

// StatusSource reads the daemon's current status.
type StatusSource interface {
	Status() Status
}

// Deps are the components the server fronts. MCPHandler is optional;
// when set it is mounted at /mcp.
type Deps struct {
	Config     *config.Config
	Store      *activity.Store
	Vectors    *vectorstore.Store
	Engine     *retrieval.Engine
	Injector   *hooks.Injector
	Indexer    *indexer.Indexer
	Extractor  *extraction.Extractor
	Status     StatusSource
	MCPHandler http.Handler
	Version    string
}

// Server hosts the daemon API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	metrics *Metrics
	started time.Time

	port atomic.Int32
}

// NewServer wires routes and middleware.
func NewServer(deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil || deps.Config == nil {
		return nil, fmt.Errorf("store and config are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		metrics: NewMetrics(),
		started: time.Now(),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.Middleware)

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		s.logger.Debug("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/metrics", s.metrics.Handler())

	hk := s.echo.Group("/api/oak/ci")
	hk.POST("/session-start", s.handleSessionStart)
	hk.POST("/session-end", s.handleSessionEnd)
	hk.POST("/prompt-submit", s.handlePromptSubmit)
	hk.POST("/post-tool-use", s.handlePostToolUse)
	hk.POST("/post-tool-use-failure", s.handlePostToolUseFailure)
	hk.POST("/subagent-start", s.handleSubagentStart)
	hk.POST("/subagent-stop", s.handleSubagentStop)

	api := s.echo.Group("/api")
	api.GET("/activity/sessions", s.handleListSessions)
	api.GET("/activity/sessions/:id", s.handleGetSession)
	api.DELETE("/activity/sessions/:id", s.handleDeleteSession)
	api.GET("/activity/plans", s.handleListPlans)
	api.DELETE("/activity/plans/:batch_id", s.handleDeletePlan)
	api.POST("/index", s.handleIndex)
	api.GET("/search", s.handleSearch)
	api.GET("/search/memories", s.handleSearchMemories)
	api.POST("/search/memories", s.handleCreateMemory)
	api.POST("/search/memories/bulk", s.handleBulkMemories)
	api.POST("/backup/export", s.handleBackupExport)
	api.POST("/backup/import", s.handleBackupImport)
	api.GET("/config", s.handleGetConfig)
	api.PUT("/config", s.handlePutConfig)
	api.POST("/config/test-detect", s.handleTestDetect)

	if s.deps.MCPHandler != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.deps.MCPHandler))
		s.echo.Any("/mcp/*", echo.WrapHandler(s.deps.MCPHandler))
	}
}

// Start binds the listener and serves until Shutdown. With Port 0 a
// free port is chosen; Port() reports the bound one.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.deps.Config.Daemon.Host, strconv.Itoa(s.deps.Config.Daemon.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.port.Store(int32(ln.Addr().(*net.TCPAddr).Port))
	s.echo.Listener = ln

	s.logger.Info("http server listening", zap.Int("port", s.Port()))
	if err := s.echo.Start(""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int { return int(s.port.Load()) }

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func apiError(c echo.Context, status int, code, message string) error {
	var b errorBody
	b.Error.Code = code
	b.Error.Message = message
	return c.JSON(status, b)
}

func (s *Server) handleHealth(c echo.Context) error {
	status := StatusReady
	if s.deps.Status != nil {
		status = s.deps.Status.Status()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":          status,
		"version":         s.deps.Version,
		"uptime_s":        int(time.Since(s.started).Seconds()),
		"indexing_status": status == StatusIndexing,
	})
}
