// Package server exposes the node over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"avs/internal/devops"
	"avs/internal/devops/health"
	"avs/internal/logging"
	"avs/internal/task"
	"avs/internal/trigger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// TaskDispatcher runs a manual task request.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req trigger.Request) (task.Summary, error)
	Stats() trigger.Stats
}

// SidecarLister reports supervised sidecars and probes their liveness.
type SidecarLister interface {
	Statuses() []devops.ContainerStatus
	Probe(ctx context.Context) []health.Result
}

// Config configures the HTTP server.
type Config struct {
	Addr         string
	CORSOrigins  []string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the components the routes call into.
type Deps struct {
	Tasks    TaskDispatcher
	Sidecars SidecarLister
	Metrics  http.Handler
	Version  string
	Logger   logging.Logger
}

// Server serves the node HTTP API.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	deps       Deps
	logger     logging.Logger
	startTime  time.Time
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("server")
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.CORSOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
		engine.Use(cors.New(corsConfig))
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Manual tasks wait for the checker and ledger receipts.
		cfg.WriteTimeout = 10 * time.Minute
	}

	s := &Server{
		engine:    engine,
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := s.engine.Group("/v1")
	api.Use(JSONMiddleware())
	{
		api.GET("/sidecars", s.handleSidecars)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/stats", s.handleTaskStats)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("HTTP server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}
