package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"elector/pkg/api/middleware"
	"elector/pkg/auth"
	"elector/pkg/coordination"
	"elector/pkg/election"
	"elector/pkg/storage"
)

// Server is the admin HTTP API of one elector process.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	nodeID    string
	registry  *election.Registry
	svc       coordination.Service
	events    storage.EventStore
	locations storage.LocationStore
	apiKeys   auth.APIKeyStore
	tasks     map[string][]TaskRunner
}

// TaskRunner runs the leader-only tasks of one role on demand.
// *scheduler.Scheduler satisfies it.
type TaskRunner interface {
	Role() string
	RunTask(ctx context.Context, name string) error
}

// Config holds API server configuration.
type Config struct {
	Port        string
	NodeID      string
	ServiceName string
	Logger      *zap.Logger

	Registry  *election.Registry
	Service   coordination.Service
	Events    storage.EventStore    // optional
	Locations storage.LocationStore // optional
	Tasks     []TaskRunner          // optional

	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimiterConfig
}

// NewServer creates the router and registers every route.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "elector"
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.NewRateLimiter(cfg.RateLimit).Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{
		router:    router,
		log:       log,
		nodeID:    cfg.NodeID,
		registry:  cfg.Registry,
		svc:       cfg.Service,
		events:    cfg.Events,
		locations: cfg.Locations,
		apiKeys:   cfg.Auth.APIKeyStore,
		tasks:     make(map[string][]TaskRunner),
	}
	for _, r := range cfg.Tasks {
		s.tasks[r.Role()] = append(s.tasks[r.Role()], r)
	}
	s.registerRoutes(cfg.Auth)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening and blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(authCfg middleware.AuthConfig) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1", middleware.AuthMiddleware(authCfg))
	{
		v1.GET("/elections", s.listElections)

		elections := v1.Group("/elections/:role", middleware.RequireScope("role"))
		{
			elections.GET("", s.getElection)
			elections.GET("/leader", s.getLeader)
			elections.GET("/candidates", s.listCandidates)
			elections.GET("/location", s.getLocation)
			elections.GET("/events", s.listEvents)
			elections.POST("/start", middleware.RequireRole(auth.RoleOperator), s.startElection)
			elections.POST("/stop", middleware.RequireRole(auth.RoleOperator), s.stopElection)
			elections.POST("/tasks/:task/run", middleware.RequireRole(auth.RoleOperator), s.runTask)
		}

		keys := v1.Group("/apikeys", middleware.RequireRole(auth.RoleAdmin))
		{
			keys.GET("", s.listAPIKeys)
			keys.POST("", s.createAPIKey)
			keys.DELETE("/:id", s.revokeAPIKey)
		}
	}
}

// healthProbePath is read, never written, to check the coordination service.
const healthProbePath = "/elector/health-probe"

// healthCheck reports whether the coordination service answers.
func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"coordination": s.probeCoordination(c.Request.Context()),
	}
	if s.events != nil {
		deps["journal"] = true
	}
	if s.locations != nil {
		deps["location"] = true
	}

	status, httpStatus := "healthy", http.StatusOK
	if !deps["coordination"] {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	leading := 0
	coordinators := s.registry.Coordinators()
	for _, co := range coordinators {
		if co.IsLeader() {
			leading++
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"node_id":      s.nodeID,
		"elections":    len(coordinators),
		"leading":      leading,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) probeCoordination(ctx context.Context) bool {
	if s.svc == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.svc.Leader(ctx, healthProbePath)
	return err == nil || errors.Is(err, coordination.ErrNoLeader)
}
