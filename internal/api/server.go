package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skyduel/skyduel/internal/api/websocket"
	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/registry"
	"github.com/skyduel/skyduel/pkg/repository"
)

// Deps carries the HTTP server's collaborators. Registry and Control
// are required; Audit is optional and only backs the audit listing.
type Deps struct {
	Registry *registry.Registry
	Control  *websocket.Server
	Audit    repository.AuditRepository
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// Server is the HTTP front of the supervision plane: health and
// Prometheus endpoints, a read-only REST view of the registry, and the
// websocket control surface mount.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	cfg      *config.Config
	registry *registry.Registry
	control  *websocket.Server
	audit    repository.AuditRepository
	logger   observability.Logger
}

// NewServer builds the router and wires every route.
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger, deps.Metrics))
	if origins := cfg.AllowedOrigins(); len(origins) > 0 {
		router.Use(CORSMiddleware(origins))
	}

	s := &Server{
		router:   router,
		cfg:      cfg,
		registry: deps.Registry,
		control:  deps.Control,
		audit:    deps.Audit,
		logger:   logger.WithPrefix("api"),
		server: &http.Server{
			Addr:         cfg.API.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", gin.WrapF(s.control.HandleWebSocket))

	v1 := s.router.Group("/api/v1")
	v1.Use(AuthRequired(s.cfg.WebSocket.JWTSecret))
	{
		v1.GET("/services", s.listServicesHandler)
		v1.GET("/services/:name/state", s.serviceStateHandler)
		v1.GET("/dependencies", s.dependencyGraphHandler)
		v1.GET("/audit", s.auditHandler)
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.server.Addr,
	})
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// healthHandler reports plane health: 200 while no supervised service
// is hard-failed, 503 otherwise. Profile-disabled services never count
// against health.
func (s *Server) healthHandler(c *gin.Context) {
	states := s.registry.AllStates()
	failed := s.registry.FailedServices()

	running := 0
	for _, state := range states {
		if state.Running {
			running++
		}
	}

	hard := make(map[string]string, len(failed))
	for name, reason := range failed {
		if reason == string(models.StatusDisabledByConfig) {
			continue
		}
		hard[name] = reason
	}

	body := gin.H{
		"status":   "healthy",
		"services": len(states),
		"running":  running,
		"sessions": s.control.ConnectionCount(),
	}
	if len(hard) > 0 {
		body["status"] = "degraded"
		body["failed"] = hard
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listServicesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.registry.Catalog()})
}

func (s *Server) serviceStateHandler(c *gin.Context) {
	name := c.Param("name")
	state, ok := s.registry.StateView(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service: " + name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": name, "state": state})
}

func (s *Server) dependencyGraphHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dependencies": s.registry.DependencyGraph()})
}

// auditHandler lists recent administrative actions, newest first.
func (s *Server) auditHandler(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit store not configured"})
		return
	}
	entries, err := s.audit.ListRecent(c.Request.Context(), 100)
	if err != nil {
		s.logger.Error("Failed to list audit entries", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
