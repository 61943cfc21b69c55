// Package orchestrator assembles the control plane: HTTP surface, agent and
// dashboard WebSocket endpoints, and the wiring between store, router, and
// event bus.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/config"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/orchestrator/activity"
	"github.com/bastion-dev/bastion/internal/orchestrator/dashboard"
	"github.com/bastion-dev/bastion/internal/orchestrator/metrics"
	"github.com/bastion-dev/bastion/internal/orchestrator/registry"
	"github.com/bastion-dev/bastion/internal/orchestrator/router"
	"github.com/bastion-dev/bastion/internal/orchestrator/session"
	"github.com/bastion-dev/bastion/internal/orchestrator/signer"
	"github.com/bastion-dev/bastion/internal/orchestrator/tokens"
	"github.com/bastion-dev/bastion/internal/store"
)

// Server is the orchestrator process.
type Server struct {
	cfg      *config.Config
	store    store.Store
	bus      bus.EventBus
	registry *registry.Registry
	hub      *dashboard.Hub
	signer   *signer.Signer
	tokens   *tokens.Service
	audit    *activity.Log
	router   *router.Router
	metrics  *metrics.Metrics
	logger   *logger.Logger

	http     *http.Server
	upgrader websocket.Upgrader
}

// New wires the orchestrator components together.
func New(cfg *config.Config, st store.Store, eventBus bus.EventBus, log *logger.Logger) (*Server, error) {
	sig, err := signer.Load(cfg.Orchestrator.IdentityDir)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	reg := registry.New(log)
	hub := dashboard.NewHub(log)
	tok := tokens.New(st, cfg.Orchestrator.TokenTTLDuration(), log)
	audit := activity.New(st, hub, eventBus, cfg.Orchestrator.ActivityRetain, log)
	rt := router.New(st, reg, hub, sig, tok, audit, eventBus, m, router.Limits{
		MaxNodesPerOwner: cfg.Orchestrator.MaxNodesPerOwner,
		MaxAppsPerOwner:  cfg.Orchestrator.MaxAppsPerOwner,
	}, log)

	s := &Server{
		cfg:      cfg,
		store:    st,
		bus:      eventBus,
		registry: reg,
		hub:      hub,
		signer:   sig,
		tokens:   tok,
		audit:    audit,
		router:   rt,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents and dashboards connect cross-origin by design; intent
			// authorization happens per request, not per origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	hub.SetInitialStateProvider(s.initialState)

	engine := s.buildEngine()
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s, nil
}

// Start begins serving and launches the background janitors. Blocks until
// the HTTP listener fails or Shutdown is called.
func (s *Server) Start() error {
	if err := s.router.Start(); err != nil {
		return err
	}
	if err := s.tokens.StartSweeper(); err != nil {
		return err
	}
	if err := s.audit.StartTrimmer(); err != nil {
		return err
	}
	s.logger.Info("Orchestrator listening",
		zap.String("addr", s.http.Addr),
		zap.String("server_id", s.signer.ServerID()))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and janitors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.tokens.Stop()
	s.audit.Stop()
	return s.http.Shutdown(ctx)
}

// Router exposes the command core, mainly for tests.
func (s *Server) Router() *router.Router { return s.router }

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	engine.GET("/api/connect", s.handleAgentConnect)
	engine.GET("/api/dashboard/ws", s.handleDashboardConnect)
	engine.POST("/api/webhooks/deploy", s.handleDeployWebhook)

	v1 := engine.Group("/api/v1", s.requireOwner)
	{
		v1.POST("/tokens", s.handleMintToken)
		v1.GET("/nodes", s.handleListNodes)
		v1.GET("/apps", s.handleListApps)
		v1.GET("/proxies", s.handleListProxies)
		v1.GET("/activity", s.handleListActivity)

		v1.POST("/apps", s.handleCreateApp)
		v1.POST("/apps/:id/deploy", s.handleDeploy)
		v1.POST("/apps/:id/actions", s.handleAppAction)

		v1.POST("/nodes/:id/proxies", s.handleProvisionDomain)
		v1.DELETE("/proxies/:domain", s.handleDeleteProxy)
		v1.POST("/nodes/:id/services", s.handleServiceAction)
		v1.POST("/nodes/:id/runtimes", s.handleRuntimeCommand)
		v1.POST("/nodes/:id/databases", s.handleDatabaseCommand)
		v1.GET("/nodes/:id/status", s.handleServerStatus)
		v1.GET("/nodes/:id/infra-logs", s.handleInfraLogs)
		v1.GET("/nodes/:id/service-logs", s.handleServiceLogs)
		v1.POST("/nodes/:id/update", s.handleUpdateAgent)
		v1.POST("/nodes/:id/shutdown", s.handleShutdownAgent)
		v1.POST("/nodes/:id/regenerate-identity", s.handleRegenerateIdentity)

		v1.POST("/rotate-key", s.handleRotateKey)
	}
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// requireOwner resolves the acting owner. Upstream authentication (sessions,
// API keys) terminates before the orchestrator; it forwards the owner in a
// header.
func (s *Server) requireOwner(c *gin.Context) {
	ownerID := c.GetHeader("X-Owner-ID")
	if ownerID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Owner-ID"})
		return
	}
	c.Set("owner_id", ownerID)
	c.Next()
}

func ownerID(c *gin.Context) string {
	return c.GetString("owner_id")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"agent_sessions": s.registry.Count(),
		"dashboards":     s.hub.ClientCount(),
		"bus_connected":  s.bus.IsConnected(),
	})
}

// handleAgentConnect upgrades an agent connection and runs its session to
// completion. The handshake happens inside the session.
func (s *Server) handleAgentConnect(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Agent upgrade failed", zap.Error(err))
		return
	}
	sess := session.New(uuid.New().String(), session.Options{
		Conn:             conn,
		Registry:         s.registry,
		Directory:        s.router,
		Handler:          s.router,
		ServerID:         s.signer.ServerID(),
		Identity:         s.signer.Identity(),
		HandshakeTimeout: s.cfg.Orchestrator.HandshakeTimeoutDuration(),
		Logger:           s.logger,
	})
	sess.Run(c.Request.Context())
}

// handleDashboardConnect upgrades a dashboard connection scoped to an owner.
func (s *Server) handleDashboardConnect(c *gin.Context) {
	owner := c.GetHeader("X-Owner-ID")
	if owner == "" {
		owner = c.Query("owner_id")
	}
	if owner == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing owner identity"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Dashboard upgrade failed", zap.Error(err))
		return
	}
	client := dashboard.NewClient(uuid.New().String(), owner, conn, s.hub, s.logger)
	s.metrics.DashboardClients.Inc()
	defer s.metrics.DashboardClients.Dec()
	client.Run(c.Request.Context())
}

// initialState snapshots everything a dashboard needs at subscribe time.
func (s *Server) initialState(ctx context.Context, owner string) (any, error) {
	nodes, err := s.store.ListNodesByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	apps, err := s.store.ListAppsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	proxies, err := s.store.ListProxiesByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	recent, err := s.audit.Recent(ctx, owner, 100)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"nodes":    nodes,
		"apps":     apps,
		"proxies":  proxies,
		"activity": recent,
	}, nil
}
