package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

func (s *Server) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// POST /api/v1/tokens
func (s *Server) handleMintToken(c *gin.Context) {
	token, err := s.tokens.Mint(c.Request.Context(), ownerID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      token.Value,
		"expires_at": token.ExpiresAt,
	})
}

// GET /api/v1/nodes
func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.store.ListNodesByOwner(c.Request.Context(), ownerID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// GET /api/v1/apps
func (s *Server) handleListApps(c *gin.Context) {
	apps, err := s.store.ListAppsByOwner(c.Request.Context(), ownerID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

// GET /api/v1/proxies
func (s *Server) handleListProxies(c *gin.Context) {
	proxies, err := s.store.ListProxiesByOwner(c.Request.Context(), ownerID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": proxies})
}

// GET /api/v1/activity
func (s *Server) handleListActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	recent, err := s.audit.Recent(c.Request.Context(), ownerID(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": recent})
}

type createAppRequest struct {
	NodeID   string            `json:"node_id" binding:"required"`
	Name     string            `json:"name" binding:"required"`
	RepoURL  string            `json:"repo_url" binding:"required"`
	Branch   string            `json:"branch"`
	MainPort int               `json:"main_port"`
	Env      map[string]string `json:"env"`
}

// POST /api/v1/apps
func (s *Server) handleCreateApp(c *gin.Context) {
	var req createAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	env := "{}"
	if len(req.Env) > 0 {
		data, err := json.Marshal(req.Env)
		if err != nil {
			s.respondError(c, apperrors.BadRequest("invalid env"))
			return
		}
		env = string(data)
	}
	app := &store.App{
		OwnerID:  ownerID(c),
		NodeID:   req.NodeID,
		Name:     req.Name,
		RepoURL:  req.RepoURL,
		Branch:   req.Branch,
		MainPort: req.MainPort,
		Env:      env,
	}
	if err := s.router.CreateApp(c.Request.Context(), app); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"app": app})
}

// POST /api/v1/apps/:id/deploy
func (s *Server) handleDeploy(c *gin.Context) {
	var req struct {
		CommitHash string `json:"commit_hash"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.router.Deploy(c.Request.Context(), ownerID(c), c.Param("id"), req.CommitHash); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/apps/:id/actions
func (s *Server) handleAppAction(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.router.AppAction(c.Request.Context(), ownerID(c), c.Param("id"), req.Action); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/nodes/:id/proxies
func (s *Server) handleProvisionDomain(c *gin.Context) {
	var req struct {
		Domain string `json:"domain" binding:"required"`
		Port   int    `json:"port" binding:"required"`
		SSL    bool   `json:"ssl"`
		AppID  string `json:"app_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	err := s.router.ProvisionDomain(c.Request.Context(), ownerID(c), c.Param("id"),
		req.Domain, req.Port, req.SSL, req.AppID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// DELETE /api/v1/proxies/:domain
func (s *Server) handleDeleteProxy(c *gin.Context) {
	if err := s.router.DeleteProxy(c.Request.Context(), ownerID(c), c.Param("domain")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/nodes/:id/services
func (s *Server) handleServiceAction(c *gin.Context) {
	var req struct {
		Service string `json:"service" binding:"required"`
		Action  string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.router.ServiceAction(c.Request.Context(), ownerID(c), c.Param("id"), req.Service, req.Action); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/nodes/:id/runtimes
func (s *Server) handleRuntimeCommand(c *gin.Context) {
	var req struct {
		Action  string `json:"action" binding:"required"` // install, update, remove
		Runtime string `json:"runtime" binding:"required"`
		Version string `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	frameType := map[string]string{
		"install": protocol.TypeInstallRuntime,
		"update":  protocol.TypeUpdateRuntime,
		"remove":  protocol.TypeRemoveRuntime,
	}[req.Action]
	if frameType == "" {
		s.respondError(c, apperrors.ValidationError("action", "must be install, update, or remove"))
		return
	}
	if err := s.router.RuntimeCommand(c.Request.Context(), ownerID(c), c.Param("id"), frameType, req.Runtime, req.Version); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/nodes/:id/databases
func (s *Server) handleDatabaseCommand(c *gin.Context) {
	var req struct {
		Action     string `json:"action" binding:"required"` // configure, reconfigure, remove
		Engine     string `json:"engine" binding:"required"`
		Name       string `json:"name" binding:"required"`
		Username   string `json:"username"`
		RemoveData bool   `json:"remove_data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	frameType := map[string]string{
		"configure":   protocol.TypeConfigureDatabase,
		"reconfigure": protocol.TypeReconfigureDatabase,
		"remove":      protocol.TypeRemoveDatabase,
	}[req.Action]
	if frameType == "" {
		s.respondError(c, apperrors.ValidationError("action", "must be configure, reconfigure, or remove"))
		return
	}
	result, err := s.router.DatabaseCommand(c.Request.Context(), ownerID(c), c.Param("id"), frameType,
		protocol.DatabasePayload{
			Engine:     req.Engine,
			Name:       req.Name,
			Username:   req.Username,
			RemoveData: req.RemoveData,
		})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
		return
	}
	// The full connection string is returned only here, to the requester.
	c.JSON(http.StatusOK, gin.H{
		"engine":            result.Engine,
		"name":              result.Name,
		"connection_string": result.ConnectionString,
		"full_connection":   result.FullConnection,
	})
}

// GET /api/v1/nodes/:id/status
func (s *Server) handleServerStatus(c *gin.Context) {
	if err := s.router.RequestServerStatus(c.Request.Context(), ownerID(c), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

// GET /api/v1/nodes/:id/infra-logs
func (s *Server) handleInfraLogs(c *gin.Context) {
	clear := c.Query("clear") == "true"
	if err := s.router.RequestInfraLogs(c.Request.Context(), ownerID(c), c.Param("id"), clear); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

// GET /api/v1/nodes/:id/service-logs
func (s *Server) handleServiceLogs(c *gin.Context) {
	service := c.Query("service")
	if service == "" {
		s.respondError(c, apperrors.ValidationError("service", "is required"))
		return
	}
	lines, _ := strconv.Atoi(c.DefaultQuery("lines", "200"))
	if err := s.router.RequestServiceLogs(c.Request.Context(), ownerID(c), c.Param("id"), service, lines); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

// POST /api/v1/nodes/:id/update
func (s *Server) handleUpdateAgent(c *gin.Context) {
	var req struct {
		BundleURL string `json:"bundle_url" binding:"required"`
		Version   string `json:"version" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.router.UpdateAgent(c.Request.Context(), ownerID(c), c.Param("id"), req.BundleURL, req.Version); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/nodes/:id/shutdown
func (s *Server) handleShutdownAgent(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.router.ShutdownAgent(c.Request.Context(), ownerID(c), c.Param("id"), req.Mode); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/nodes/:id/regenerate-identity
func (s *Server) handleRegenerateIdentity(c *gin.Context) {
	if err := s.router.RegenerateIdentity(c.Request.Context(), ownerID(c), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
}

// POST /api/v1/rotate-key
func (s *Server) handleRotateKey(c *gin.Context) {
	if err := s.router.RotateControlPlaneKey(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": s.signer.ServerID()})
}

// POST /api/webhooks/deploy
//
// The receiver only validates and publishes; the router owns resolution and
// dispatch, so a burst of pushes never blocks the webhook response.
func (s *Server) handleDeployWebhook(c *gin.Context) {
	var req struct {
		OwnerID    string `json:"owner_id" binding:"required"`
		RepoURL    string `json:"repo_url" binding:"required"`
		CommitHash string `json:"commit_hash"`
		Branch     string `json:"branch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	event := bus.NewEvent("push", "webhook", map[string]interface{}{
		"owner_id":    req.OwnerID,
		"repo_url":    req.RepoURL,
		"commit_hash": req.CommitHash,
		"branch":      req.Branch,
	})
	if err := s.bus.Publish(c.Request.Context(), bus.SubjectDeployTrigger, event); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
