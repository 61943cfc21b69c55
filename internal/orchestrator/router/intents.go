package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// Dashboard intents. Every method authorizes the intent against the owner
// and the plan limits, then signs exactly one command for the target agent.

// CreateApp registers a deployable app under an owner, gated by the plan's
// app limit.
func (r *Router) CreateApp(ctx context.Context, app *store.App) error {
	if r.limits.MaxAppsPerOwner > 0 {
		count, err := r.store.CountAppsByOwner(ctx, app.OwnerID)
		if err != nil {
			return err
		}
		if count >= r.limits.MaxAppsPerOwner {
			r.metrics.CommandsRefused.WithLabelValues("app_limit").Inc()
			return apperrors.LimitExceeded("apps")
		}
	}
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	if app.Branch == "" {
		app.Branch = "main"
	}
	app.Status = "idle"
	if err := r.store.CreateApp(ctx, app); err != nil {
		return err
	}
	r.audit.Record(ctx, app.OwnerID, app.NodeID, "app.created", store.ActivitySuccess, app.Name)
	return nil
}

// Deploy signs a DEPLOY command for the app's node. An empty commitHash lets
// the agent resolve the branch head.
func (r *Router) Deploy(ctx context.Context, ownerID, appID, commitHash string) error {
	app, err := r.ownedApp(ctx, ownerID, appID)
	if err != nil {
		return err
	}

	env := map[string]string{}
	if app.Env != "" && app.Env != "{}" {
		if err := json.Unmarshal([]byte(app.Env), &env); err != nil {
			return apperrors.InternalError("app env is corrupt", err)
		}
	}

	payload := protocol.DeployPayload{
		AppID:      app.ID,
		RepoURL:    app.RepoURL,
		CommitHash: commitHash,
		Branch:     app.Branch,
		MainPort:   app.MainPort,
		Env:        env,
	}
	if err := r.sendSigned(ownerID, app.NodeID, protocol.TypeDeploy, payload); err != nil {
		return err
	}
	r.metrics.DeployTriggers.Inc()
	if err := r.store.UpdateAppStatus(ctx, app.ID, "deploying"); err != nil {
		r.logger.Warn("Failed to mark app deploying", zap.Error(err))
	}
	r.audit.Record(ctx, ownerID, app.NodeID, "deploy.requested", store.ActivityInfo, app.Name+"@"+commitHash)
	return nil
}

// AppAction signs a lifecycle command (start, stop, restart, delete) for the
// app's node. Delete also removes the durable record once the command is on
// the wire.
func (r *Router) AppAction(ctx context.Context, ownerID, appID, action string) error {
	switch action {
	case "start", "stop", "restart", "delete":
	default:
		return apperrors.ValidationError("action", "must be start, stop, restart, or delete")
	}
	app, err := r.ownedApp(ctx, ownerID, appID)
	if err != nil {
		return err
	}
	payload := protocol.AppActionPayload{AppID: app.ID, Action: action}
	if err := r.sendSigned(ownerID, app.NodeID, protocol.TypeAppAction, payload); err != nil {
		return err
	}
	if action == "delete" {
		if err := r.store.DeleteApp(ctx, app.ID); err != nil {
			return err
		}
	}
	r.audit.Record(ctx, ownerID, app.NodeID, "app."+action, store.ActivityInfo, app.Name)
	return nil
}

// ProvisionDomain signs the provisioning command for a node the owner holds.
// Durable state waits for the agent: the proxy record is created by
// handleProxyStatus once the agent confirms the vhost is live, so a failed
// provision never leaves a stale row.
func (r *Router) ProvisionDomain(ctx context.Context, ownerID, nodeID, domain string, port int, ssl bool, appID string) error {
	if r.registry.GetByNode(nodeID) == nil {
		r.metrics.CommandsRefused.WithLabelValues("node_offline").Inc()
		return apperrors.NodeOffline(nodeID)
	}
	if _, err := r.store.GetProxyByDomain(ctx, ownerID, domain); err == nil {
		return apperrors.Conflict(fmt.Sprintf("domain '%s' already provisioned", domain))
	} else if !apperrors.IsNotFound(err) {
		return err
	}
	payload := protocol.ProvisionDomainPayload{
		ProxyID: uuid.New().String(),
		Domain:  domain,
		Port:    port,
		SSL:     ssl,
		AppID:   appID,
	}
	if err := r.sendSigned(ownerID, nodeID, protocol.TypeProvisionDomain, payload); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, nodeID, "proxy.provision", store.ActivityInfo, domain)
	return nil
}

// DeleteProxy removes a provisioned domain.
func (r *Router) DeleteProxy(ctx context.Context, ownerID, domain string) error {
	proxy, err := r.store.GetProxyByDomain(ctx, ownerID, domain)
	if err != nil {
		return err
	}
	payload := protocol.DeleteProxyPayload{Domain: domain}
	if err := r.sendSigned(ownerID, proxy.NodeID, protocol.TypeDeleteProxy, payload); err != nil {
		return err
	}
	if err := r.store.DeleteProxyByDomain(ctx, ownerID, domain); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, proxy.NodeID, "proxy.delete", store.ActivityInfo, domain)
	return nil
}

// ServiceAction controls a system service on a node.
func (r *Router) ServiceAction(ctx context.Context, ownerID, nodeID, service, action string) error {
	switch action {
	case "start", "stop", "restart", "reload":
	default:
		return apperrors.ValidationError("action", "must be start, stop, restart, or reload")
	}
	payload := protocol.ServiceActionPayload{Service: service, Action: action}
	if err := r.sendSigned(ownerID, nodeID, protocol.TypeServiceAction, payload); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, nodeID, "service."+action, store.ActivityInfo, service)
	return nil
}

// RuntimeCommand installs, updates, or removes a language runtime.
func (r *Router) RuntimeCommand(ctx context.Context, ownerID, nodeID, frameType, runtime, version string) error {
	switch frameType {
	case protocol.TypeInstallRuntime, protocol.TypeUpdateRuntime, protocol.TypeRemoveRuntime:
	default:
		return apperrors.ValidationError("type", "not a runtime command")
	}
	payload := protocol.RuntimePayload{Runtime: runtime, Version: version}
	if err := r.sendSigned(ownerID, nodeID, frameType, payload); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, nodeID, strings.ToLower(frameType), store.ActivityInfo, runtime)
	return nil
}

// DatabaseCommand issues a database command and, for configure/reconfigure,
// waits for the agent's result so the requester alone receives the full
// connection string.
func (r *Router) DatabaseCommand(ctx context.Context, ownerID, nodeID, frameType string, p protocol.DatabasePayload) (*protocol.DatabaseResultPayload, error) {
	switch frameType {
	case protocol.TypeConfigureDatabase, protocol.TypeReconfigureDatabase, protocol.TypeRemoveDatabase:
	default:
		return nil, apperrors.ValidationError("type", "not a database command")
	}

	wantResult := frameType != protocol.TypeRemoveDatabase
	var resultCh chan *protocol.DatabaseResultPayload
	if wantResult {
		p.RequestID = uuid.New().String()
		resultCh = make(chan *protocol.DatabaseResultPayload, 1)
		r.pendingMu.Lock()
		r.pendingDB[p.RequestID] = resultCh
		r.pendingMu.Unlock()
		defer func() {
			r.pendingMu.Lock()
			delete(r.pendingDB, p.RequestID)
			r.pendingMu.Unlock()
		}()
	}

	if err := r.sendSigned(ownerID, nodeID, frameType, p); err != nil {
		return nil, err
	}
	if !wantResult {
		r.audit.Record(ctx, ownerID, nodeID, "database.remove", store.ActivityInfo, p.Name)
		return nil, nil
	}

	select {
	case result := <-resultCh:
		if !result.Success {
			return nil, apperrors.InternalError(result.Message, nil)
		}
		return result, nil
	case <-time.After(databaseResultWait):
		return nil, apperrors.InternalError(fmt.Sprintf("timed out waiting for %s result", frameType), nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestServerStatus asks a node for a host snapshot. The response arrives
// asynchronously over the dashboard stream.
func (r *Router) RequestServerStatus(ctx context.Context, ownerID, nodeID string) error {
	return r.sendSigned(ownerID, nodeID, protocol.TypeGetServerStatus, nil)
}

// RequestInfraLogs fetches the agent's infrastructure log buffer.
func (r *Router) RequestInfraLogs(ctx context.Context, ownerID, nodeID string, clear bool) error {
	frameType := protocol.TypeGetInfraLogs
	if clear {
		frameType = protocol.TypeClearInfraLogs
	}
	return r.sendSigned(ownerID, nodeID, frameType, nil)
}

// RequestServiceLogs fetches recent journal lines for a service.
func (r *Router) RequestServiceLogs(ctx context.Context, ownerID, nodeID, service string, lines int) error {
	payload := protocol.ServiceLogsPayload{Service: service, Lines: lines}
	return r.sendSigned(ownerID, nodeID, protocol.TypeGetServiceLogs, payload)
}

// UpdateAgent starts a self-update on a node.
func (r *Router) UpdateAgent(ctx context.Context, ownerID, nodeID, bundleURL, version string) error {
	payload := protocol.UpdateAgentPayload{BundleURL: bundleURL, Version: version}
	if err := r.sendSigned(ownerID, nodeID, protocol.TypeUpdateAgent, payload); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, nodeID, "agent.update", store.ActivityInfo, version)
	return nil
}

// ShutdownAgent stops or uninstalls an agent.
func (r *Router) ShutdownAgent(ctx context.Context, ownerID, nodeID, mode string) error {
	if mode != "stop" && mode != "uninstall" {
		return apperrors.ValidationError("mode", "must be stop or uninstall")
	}
	payload := protocol.ShutdownAgentPayload{Mode: mode}
	if err := r.sendSigned(ownerID, nodeID, protocol.TypeShutdownAgent, payload); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, nodeID, "agent.shutdown", store.ActivityInfo, mode)
	return nil
}

// RegenerateIdentity orders an agent to mint a fresh keypair. The node goes
// offline under its old key and must re-register with a new token before it
// can serve again.
func (r *Router) RegenerateIdentity(ctx context.Context, ownerID, nodeID string) error {
	if err := r.sendSigned(ownerID, nodeID, protocol.TypeRegenerateIdentity, nil); err != nil {
		return err
	}
	r.audit.Record(ctx, ownerID, nodeID, "agent.regenerate_identity", store.ActivityInfo, "")
	return nil
}

// RotateControlPlaneKey rotates the orchestrator keypair and announces the
// new key to every online agent, signed with the outgoing key. Offline
// agents learn the new key on their next registration-style reconnect.
func (r *Router) RotateControlPlaneKey(ctx context.Context) error {
	env, err := r.signer.Rotate()
	if err != nil {
		return err
	}
	for _, nodeID := range r.registry.NodeIDs() {
		sess := r.registry.GetByNode(nodeID)
		if sess == nil {
			continue
		}
		cmdSess, ok := sess.(commandSession)
		if !ok {
			continue
		}
		if err := cmdSess.SendEnvelope(env); err != nil {
			r.logger.Warn("Failed to deliver key rotation",
				zap.String("node_id", nodeID), zap.Error(err))
		}
	}
	r.logger.Info("Control plane key rotated", zap.String("server_id", r.signer.ServerID()))
	return nil
}

// onDeployTrigger handles webhook-originated deploys from the event bus.
func (r *Router) onDeployTrigger(ctx context.Context, event *bus.Event) error {
	ownerID, _ := event.Data["owner_id"].(string)
	repoURL, _ := event.Data["repo_url"].(string)
	branch, _ := event.Data["branch"].(string)
	commit, _ := event.Data["commit_hash"].(string)
	if ownerID == "" || repoURL == "" {
		return fmt.Errorf("deploy trigger missing owner_id or repo_url")
	}

	app, err := r.store.GetAppByRepo(ctx, ownerID, repoURL)
	if err != nil {
		if apperrors.IsNotFound(err) {
			r.logger.Debug("Webhook for unknown repo", zap.String("repo_url", repoURL))
			return nil
		}
		return err
	}
	if branch != "" && app.Branch != branch {
		r.logger.Debug("Webhook branch ignored",
			zap.String("app_id", app.ID),
			zap.String("push_branch", branch),
			zap.String("deploy_branch", app.Branch))
		return nil
	}

	if err := r.Deploy(ctx, ownerID, app.ID, commit); err != nil {
		if apperrors.IsNodeOffline(err) {
			r.audit.Record(ctx, ownerID, app.NodeID, "deploy.requested", store.ActivityFailure,
				app.Name+": node offline")
			return nil
		}
		return err
	}
	return nil
}

func (r *Router) ownedApp(ctx context.Context, ownerID, appID string) (*store.App, error) {
	app, err := r.store.GetApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != ownerID {
		return nil, apperrors.Forbidden("app does not belong to owner")
	}
	return app, nil
}
