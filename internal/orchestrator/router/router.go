// Package router is the orchestrator core: it authenticates agent identities
// for the session layer, dispatches signed commands to agents, and fans agent
// frames out to the owning dashboards.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/orchestrator/activity"
	"github.com/bastion-dev/bastion/internal/orchestrator/dashboard"
	"github.com/bastion-dev/bastion/internal/orchestrator/metrics"
	"github.com/bastion-dev/bastion/internal/orchestrator/registry"
	"github.com/bastion-dev/bastion/internal/orchestrator/session"
	"github.com/bastion-dev/bastion/internal/orchestrator/signer"
	"github.com/bastion-dev/bastion/internal/orchestrator/tokens"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// databaseResultWait caps how long an HTTP requester waits for an agent to
// report database credentials.
const databaseResultWait = 60 * time.Second

// Limits are the per-owner plan gates checked before a command is signed.
type Limits struct {
	MaxNodesPerOwner int // 0 disables
	MaxAppsPerOwner  int // 0 disables
}

// Router wires sessions, dashboards, the store, and the signer together.
type Router struct {
	store    store.Store
	registry *registry.Registry
	hub      *dashboard.Hub
	signer   *signer.Signer
	tokens   *tokens.Service
	audit    *activity.Log
	bus      bus.EventBus
	metrics  *metrics.Metrics
	limits   Limits
	logger   *logger.Logger

	// pendingDB routes full database credentials back to the requester.
	pendingMu sync.Mutex
	pendingDB map[string]chan *protocol.DatabaseResultPayload
}

func New(
	st store.Store,
	reg *registry.Registry,
	hub *dashboard.Hub,
	sig *signer.Signer,
	tok *tokens.Service,
	audit *activity.Log,
	eventBus bus.EventBus,
	m *metrics.Metrics,
	limits Limits,
	log *logger.Logger,
) *Router {
	r := &Router{
		store:     st,
		registry:  reg,
		hub:       hub,
		signer:    sig,
		tokens:    tok,
		audit:     audit,
		bus:       eventBus,
		metrics:   m,
		limits:    limits,
		logger:    log.WithFields(zap.String("component", "router")),
		pendingDB: make(map[string]chan *protocol.DatabaseResultPayload),
	}
	reg.SetPresenceHook(r.onPresenceChange)
	return r
}

// Start subscribes the router to bus subjects. Deploy triggers arrive here
// from the webhook receiver.
func (r *Router) Start() error {
	_, err := r.bus.Subscribe(bus.SubjectDeployTrigger, r.onDeployTrigger)
	if err != nil {
		return fmt.Errorf("subscribe deploy triggers: %w", err)
	}
	return nil
}

// Directory implementation, called by the session handshake.

func (r *Router) NodeByPublicKey(ctx context.Context, publicKeyPEM string) (*store.Node, error) {
	return r.store.GetNodeByPublicKey(ctx, publicKeyPEM)
}

func (r *Router) RegisterNode(ctx context.Context, token, publicKeyPEM, version string) (*store.Node, error) {
	consumed, err := r.tokens.Consume(ctx, token)
	if err != nil {
		r.metrics.HandshakeFailures.Inc()
		return nil, err
	}

	// An identity that is already registered refreshes its row instead of
	// inserting: the agent may have lost its local server binding while the
	// key survived, and public keys are unique.
	if existing, err := r.store.GetNodeByPublicKey(ctx, publicKeyPEM); err == nil {
		if existing.OwnerID != consumed.OwnerID {
			r.metrics.HandshakeFailures.Inc()
			return nil, apperrors.Forbidden("identity is registered to another owner")
		}
		if version != "" && version != existing.AgentVersion {
			if err := r.store.UpdateNodeAgentVersion(ctx, existing.ID, version); err != nil {
				r.logger.Warn("Failed to refresh agent version", zap.Error(err))
			}
			existing.AgentVersion = version
		}
		r.audit.Record(ctx, existing.OwnerID, existing.ID, "node.registered", store.ActivitySuccess, existing.Name)
		return existing, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	if r.limits.MaxNodesPerOwner > 0 {
		count, err := r.store.CountNodesByOwner(ctx, consumed.OwnerID)
		if err != nil {
			return nil, err
		}
		if count >= r.limits.MaxNodesPerOwner {
			r.metrics.CommandsRefused.WithLabelValues("node_limit").Inc()
			return nil, apperrors.LimitExceeded("nodes")
		}
	}

	node := &store.Node{
		ID:           uuid.New().String(),
		OwnerID:      consumed.OwnerID,
		Name:         "node-" + uuid.New().String()[:8],
		PublicKey:    publicKeyPEM,
		Status:       store.NodeOffline,
		AgentVersion: version,
	}
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	r.audit.Record(ctx, node.OwnerID, node.ID, "node.registered", store.ActivitySuccess, node.Name)
	return node, nil
}

// Handler implementation, called by authorized sessions.

func (r *Router) OnAuthorized(ctx context.Context, s *session.AgentSession) {
	r.metrics.AgentSessions.Inc()
	if s.Node().AgentVersion != "" {
		if err := r.store.UpdateNodeAgentVersion(ctx, s.NodeID(), s.Node().AgentVersion); err != nil {
			r.logger.Warn("Failed to record agent version", zap.Error(err))
		}
	}
	r.audit.Record(ctx, s.OwnerID(), s.NodeID(), "node.connected", store.ActivityInfo, "")
}

func (r *Router) OnClosed(s *session.AgentSession) {
	r.metrics.AgentSessions.Dec()
	r.audit.Record(context.Background(), s.OwnerID(), s.NodeID(), "node.disconnected", store.ActivityInfo, "")
}

// OnFrame routes one agent frame: durable side effects first, then fan-out
// to the owner's dashboards tagged with the originating node.
func (r *Router) OnFrame(ctx context.Context, s *session.AgentSession, env *protocol.Envelope) {
	r.routeFrame(ctx, s.OwnerID(), s.NodeID(), env)
}

func (r *Router) routeFrame(ctx context.Context, ownerID, nodeID string, env *protocol.Envelope) {
	r.metrics.FramesRouted.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case protocol.TypeStatusUpdate:
		r.handleStatusUpdate(ctx, ownerID, nodeID, env)
		return
	case protocol.TypeDetectedPorts:
		r.handleDetectedPorts(ctx, ownerID, nodeID, env)
		return
	case protocol.TypeDatabaseConfigured, protocol.TypeDatabaseReconfigured, protocol.TypeDatabaseRemoved:
		r.handleDatabaseResult(ctx, ownerID, nodeID, env)
		return
	case protocol.TypeAgentUpdateStatus:
		r.handleAgentUpdateStatus(ctx, ownerID, nodeID, env)
		return
	case protocol.TypeProxyStatus:
		r.handleProxyStatus(ctx, ownerID, nodeID, env)
		return
	case protocol.TypeLogStream:
		// App log lines fan out as DEPLOY_LOG so dashboards consume one
		// log stream regardless of phase.
		r.hub.BroadcastNodeFrame(ownerID, nodeID, protocol.TypeDeployLog, env.Payload)
		return
	}

	r.hub.BroadcastNodeFrame(ownerID, nodeID, env.Type, env.Payload)
}

func (r *Router) handleStatusUpdate(ctx context.Context, ownerID, nodeID string, env *protocol.Envelope) {
	var p protocol.StatusUpdatePayload
	if err := env.ParsePayload(&p); err != nil {
		r.logger.Warn("Malformed STATUS_UPDATE", zap.Error(err))
		return
	}
	if p.AppID != "" {
		if err := r.store.UpdateAppStatus(ctx, p.AppID, p.Phase); err != nil && !apperrors.IsNotFound(err) {
			r.logger.Warn("Failed to persist app status",
				zap.String("app_id", p.AppID), zap.Error(err))
		}
	}
	switch p.Phase {
	case "success", "build_skipped":
		r.audit.Record(ctx, ownerID, nodeID, "deploy", store.ActivitySuccess, p.AppID+"@"+p.CommitHash)
	case "failure", "rollback":
		r.audit.Record(ctx, ownerID, nodeID, "deploy", store.ActivityFailure, p.AppID+": "+p.Message)
	}
	r.hub.BroadcastNodeFrame(ownerID, nodeID, protocol.TypeDeployStatus, env.Payload)
}

// handleProxyStatus turns the agent's provisioning outcome into durable
// state. The proxy row is created only on confirmed success, so every
// successful provisioning audit entry has a matching row.
func (r *Router) handleProxyStatus(ctx context.Context, ownerID, nodeID string, env *protocol.Envelope) {
	var p protocol.ProxyStatusPayload
	if err := env.ParsePayload(&p); err != nil {
		r.logger.Warn("Malformed PROXY_STATUS", zap.Error(err))
		return
	}
	if p.Action == "provision" {
		if p.Success {
			proxy := &store.Proxy{
				ID:         p.ProxyID,
				OwnerID:    ownerID,
				NodeID:     nodeID,
				Domain:     p.Domain,
				Port:       p.Port,
				SSLEnabled: p.SSL,
				AppID:      p.AppID,
			}
			if err := r.store.CreateProxy(ctx, proxy); err != nil {
				r.logger.Warn("Failed to record provisioned proxy",
					zap.String("domain", p.Domain), zap.Error(err))
			}
			r.audit.Record(ctx, ownerID, nodeID, "proxy.provisioned", store.ActivitySuccess, p.Domain)
		} else {
			r.audit.Record(ctx, ownerID, nodeID, "proxy.provisioned", store.ActivityFailure,
				p.Domain+": "+p.Message)
		}
	}
	r.hub.BroadcastNodeFrame(ownerID, nodeID, protocol.TypeProxyStatus, env.Payload)
}

func (r *Router) handleDetectedPorts(ctx context.Context, ownerID, nodeID string, env *protocol.Envelope) {
	var p protocol.DetectedPortsPayload
	if err := env.ParsePayload(&p); err != nil {
		return
	}
	r.hub.BroadcastNodeFrame(ownerID, nodeID, protocol.TypeDetectedPorts, env.Payload)
}

// handleDatabaseResult strips the full connection string before any fan-out.
// Dashboards at large see only the masked form; the requester that issued
// the command receives the full credentials through its pending channel.
func (r *Router) handleDatabaseResult(ctx context.Context, ownerID, nodeID string, env *protocol.Envelope) {
	var p protocol.DatabaseResultPayload
	if err := env.ParsePayload(&p); err != nil {
		r.logger.Warn("Malformed database result", zap.Error(err))
		return
	}

	if p.RequestID != "" && p.FullConnection != "" {
		r.pendingMu.Lock()
		ch, ok := r.pendingDB[p.RequestID]
		r.pendingMu.Unlock()
		if ok {
			full := p
			select {
			case ch <- &full:
			default:
			}
		}
	}

	redacted := p
	redacted.FullConnection = ""
	data, err := json.Marshal(redacted)
	if err != nil {
		return
	}
	status := store.ActivitySuccess
	if !p.Success {
		status = store.ActivityFailure
	}
	r.audit.Record(ctx, ownerID, nodeID, "database."+p.Engine, status, p.Name)
	r.hub.BroadcastNodeFrame(ownerID, nodeID, env.Type, data)
}

func (r *Router) handleAgentUpdateStatus(ctx context.Context, ownerID, nodeID string, env *protocol.Envelope) {
	var p protocol.AgentUpdateStatusPayload
	if err := env.ParsePayload(&p); err != nil {
		return
	}
	if p.Phase == "restarting" && p.Version != "" {
		if err := r.store.UpdateNodeAgentVersion(ctx, nodeID, p.Version); err != nil {
			r.logger.Warn("Failed to record updated agent version", zap.Error(err))
		}
	}
	r.hub.BroadcastNodeFrame(ownerID, nodeID, protocol.TypeAgentUpdateStatus, env.Payload)
}

// onPresenceChange reflects registry state into the store and dashboards.
func (r *Router) onPresenceChange(nodeID string, online bool) {
	ctx := context.Background()
	status := store.NodeOffline
	if online {
		status = store.NodeOnline
	}
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		r.logger.Warn("Presence change for unknown node", zap.String("node_id", nodeID))
		return
	}
	if err := r.store.UpdateNodeStatus(ctx, nodeID, status); err != nil {
		r.logger.Warn("Failed to persist node status", zap.Error(err))
	}
	r.hub.BroadcastToOwner(node.OwnerID, protocol.TypeServerStatus, protocol.ServerStatusEvent{
		NodeID: nodeID,
		Status: status,
	})
	event := bus.NewEvent("node."+status, "registry", map[string]interface{}{
		"node_id":  nodeID,
		"owner_id": node.OwnerID,
	})
	if err := r.bus.Publish(ctx, bus.SubjectNodeStatus, event); err != nil {
		r.logger.Debug("Failed to publish node status", zap.Error(err))
	}
}

// commandSession is what the router needs from a live session to deliver a
// signed command.
type commandSession interface {
	OwnerID() string
	SendEnvelope(env *protocol.Envelope) error
}

// sendSigned signs a command and queues it on the node's session. Offline
// nodes fail immediately with a typed error; commands are never queued.
func (r *Router) sendSigned(ownerID, nodeID, frameType string, payload any) error {
	sess := r.registry.GetByNode(nodeID)
	if sess == nil {
		r.metrics.CommandsRefused.WithLabelValues("node_offline").Inc()
		return apperrors.NodeOffline(nodeID)
	}
	cmdSess, ok := sess.(commandSession)
	if !ok || cmdSess.OwnerID() != ownerID {
		return apperrors.Forbidden("node does not belong to owner")
	}
	env, err := r.signer.Sign(frameType, payload)
	if err != nil {
		return err
	}
	if err := cmdSess.SendEnvelope(env); err != nil {
		return apperrors.NodeOffline(nodeID)
	}
	r.metrics.CommandsSigned.WithLabelValues(frameType).Inc()
	return nil
}
