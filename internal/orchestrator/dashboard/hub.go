// Package dashboard manages read-side WebSocket clients: browser sessions
// that watch nodes, deployments, and audit activity for one owner.
package dashboard

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// InitialStateProvider builds the INITIAL_STATE snapshot sent to a dashboard
// right after it subscribes.
type InitialStateProvider func(ctx context.Context, ownerID string) (any, error)

// Class separates delivery guarantees for dashboard traffic.
type Class int

const (
	// ClassStatus frames represent state transitions and are never dropped.
	// A client that cannot keep up with status traffic is disconnected.
	ClassStatus Class = iota
	// ClassLog frames are high-volume telemetry. Under backpressure the
	// oldest queued log frames are discarded first.
	ClassLog
)

// ClassOf returns the delivery class for a dashboard frame type.
func ClassOf(frameType string) Class {
	switch frameType {
	case protocol.TypeDeployLog, protocol.TypeLogStream,
		protocol.TypeSystemLog, protocol.TypeInfraLog, protocol.TypeAgentUpdateLog:
		return ClassLog
	}
	return ClassStatus
}

// Hub fans orchestrator events out to dashboard clients, keyed by owner.
type Hub struct {
	mu       sync.RWMutex
	byOwner  map[string]map[*Client]bool
	provider InitialStateProvider
	logger   *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		byOwner: make(map[string]map[*Client]bool),
		logger:  log.WithFields(zap.String("component", "dashboard_hub")),
	}
}

// SetInitialStateProvider must be called before clients connect.
func (h *Hub) SetInitialStateProvider(p InitialStateProvider) {
	h.provider = p
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	if _, ok := h.byOwner[c.ownerID]; !ok {
		h.byOwner[c.ownerID] = make(map[*Client]bool)
	}
	h.byOwner[c.ownerID][c] = true
	h.mu.Unlock()
	h.logger.Debug("Dashboard client registered",
		zap.String("client_id", c.ID),
		zap.String("owner_id", c.ownerID))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.byOwner[c.ownerID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.byOwner, c.ownerID)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("Dashboard client unregistered", zap.String("client_id", c.ID))
}

// BroadcastToOwner delivers a frame to every dashboard of one owner, with the
// delivery policy of the frame's class.
func (h *Hub) BroadcastToOwner(ownerID, frameType string, payload any) {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		h.logger.Error("Failed to build dashboard frame", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal dashboard frame", zap.Error(err))
		return
	}
	h.broadcastRaw(ownerID, ClassOf(frameType), data)
}

// BroadcastNodeFrame wraps an agent frame with its originating node and fans
// it out to the node owner's dashboards.
func (h *Hub) BroadcastNodeFrame(ownerID, nodeID, frameType string, payload json.RawMessage) {
	h.BroadcastToOwner(ownerID, frameType, protocol.NodeFrame{
		NodeID:  nodeID,
		Type:    frameType,
		Payload: payload,
	})
}

func (h *Hub) broadcastRaw(ownerID string, class Class, data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byOwner[ownerID]))
	for c := range h.byOwner[ownerID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(class, data)
	}
}

// OwnerClientCount returns the number of dashboards watching an owner.
func (h *Hub) OwnerClientCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byOwner[ownerID])
}

// ClientCount returns the total number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.byOwner {
		n += len(clients)
	}
	return n
}
