// Package session carries one agent WebSocket connection from accept through
// the challenge handshake into the authorized frame loop.
package session

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/orchestrator/registry"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // agents stream build logs; allow 1MB frames

	// Outbound command queue. Commands are never dropped: a full queue
	// means a wedged connection, and the session is closed instead.
	sendQueueSize = 256
)

// Directory resolves handshake identities against durable records.
type Directory interface {
	// NodeByPublicKey returns the node owning the given PEM public key.
	NodeByPublicKey(ctx context.Context, publicKeyPEM string) (*store.Node, error)

	// RegisterNode consumes a registration token and creates the node record
	// for a first-time agent. Called only after proof of key possession.
	RegisterNode(ctx context.Context, token, publicKeyPEM, version string) (*store.Node, error)
}

// Handler receives authorized-session events. Implemented by the router.
type Handler interface {
	OnAuthorized(ctx context.Context, s *AgentSession)
	OnFrame(ctx context.Context, s *AgentSession, env *protocol.Envelope)
	OnClosed(s *AgentSession)
}

// Options wires an AgentSession to the rest of the orchestrator.
type Options struct {
	Conn             *websocket.Conn
	Registry         *registry.Registry
	Directory        Directory
	Handler          Handler
	ServerID         string
	Identity         *protocol.Identity // orchestrator keypair, public half sent on REGISTERED
	HandshakeTimeout time.Duration
	Logger           *logger.Logger
}

// AgentSession is one live agent connection.
type AgentSession struct {
	connID   string
	conn     *websocket.Conn
	registry *registry.Registry
	dir      Directory
	handler  Handler
	serverID string
	identity *protocol.Identity
	hsTO     time.Duration
	logger   *logger.Logger

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	// Populated during the handshake; immutable once authorized.
	node       *store.Node
	pubKey     ed25519.PublicKey
	pubKeyPEM  string
	keyFP      string
	authorized bool
}

// New creates a session for an accepted connection. Run must be called to
// start the pumps.
func New(connID string, opts Options) *AgentSession {
	return &AgentSession{
		connID:   connID,
		conn:     opts.Conn,
		registry: opts.Registry,
		dir:      opts.Directory,
		handler:  opts.Handler,
		serverID: opts.ServerID,
		identity: opts.Identity,
		hsTO:     opts.HandshakeTimeout,
		logger:   opts.Logger.WithFields(zap.String("conn_id", connID)),
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (s *AgentSession) ConnID() string { return s.connID }

// NodeID returns the node this session authenticated as, empty before
// authorization completes.
func (s *AgentSession) NodeID() string {
	if s.node == nil {
		return ""
	}
	return s.node.ID
}

// OwnerID returns the owner of the authenticated node.
func (s *AgentSession) OwnerID() string {
	if s.node == nil {
		return ""
	}
	return s.node.OwnerID
}

// Node returns the durable node record bound during the handshake.
func (s *AgentSession) Node() *store.Node { return s.node }

// PublicKeyFingerprint identifies the agent key for registry bookkeeping.
func (s *AgentSession) PublicKeyFingerprint() string { return s.keyFP }

// Run services the connection until it closes: handshake first, then the
// authorized frame loop. Blocks until the session ends. The write pump only
// starts once the handshake succeeds; handshake frames are written
// synchronously so there is never more than one writer on the connection.
func (s *AgentSession) Run(ctx context.Context) {
	s.readPump(ctx)
}

// SendEnvelope queues a frame for delivery. Delivery is never silently
// dropped: if the outbound queue is full the session is torn down and an
// error returned, so callers can surface a node-offline failure.
func (s *AgentSession) SendEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return websocket.ErrCloseSent
	default:
		s.logger.Error("Agent send queue full, closing session",
			zap.String("node_id", s.NodeID()),
			zap.String("frame_type", env.Type))
		s.close()
		return websocket.ErrCloseSent
	}
}

// CloseEvicted is called by the registry when a newer session for the same
// identity authorizes. A close frame tells the old agent not to reconnect
// with the same expectation of still being current.
func (s *AgentSession) CloseEvicted() {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded by newer session")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.close()
}

func (s *AgentSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *AgentSession) sendError(code, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *AgentSession) readPump(ctx context.Context) {
	defer func() {
		if s.authorized {
			s.registry.Remove(s)
			s.handler.OnClosed(s)
		}
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hsTO))

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn("Agent handshake failed", zap.Error(err))
		s.sendError("AUTH_FAILURE", err.Error())
		return
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump()
	s.handler.OnAuthorized(ctx, s)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Agent connection read error", zap.Error(err))
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("Malformed agent frame", zap.Error(err))
			continue
		}
		s.handler.OnFrame(ctx, s, &env)
	}
}

func (s *AgentSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func keyFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
