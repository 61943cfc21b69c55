// Package registry tracks live agent sessions. It enforces the rule that an
// agent identity (public key) owns at most one authorized session: a newer
// authorized connection evicts the older one, never the other way around.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
)

// Session is the subset of an agent session the registry needs. The concrete
// type lives in the session package; the interface keeps the dependency
// pointing in one direction.
type Session interface {
	ConnID() string
	NodeID() string
	PublicKeyFingerprint() string
	CloseEvicted()
}

// Registry is the authoritative map of authorized agent sessions.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]Session // conn ID -> session
	byKey    map[string]string  // public key fingerprint -> conn ID
	byNode   map[string]string  // node ID -> conn ID
	logger   *logger.Logger
	onOnline func(nodeID string, online bool)
}

func New(log *logger.Logger) *Registry {
	return &Registry{
		byConn: make(map[string]Session),
		byKey:  make(map[string]string),
		byNode: make(map[string]string),
		logger: log.WithFields(zap.String("component", "session_registry")),
	}
}

// SetPresenceHook registers a callback invoked when a node gains or loses its
// authorized session. Must be called before sessions start.
func (r *Registry) SetPresenceHook(hook func(nodeID string, online bool)) {
	r.onOnline = hook
}

// Authorize installs a freshly authenticated session. If the same identity
// already holds a session, that older session is closed and replaced in the
// same critical section, so there is no window with two live sessions.
// The evicted session (if any) is returned for logging.
func (r *Registry) Authorize(s Session) Session {
	r.mu.Lock()
	var evicted Session
	if oldConn, ok := r.byKey[s.PublicKeyFingerprint()]; ok {
		evicted = r.byConn[oldConn]
		delete(r.byConn, oldConn)
	}
	r.byConn[s.ConnID()] = s
	r.byKey[s.PublicKeyFingerprint()] = s.ConnID()
	r.byNode[s.NodeID()] = s.ConnID()
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("Evicting superseded agent session",
			zap.String("node_id", s.NodeID()),
			zap.String("old_conn", evicted.ConnID()),
			zap.String("new_conn", s.ConnID()))
		evicted.CloseEvicted()
	}
	if r.onOnline != nil {
		r.onOnline(s.NodeID(), true)
	}
	return evicted
}

// Remove drops a session if it is still the current holder of its identity.
// An evicted session calling Remove after its replacement authorized is a
// no-op, so the newer session's registration is never clobbered.
func (r *Registry) Remove(s Session) {
	r.mu.Lock()
	current, ok := r.byConn[s.ConnID()]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, s.ConnID())
	if r.byKey[s.PublicKeyFingerprint()] == s.ConnID() {
		delete(r.byKey, s.PublicKeyFingerprint())
	}
	wasCurrent := r.byNode[s.NodeID()] == s.ConnID()
	if wasCurrent {
		delete(r.byNode, s.NodeID())
	}
	r.mu.Unlock()

	if wasCurrent && r.onOnline != nil {
		r.onOnline(s.NodeID(), false)
	}
}

// GetByNode returns the authorized session for a node, or nil when offline.
func (r *Registry) GetByNode(nodeID string) Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byNode[nodeID]
	if !ok {
		return nil
	}
	return r.byConn[connID]
}

// Count returns the number of authorized sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// NodeIDs returns the IDs of all nodes with an authorized session.
func (r *Registry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byNode))
	for id := range r.byNode {
		ids = append(ids, id)
	}
	return ids
}
