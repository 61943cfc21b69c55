// Package signer holds the orchestrator identity and produces signed command
// envelopes. Every frame that causes a side effect on an agent host passes
// through Sign; agents discard anything else.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bastion-dev/bastion/pkg/protocol"
)

// Signer wraps the orchestrator keypair.
type Signer struct {
	mu       sync.RWMutex
	identity *protocol.Identity
	dir      string
	serverID string
}

// Load reads (or creates on first boot) the orchestrator identity under dir.
func Load(dir string) (*Signer, error) {
	id, err := protocol.LoadOrCreateIdentity(dir)
	if err != nil {
		return nil, fmt.Errorf("load orchestrator identity: %w", err)
	}
	return &Signer{
		identity: id,
		dir:      dir,
		serverID: serverIDFor(id),
	}, nil
}

// NewWithIdentity builds a signer around an existing keypair. Used by tests.
func NewWithIdentity(id *protocol.Identity) *Signer {
	return &Signer{identity: id, serverID: serverIDFor(id)}
}

func serverIDFor(id *protocol.Identity) string {
	sum := sha256.Sum256(id.Public)
	return "cp-" + hex.EncodeToString(sum[:8])
}

// ServerID is a stable identifier derived from the public key, reported to
// agents on registration.
func (s *Signer) ServerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverID
}

// PublicKeyPEM returns the current public key in the wire encoding.
func (s *Signer) PublicKeyPEM() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.EncodePublicKey(s.identity.Public)
}

// Identity returns the current keypair.
func (s *Signer) Identity() *protocol.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Sign builds a command envelope with a fresh timestamp and nonce, signed by
// the current orchestrator key.
func (s *Signer) Sign(frameType string, payload any) (*protocol.Envelope, error) {
	if !protocol.IsSignedType(frameType) {
		return nil, fmt.Errorf("frame type %s is not a signable command", frameType)
	}
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := protocol.SignEnvelope(s.identity.Private, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Rotate generates a fresh keypair and returns a CP_KEY_ROTATION envelope
// signed with the OUTGOING key, so agents holding the old key can verify the
// transition. The new identity is persisted and becomes current before the
// envelope is returned; subsequent commands are signed with the new key.
func (s *Signer) Rotate() (*protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := protocol.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	newPEM, err := protocol.EncodePublicKey(next.Public)
	if err != nil {
		return nil, err
	}

	env, err := protocol.NewEnvelope(protocol.TypeControlPlaneRotation, protocol.KeyRotationPayload{
		NewPublicKey: newPEM,
	})
	if err != nil {
		return nil, err
	}
	if err := protocol.SignEnvelope(s.identity.Private, env); err != nil {
		return nil, err
	}

	if s.dir != "" {
		if err := protocol.SaveIdentity(s.dir, next); err != nil {
			return nil, fmt.Errorf("persist rotated identity: %w", err)
		}
	}
	s.identity = next
	s.serverID = serverIDFor(next)
	return env, nil
}
