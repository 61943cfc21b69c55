// Package verifier decides whether the agent may act on a command frame.
// Every side-effecting command must carry a valid orchestrator signature, a
// timestamp inside the replay window, and a nonce the agent has not seen.
package verifier

import (
	"container/list"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// nonceCacheSize bounds remembered nonces. The clock-skew window already
// rejects anything older than MaxClockSkew, so the cache only has to cover
// nonces young enough to replay.
const nonceCacheSize = 4096

// KeyCache persists the trusted orchestrator key across restarts.
type KeyCache interface {
	ControlPlaneKey() (string, error)
	SetControlPlaneKey(pem string) error
}

// Verifier validates inbound command frames against the cached orchestrator
// public key.
type Verifier struct {
	mu     sync.Mutex
	key    ed25519.PublicKey
	cache  KeyCache
	logger *logger.Logger

	nonces    map[string]*list.Element
	nonceList *list.List // front = most recent

	now func() time.Time
}

// New loads the cached orchestrator key, if any. An agent with no cached key
// has never completed a registration and runs in degraded mode until the
// first REGISTERED frame delivers one.
func New(cache KeyCache, log *logger.Logger) (*Verifier, error) {
	v := &Verifier{
		cache:     cache,
		logger:    log.WithFields(zap.String("component", "verifier")),
		nonces:    make(map[string]*list.Element),
		nonceList: list.New(),
		now:       time.Now,
	}
	pem, err := cache.ControlPlaneKey()
	if err != nil {
		return nil, err
	}
	if pem != "" {
		key, err := protocol.DecodePublicKey(pem)
		if err != nil {
			return nil, fmt.Errorf("cached orchestrator key is corrupt: %w", err)
		}
		v.key = key
	} else {
		v.logger.Warn("No cached orchestrator key; running degraded until first registration")
	}
	return v, nil
}

// Degraded reports whether the agent holds no orchestrator key yet.
func (v *Verifier) Degraded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key == nil
}

// TrustKey installs and persists the orchestrator key delivered by a
// REGISTERED frame. Once set, degraded mode never returns.
func (v *Verifier) TrustKey(pem string) error {
	key, err := protocol.DecodePublicKey(pem)
	if err != nil {
		return fmt.Errorf("refusing malformed orchestrator key: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.cache.SetControlPlaneKey(pem); err != nil {
		return err
	}
	v.key = key
	v.logger.Info("Orchestrator key trusted")
	return nil
}

// Verify checks one command frame. Frames of unsigned types pass through.
// Signed types fail on: missing/invalid signature, timestamp outside the
// replay window, or nonce reuse. In degraded mode (no key cached yet) signed
// types are accepted with a warning; this window closes permanently at first
// registration.
func (v *Verifier) Verify(env *protocol.Envelope) error {
	if !protocol.IsSignedType(env.Type) {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		v.logger.Warn("Accepting command without verification in degraded mode",
			zap.String("frame_type", env.Type))
		return nil
	}

	if err := protocol.VerifyEnvelope(v.key, env); err != nil {
		return fmt.Errorf("command rejected: %w", err)
	}

	issued := time.UnixMilli(env.Timestamp)
	drift := v.now().Sub(issued)
	if drift < -protocol.MaxClockSkew || drift > protocol.MaxClockSkew {
		return fmt.Errorf("command rejected: timestamp outside %s window (drift %s)", protocol.MaxClockSkew, drift)
	}

	if env.Nonce == "" {
		return fmt.Errorf("command rejected: missing nonce")
	}
	if _, seen := v.nonces[env.Nonce]; seen {
		return fmt.Errorf("command rejected: nonce replay")
	}
	v.rememberNonce(env.Nonce)
	return nil
}

// HandleRotation validates a CP_KEY_ROTATION frame. The announcement must
// verify under the key the agent currently trusts; only then is the new key
// installed. Replay of an old rotation fails because the old key is no
// longer trusted.
func (v *Verifier) HandleRotation(env *protocol.Envelope) error {
	if err := v.Verify(env); err != nil {
		return err
	}
	var p protocol.KeyRotationPayload
	if err := env.ParsePayload(&p); err != nil {
		return fmt.Errorf("malformed rotation payload: %w", err)
	}
	if err := v.TrustKey(p.NewPublicKey); err != nil {
		return err
	}
	v.logger.Info("Orchestrator key rotated")
	return nil
}

// rememberNonce records a nonce, evicting the oldest past capacity.
// Caller holds v.mu.
func (v *Verifier) rememberNonce(nonce string) {
	elem := v.nonceList.PushFront(nonce)
	v.nonces[nonce] = elem
	if v.nonceList.Len() > nonceCacheSize {
		oldest := v.nonceList.Back()
		v.nonceList.Remove(oldest)
		delete(v.nonces, oldest.Value.(string))
	}
}
