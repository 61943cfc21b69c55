package verifier

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

type memCache struct {
	mu  sync.Mutex
	pem string
}

func (m *memCache) ControlPlaneKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pem, nil
}

func (m *memCache) SetControlPlaneKey(pem string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pem = pem
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func newTrustedVerifier(t *testing.T) (*Verifier, *protocol.Identity) {
	t.Helper()
	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	pem, err := protocol.EncodePublicKey(id.Public)
	require.NoError(t, err)

	v, err := New(&memCache{pem: pem}, testLogger(t))
	require.NoError(t, err)
	require.False(t, v.Degraded())
	return v, id
}

func signedCommand(t *testing.T, id *protocol.Identity, frameType string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, protocol.SignEnvelope(id.Private, env))
	return env
}

func TestVerifyAcceptsSignedCommand(t *testing.T) {
	v, id := newTrustedVerifier(t)
	env := signedCommand(t, id, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})
	assert.NoError(t, v.Verify(env))
}

func TestVerifyRejectsUnsignedCommand(t *testing.T) {
	v, _ := newTrustedVerifier(t)
	env, err := protocol.NewEnvelope(protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})
	require.NoError(t, err)
	assert.Error(t, v.Verify(env))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	v, _ := newTrustedVerifier(t)
	attacker, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	env := signedCommand(t, attacker, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})
	assert.Error(t, v.Verify(env))
}

func TestVerifyRejectsNonceReplay(t *testing.T) {
	v, id := newTrustedVerifier(t)
	env := signedCommand(t, id, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})

	require.NoError(t, v.Verify(env))
	err := v.Verify(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay")
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v, id := newTrustedVerifier(t)
	env := signedCommand(t, id, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})

	// Advance the agent clock past the replay window.
	v.now = func() time.Time {
		return time.UnixMilli(env.Timestamp).Add(protocol.MaxClockSkew + time.Minute)
	}
	err := v.Verify(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window")
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	v, id := newTrustedVerifier(t)
	env := signedCommand(t, id, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})

	v.now = func() time.Time {
		return time.UnixMilli(env.Timestamp).Add(-(protocol.MaxClockSkew + time.Minute))
	}
	assert.Error(t, v.Verify(env))
}

func TestUnsignedTypesPassThrough(t *testing.T) {
	v, _ := newTrustedVerifier(t)
	env, err := protocol.NewEnvelope(protocol.TypeChallenge, protocol.ChallengePayload{Nonce: "x"})
	require.NoError(t, err)
	assert.NoError(t, v.Verify(env))
}

func TestDegradedModeOnlyBeforeFirstKey(t *testing.T) {
	v, err := New(&memCache{}, testLogger(t))
	require.NoError(t, err)
	require.True(t, v.Degraded())

	// With no key cached, commands pass unverified.
	env, err := protocol.NewEnvelope(protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})
	require.NoError(t, err)
	assert.NoError(t, v.Verify(env))

	// Trusting a key closes the degraded window permanently.
	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	pem, err := protocol.EncodePublicKey(id.Public)
	require.NoError(t, err)
	require.NoError(t, v.TrustKey(pem))
	require.False(t, v.Degraded())

	assert.Error(t, v.Verify(env))
}

func TestKeyRotation(t *testing.T) {
	v, oldID := newTrustedVerifier(t)

	newID, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	newPEM, err := protocol.EncodePublicKey(newID.Public)
	require.NoError(t, err)

	rotation := signedCommand(t, oldID, protocol.TypeControlPlaneRotation,
		protocol.KeyRotationPayload{NewPublicKey: newPEM})
	require.NoError(t, v.HandleRotation(rotation))

	// Commands signed with the old key no longer verify.
	stale := signedCommand(t, oldID, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})
	assert.Error(t, v.Verify(stale))

	// Commands under the new key do.
	fresh := signedCommand(t, newID, protocol.TypeDeploy, protocol.DeployPayload{AppID: "app-1"})
	assert.NoError(t, v.Verify(fresh))
}

func TestRotationRejectedFromUntrustedSigner(t *testing.T) {
	v, _ := newTrustedVerifier(t)

	attacker, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	attackerPEM, err := protocol.EncodePublicKey(attacker.Public)
	require.NoError(t, err)

	rotation := signedCommand(t, attacker, protocol.TypeControlPlaneRotation,
		protocol.KeyRotationPayload{NewPublicKey: attackerPEM})
	assert.Error(t, v.HandleRotation(rotation))
}

func TestNonceCacheEviction(t *testing.T) {
	v, id := newTrustedVerifier(t)

	for i := 0; i < nonceCacheSize+10; i++ {
		env := signedCommand(t, id, protocol.TypeGetServerStatus, nil)
		require.NoError(t, v.Verify(env), fmt.Sprintf("command %d", i))
	}
	assert.LessOrEqual(t, v.nonceList.Len(), nonceCacheSize)
	assert.Equal(t, v.nonceList.Len(), len(v.nonces))
}
