package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/pkg/protocol"
)

func TestSignProducesVerifiableCommand(t *testing.T) {
	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	s := NewWithIdentity(id)

	env, err := s.Sign(protocol.TypeDeploy, protocol.DeployPayload{
		AppID:   "app-1",
		RepoURL: "https://github.com/acme/api",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.Nonce)
	assert.NotZero(t, env.Timestamp)
	assert.NoError(t, protocol.VerifyEnvelope(id.Public, env))
}

func TestSignRejectsUnsignableTypes(t *testing.T) {
	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	s := NewWithIdentity(id)

	_, err = s.Sign(protocol.TypeStatusUpdate, nil)
	assert.Error(t, err)
}

func TestRotateSignsWithOutgoingKey(t *testing.T) {
	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	s := NewWithIdentity(id)
	oldPub := id.Public
	oldServerID := s.ServerID()

	env, err := s.Rotate()
	require.NoError(t, err)

	// The rotation announcement verifies under the key agents already hold.
	require.NoError(t, protocol.VerifyEnvelope(oldPub, env))

	var p protocol.KeyRotationPayload
	require.NoError(t, env.ParsePayload(&p))
	newPub, err := protocol.DecodePublicKey(p.NewPublicKey)
	require.NoError(t, err)

	// Commands signed after rotation verify only under the new key.
	cmd, err := s.Sign(protocol.TypeGetServerStatus, nil)
	require.NoError(t, err)
	assert.Error(t, protocol.VerifyEnvelope(oldPub, cmd))
	assert.NoError(t, protocol.VerifyEnvelope(newPub, cmd))
	assert.NotEqual(t, oldServerID, s.ServerID())
}

func TestLoadPersistsIdentityAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	s1, err := Load(dir)
	require.NoError(t, err)
	s2, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, s1.ServerID(), s2.ServerID())
}
