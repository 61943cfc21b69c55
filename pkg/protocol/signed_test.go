package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyEnvelope(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeDeploy, DeployPayload{
		AppID:      "app-1",
		RepoURL:    "https://example.com/repo.git",
		CommitHash: "abc123",
		MainPort:   3000,
	})
	require.NoError(t, err)

	require.NoError(t, SignEnvelope(id.Private, env))
	assert.NotEmpty(t, env.Nonce)
	assert.NotZero(t, env.Timestamp)
	assert.NoError(t, VerifyEnvelope(id.Public, env))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeAppAction, AppActionPayload{AppID: "app-1", Action: "stop"})
	require.NoError(t, err)
	require.NoError(t, SignEnvelope(id.Private, env))

	env.Payload = json.RawMessage(`{"app_id":"app-1","action":"delete"}`)
	assert.Error(t, VerifyEnvelope(id.Public, env))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := GenerateIdentity()
	require.NoError(t, err)
	other, err := GenerateIdentity()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeGetServerStatus, nil)
	require.NoError(t, err)
	require.NoError(t, SignEnvelope(signer.Private, env))

	assert.NoError(t, VerifyEnvelope(signer.Public, env))
	assert.Error(t, VerifyEnvelope(other.Public, env))
}

func TestVerifyRejectsUnsigned(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeDeploy, nil)
	require.NoError(t, err)
	assert.Error(t, VerifyEnvelope(id.Public, env))
}

func TestCanonicalBytesStableAcrossReserialization(t *testing.T) {
	// The signature must survive a decode/encode round trip through another
	// process as long as payload bytes are carried raw.
	id, err := GenerateIdentity()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeProvisionDomain, ProvisionDomainPayload{
		ProxyID: "px-1",
		Domain:  "app.example.com",
		Port:    3000,
		SSL:     true,
	})
	require.NoError(t, err)
	require.NoError(t, SignEnvelope(id.Private, env))

	wire, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(wire, &decoded))
	assert.NoError(t, VerifyEnvelope(id.Public, &decoded))
}

func TestCanonicalBytesKeyOrder(t *testing.T) {
	payload := json.RawMessage(`{"b":2, "a":1}`)
	got, err := canonicalBytes("DEPLOY", payload, 1700000000000, "abcd")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"DEPLOY","payload":{"b":2,"a":1},"timestamp":1700000000000,"nonce":"abcd"}`, string(got))

	empty, err := canonicalBytes("GET_SERVER_STATUS", nil, 1, "n")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"GET_SERVER_STATUS","payload":null,"timestamp":1,"nonce":"n"}`, string(empty))
}

func TestChallengeRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)
	require.Len(t, nonce, NonceBytes*2)

	sig := SignChallenge(id.Private, nonce)
	assert.True(t, VerifyChallenge(id.Public, nonce, sig))
	assert.False(t, VerifyChallenge(id.Public, nonce+"x", sig))
	assert.False(t, VerifyChallenge(id.Public, nonce, "not-base64!"))
}

func TestEnvelopeTimestampIsMillis(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeGetServerStatus, nil)
	require.NoError(t, err)
	require.NoError(t, SignEnvelope(id.Private, env))

	now := time.Now().UnixMilli()
	assert.InDelta(t, now, env.Timestamp, float64(5*time.Second/time.Millisecond))
}

func TestIsSignedType(t *testing.T) {
	assert.True(t, IsSignedType(TypeDeploy))
	assert.True(t, IsSignedType(TypeShutdownAgent))
	assert.True(t, IsSignedType(TypeControlPlaneRotation))
	assert.False(t, IsSignedType(TypeChallenge))
	assert.False(t, IsSignedType(TypeAuthorized))
	assert.False(t, IsSignedType(TypeServerStatus))
}
