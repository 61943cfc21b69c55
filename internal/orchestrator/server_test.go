package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/common/config"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

type serverFixture struct {
	server *Server
	ts     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ReadTimeout = 30
	cfg.Server.WriteTimeout = 30
	cfg.Orchestrator.IdentityDir = t.TempDir()
	cfg.Orchestrator.HandshakeTimeout = 5
	cfg.Orchestrator.TokenTTL = 600
	cfg.Orchestrator.ActivityRetain = 500

	srv, err := New(cfg, st, bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	require.NoError(t, srv.router.Start())

	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return &serverFixture{server: srv, ts: ts}
}

func (f *serverFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

func (f *serverFixture) mintToken(t *testing.T, owner string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/tokens", bytes.NewReader(nil))
	require.NoError(t, err)
	req.Header.Set("X-Owner-ID", owner)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(frameType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestAgentRegistrationHandshake(t *testing.T) {
	f := newServerFixture(t)
	token := f.mintToken(t, "owner-1")

	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	pubPEM, err := protocol.EncodePublicKey(id.Public)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/connect"), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeEnvelope(t, conn, protocol.TypeRegister, protocol.RegisterPayload{
		Token:     token,
		PublicKey: pubPEM,
		Version:   "1.0.0",
	})

	challenge := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeChallenge, challenge.Type)
	var ch protocol.ChallengePayload
	require.NoError(t, challenge.ParsePayload(&ch))
	require.NotEmpty(t, ch.Nonce)

	writeEnvelope(t, conn, protocol.TypeResponse, protocol.ResponsePayload{
		Signature: protocol.SignChallenge(id.Private, ch.Nonce),
	})

	registered := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeRegistered, registered.Type)
	var reg protocol.RegisteredPayload
	require.NoError(t, registered.ParsePayload(&reg))
	assert.Equal(t, f.server.signer.ServerID(), reg.ServerID)

	cpKey, err := protocol.DecodePublicKey(reg.CPPublicKey)
	require.NoError(t, err)
	assert.Equal(t, f.server.signer.Identity().Public, cpKey)

	// The node record now exists, owned by the token's owner and online.
	node, err := f.server.store.GetNodeByPublicKey(context.Background(), pubPEM)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", node.OwnerID)
}

func TestAgentReconnectHandshake(t *testing.T) {
	f := newServerFixture(t)
	token := f.mintToken(t, "owner-1")

	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	pubPEM, err := protocol.EncodePublicKey(id.Public)
	require.NoError(t, err)

	// Register once.
	conn1, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/connect"), nil)
	require.NoError(t, err)
	writeEnvelope(t, conn1, protocol.TypeRegister, protocol.RegisterPayload{Token: token, PublicKey: pubPEM})
	ch1 := readEnvelope(t, conn1)
	var c1 protocol.ChallengePayload
	require.NoError(t, ch1.ParsePayload(&c1))
	writeEnvelope(t, conn1, protocol.TypeResponse, protocol.ResponsePayload{
		Signature: protocol.SignChallenge(id.Private, c1.Nonce),
	})
	require.Equal(t, protocol.TypeRegistered, readEnvelope(t, conn1).Type)
	conn1.Close()

	// Reconnect with CONNECT: no token needed, same identity.
	conn2, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/connect"), nil)
	require.NoError(t, err)
	defer conn2.Close()
	writeEnvelope(t, conn2, protocol.TypeConnect, protocol.ConnectPayload{PublicKey: pubPEM, Version: "1.0.0"})
	ch2 := readEnvelope(t, conn2)
	require.Equal(t, protocol.TypeChallenge, ch2.Type)
	var c2 protocol.ChallengePayload
	require.NoError(t, ch2.ParsePayload(&c2))
	writeEnvelope(t, conn2, protocol.TypeResponse, protocol.ResponsePayload{
		Signature: protocol.SignChallenge(id.Private, c2.Nonce),
	})
	assert.Equal(t, protocol.TypeAuthorized, readEnvelope(t, conn2).Type)
}

func TestHandshakeRejectsForgedResponse(t *testing.T) {
	f := newServerFixture(t)
	token := f.mintToken(t, "owner-1")

	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	wrongKey, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	pubPEM, err := protocol.EncodePublicKey(id.Public)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/connect"), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeEnvelope(t, conn, protocol.TypeRegister, protocol.RegisterPayload{Token: token, PublicKey: pubPEM})
	ch := readEnvelope(t, conn)
	var c protocol.ChallengePayload
	require.NoError(t, ch.ParsePayload(&c))

	// Respond with a signature from a different key.
	writeEnvelope(t, conn, protocol.TypeResponse, protocol.ResponsePayload{
		Signature: protocol.SignChallenge(wrongKey.Private, c.Nonce),
	})

	errFrame := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, errFrame.Type)

	// No node was created: the signature failed before the token was
	// consumed, so registration never happened.
	_, err = f.server.store.GetNodeByPublicKey(context.Background(), pubPEM)
	assert.Error(t, err)
}

func TestHandshakeRejectsUnknownIdentityOnConnect(t *testing.T) {
	f := newServerFixture(t)

	id, err := protocol.GenerateIdentity()
	require.NoError(t, err)
	pubPEM, err := protocol.EncodePublicKey(id.Public)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/api/connect"), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeEnvelope(t, conn, protocol.TypeConnect, protocol.ConnectPayload{PublicKey: pubPEM})
	errFrame := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, errFrame.Type)
}

func TestWebhookPublishesDeployTrigger(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(map[string]string{
		"owner_id":    "owner-1",
		"repo_url":    "https://github.com/acme/api",
		"commit_hash": "abc123",
		"branch":      "main",
	})
	resp, err := http.Post(f.ts.URL+"/api/webhooks/deploy", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
