package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestNode(ownerID string) *Node {
	return &Node{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      "test-node",
		PublicKey: uuid.New().String(),
		Status:    NodeOffline,
	}
}

func TestNodeLookupByPublicKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := newTestNode("owner-1")
	require.NoError(t, s.CreateNode(ctx, node))

	got, err := s.GetNodeByPublicKey(ctx, node.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, "owner-1", got.OwnerID)

	_, err = s.GetNodeByPublicKey(ctx, "unknown-key")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestNodePublicKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := newTestNode("owner-1")
	require.NoError(t, s.CreateNode(ctx, node))

	dup := newTestNode("owner-2")
	dup.PublicKey = node.PublicKey
	assert.Error(t, s.CreateNode(ctx, dup))
}

func TestNodeStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := newTestNode("owner-1")
	require.NoError(t, s.CreateNode(ctx, node))

	require.NoError(t, s.UpdateNodeStatus(ctx, node.ID, NodeOnline))
	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, NodeOnline, got.Status)

	err = s.UpdateNodeStatus(ctx, "missing", NodeOnline)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCountNodesByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateNode(ctx, newTestNode("owner-1")))
	}
	require.NoError(t, s.CreateNode(ctx, newTestNode("owner-2")))

	count, err := s.CountNodesByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = s.CountNodesByOwner(ctx, "owner-3")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAppLookupByRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := &App{
		ID:      uuid.New().String(),
		OwnerID: "owner-1",
		NodeID:  "node-1",
		Name:    "api",
		RepoURL: "https://github.com/acme/api",
		Branch:  "main",
	}
	require.NoError(t, s.CreateApp(ctx, app))

	got, err := s.GetAppByRepo(ctx, "owner-1", "https://github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, app.ID, got.ID)
	assert.Equal(t, "[]", got.Ports)
	assert.Equal(t, "{}", got.Env)

	// Same repo under a different owner is a different app.
	_, err = s.GetAppByRepo(ctx, "owner-2", "https://github.com/acme/api")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestProxyDomainUniquePerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proxy := &Proxy{
		ID:      uuid.New().String(),
		OwnerID: "owner-1",
		NodeID:  "node-1",
		Domain:  "app.example.com",
		Port:    3000,
	}
	require.NoError(t, s.CreateProxy(ctx, proxy))

	dup := &Proxy{
		ID:      uuid.New().String(),
		OwnerID: "owner-1",
		NodeID:  "node-2",
		Domain:  "app.example.com",
		Port:    4000,
	}
	err := s.CreateProxy(ctx, dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already provisioned")

	// A different owner may claim the same domain.
	other := &Proxy{
		ID:      uuid.New().String(),
		OwnerID: "owner-2",
		NodeID:  "node-3",
		Domain:  "app.example.com",
		Port:    3000,
	}
	assert.NoError(t, s.CreateProxy(ctx, other))
}

func TestConsumeTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	token := &RegistrationToken{
		Value:     uuid.New().String(),
		OwnerID:   "owner-1",
		ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, s.CreateToken(ctx, token))

	consumed, err := s.ConsumeToken(ctx, token.Value, now)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", consumed.OwnerID)
	require.NotNil(t, consumed.ConsumedAt)

	// Second consumption must fail.
	_, err = s.ConsumeToken(ctx, token.Value, now.Add(time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestConsumeTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	token := &RegistrationToken{
		Value:     uuid.New().String(),
		OwnerID:   "owner-1",
		ExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, s.CreateToken(ctx, token))

	_, err := s.ConsumeToken(ctx, token.Value, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestConsumeTokenUnknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ConsumeToken(context.Background(), "no-such-token", time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}

func TestDeleteExpiredTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &RegistrationToken{Value: "t-old", OwnerID: "o", ExpiresAt: now.Add(-time.Hour)}
	live := &RegistrationToken{Value: "t-live", OwnerID: "o", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateToken(ctx, expired))
	require.NoError(t, s.CreateToken(ctx, live))

	deleted, err := s.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.ConsumeToken(ctx, "t-live", now)
	assert.NoError(t, err)
}

func TestActivityTrim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		rec := &ActivityRecord{
			ID:        uuid.New().String(),
			OwnerID:   "owner-1",
			Type:      "deploy",
			Status:    ActivitySuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendActivity(ctx, rec))
	}

	require.NoError(t, s.TrimActivity(ctx, "owner-1", 4))

	recs, err := s.ListActivityByOwner(ctx, "owner-1", 100)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	// Newest first, and only the newest survive the trim.
	assert.True(t, recs[0].CreatedAt.After(recs[3].CreatedAt))
}
