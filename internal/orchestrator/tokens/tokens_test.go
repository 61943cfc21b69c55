package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/store"
)

func newService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return New(st, ttl, log)
}

func TestMintAndConsume(t *testing.T) {
	svc := newService(t, 10*time.Minute)
	ctx := context.Background()

	token, err := svc.Mint(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, token.Value, tokenBytes*2) // hex encoded
	assert.True(t, token.ExpiresAt.After(time.Now()))

	consumed, err := svc.Consume(ctx, token.Value)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", consumed.OwnerID)

	_, err = svc.Consume(ctx, token.Value)
	assert.Error(t, err)
}

func TestConsumeExpired(t *testing.T) {
	svc := newService(t, -time.Minute) // already expired when minted
	ctx := context.Background()

	token, err := svc.Mint(ctx, "owner-1")
	require.NoError(t, err)

	_, err = svc.Consume(ctx, token.Value)
	assert.Error(t, err)
}

func TestMintedValuesAreUnique(t *testing.T) {
	svc := newService(t, time.Minute)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		token, err := svc.Mint(ctx, "owner-1")
		require.NoError(t, err)
		require.False(t, seen[token.Value])
		seen[token.Value] = true
	}
}
