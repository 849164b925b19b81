package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtures() ([]*domain.Subscription, []*domain.APIKey) {
	subs := []*domain.Subscription{
		{
			ID:          "sub-1",
			API:         "api-1",
			Plan:        "plan-B",
			ClientID:    "client-1",
			Application: "app-1",
			StartingAt:  time.UnixMilli(1000).UTC(),
			EndingAt:    time.UnixMilli(2000).UTC(),
			Status:      domain.SubscriptionAccepted,
		},
		{
			ID:          "sub-2",
			API:         "api-1",
			Plan:        "plan-A",
			Application: "app-2",
			Status:      domain.SubscriptionAccepted,
			Metadata:    map[string]string{domain.MetadataReferenceType: domain.ReferenceTypeAPIProduct},
		},
	}
	keys := []*domain.APIKey{{Key: "secret", API: "api-1", Plan: "plan-A", Subscription: "sub-2", Application: "app-2"}}
	return subs, keys
}

// storeContract runs the lookups every Store must satisfy.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	subs, keys := fixtures()
	require.NoError(t, store.Replace(ctx, subs, keys))

	got, err := store.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "app-1", got.Application)
	assert.True(t, got.StartingAt.Equal(time.UnixMilli(1000)))

	got, err = store.GetByAPIAndClientIDAndPlan(ctx, "api-1", "client-1", "plan-B")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", got.ID)

	_, err = store.GetByAPIAndClientIDAndPlan(ctx, "api-1", "client-1", "plan-A")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	product, err := store.GetByID(ctx, "sub-2")
	require.NoError(t, err)
	assert.True(t, product.IsProduct())
	assert.True(t, product.EndingAt.IsZero())

	key, err := store.GetByAPIAndKey(ctx, "api-1", "secret")
	require.NoError(t, err)
	assert.Equal(t, "sub-2", key.Subscription)

	_, err = store.GetByAPIAndKey(ctx, "api-2", "secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	storeContract(t, store)

	require.NoError(t, store.Replace(context.Background(), nil, nil))
	_, err := store.GetByID(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrNotFound, "Replace drops previous content")
	require.NoError(t, store.Close())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(RedisConfig{Address: mr.Addr(), Prefix: "gw:"})
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(context.Background()))
	storeContract(t, store)

	assert.True(t, mr.Exists("gw:subscription:sub-1"))
	idx, err := mr.Get("gw:subscription:idx:api-1:client-1:plan-B")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", idx)
}

func TestRedisStoreCorruptDocument(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, mr.Set("subscription:bad", "{not json"))
	_, err := store.GetByID(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreBreakerOpensOnOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(RedisConfig{
		Address: mr.Addr(),
		Breaker: governance.CircuitBreakerConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute},
	})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	// Misses never trip the breaker.
	for range 5 {
		_, err := store.GetByID(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}

	mr.Close()
	var err error
	for range 10 {
		_, err = store.GetByID(ctx, "sub-1")
		require.Error(t, err)
		if errors.Is(err, governance.ErrCircuitOpen) {
			break
		}
	}
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)
}
