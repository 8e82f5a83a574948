package failures_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/failures"
	"github.com/l0p7/calsync/internal/failures/failurestest"
)

func TestMemoryStoreContract(t *testing.T) {
	failurestest.Run(t, func(t *testing.T) failures.Store {
		return failures.NewMemory()
	})
}

func TestRedisStoreContract(t *testing.T) {
	failurestest.Run(t, func(t *testing.T) failures.Store {
		server := miniredis.RunT(t)
		store, err := failures.NewRedis(failures.RedisConfig{Address: server.Addr()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store
	})
}

func TestRedisStoreKeyPrefixIsolation(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	a, err := failures.NewRedis(failures.RedisConfig{Address: server.Addr(), KeyPrefix: "a:"})
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := failures.NewRedis(failures.RedisConfig{Address: server.Addr(), KeyPrefix: "b:"})
	require.NoError(t, err)
	defer b.Close(ctx)

	require.NoError(t, a.Insert(ctx, failures.Record{Key: "k", KeyType: failures.KeyTypeEvent, Timestamp: 1}))
	_, ok, err := b.Get(ctx, failures.KeyTypeEvent, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.DeleteAll(ctx))
	_, ok, err = a.Get(ctx, failures.KeyTypeEvent, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, server.Exists("a:failure:EVENT_KEY:k"))
}

func TestNewRedisRequiresAddress(t *testing.T) {
	_, err := failures.NewRedis(failures.RedisConfig{})
	require.Error(t, err)
}
