package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-amqptrigger/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := &cache.RedisConfig{
		Addr: mr.Addr(),
		TTL:  time.Minute,
	}
	ledger, err := cache.NewRedisLedger(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	t.Run("Mark and check cycle", func(t *testing.T) {
		seen, err := ledger.Seen(ctx, "order-1")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, ledger.MarkSeen(ctx, "order-1"))

		seen, err = ledger.Seen(ctx, "order-1")
		require.NoError(t, err)
		assert.True(t, seen)

		// Verify directly in Redis that the prefixed key exists with a TTL.
		assert.True(t, mr.Exists(cache.DefaultKeyPrefix+"order-1"))
		assert.Equal(t, time.Minute, mr.TTL(cache.DefaultKeyPrefix+"order-1"))
	})

	t.Run("IDs expire after the TTL", func(t *testing.T) {
		require.NoError(t, ledger.MarkSeen(ctx, "order-2"))
		mr.FastForward(2 * time.Minute)

		seen, err := ledger.Seen(ctx, "order-2")
		require.NoError(t, err)
		assert.False(t, seen)
	})
}

func TestRedisLedger_SharedClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger := cache.NewRedisLedgerFromClient(client, &cache.RedisConfig{KeyPrefix: "billing:"}, zerolog.Nop())
	require.NoError(t, ledger.MarkSeen(ctx, "inv-9"))
	assert.True(t, mr.Exists("billing:inv-9"))
	assert.Equal(t, time.Duration(0), mr.TTL("billing:inv-9"))

	// Closing the ledger must not close a client it does not own.
	require.NoError(t, ledger.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestNewRedisLedger_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cache.NewRedisLedger(ctx, &cache.RedisConfig{Addr: addr}, zerolog.Nop())
	assert.Error(t, err)
}
