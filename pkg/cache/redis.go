package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKeyPrefix namespaces ledger keys in a shared Redis.
const DefaultKeyPrefix = "amqp-trigger:seen:"

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix is prepended to every message ID. Defaults to DefaultKeyPrefix.
	KeyPrefix string
	// TTL bounds how long an ID is remembered. Zero keeps IDs forever.
	TTL time.Duration
}

// RedisLedger is a distributed Ledger shared by every instance consuming
// the same queue.
type RedisLedger struct {
	redisClient redis.UniversalClient
	logger      zerolog.Logger
	prefix      string
	ttl         time.Duration
	ownsClient  bool
}

// NewRedisLedger creates and connects a new RedisLedger.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisLedger(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for ledger: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for delivery ledger.")

	l := NewRedisLedgerFromClient(rdb, cfg, logger)
	l.ownsClient = true
	return l, nil
}

// NewRedisLedgerFromClient wraps an existing client. Close leaves the client open.
func NewRedisLedgerFromClient(client redis.UniversalClient, cfg *RedisConfig, logger zerolog.Logger) *RedisLedger {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLedger{
		redisClient: client,
		logger:      logger.With().Str("component", "RedisLedger").Logger(),
		prefix:      prefix,
		ttl:         cfg.TTL,
	}
}

// Seen checks whether the ID key exists.
func (l *RedisLedger) Seen(ctx context.Context, id string) (bool, error) {
	key := l.prefix + id
	n, err := l.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed for key %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkSeen stores the ID key with the configured TTL.
func (l *RedisLedger) MarkSeen(ctx context.Context, id string) error {
	key := l.prefix + id
	if err := l.redisClient.Set(ctx, key, time.Now().UTC().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s in redis: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection if the ledger created it.
func (l *RedisLedger) Close() error {
	if l.ownsClient && l.redisClient != nil {
		return l.redisClient.Close()
	}
	return nil
}
