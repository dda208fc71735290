package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseStore implements LeaseStore on Redis
type RedisLeaseStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLeaseStore creates a Redis lease store and verifies the connection
func NewRedisLeaseStore(host string, port int, password string, db, poolSize int, logger *zap.Logger) (*RedisLeaseStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLeaseStoreWithClient(client, logger), nil
}

// NewRedisLeaseStoreWithClient wraps an existing client
func NewRedisLeaseStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisLeaseStore {
	return &RedisLeaseStore{
		client: client,
		logger: logger,
	}
}

// TryAcquire sets key to owner if it is unset. It returns false when another
// owner holds the lease.
func (s *RedisLeaseStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lease if owner still holds it
func (s *RedisLeaseStore) Release(ctx context.Context, key, owner string) error {
	released, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	if released == 0 {
		s.logger.Debug("Lease already expired or taken over",
			zap.String("key", key),
			zap.String("owner", owner))
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisLeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}
