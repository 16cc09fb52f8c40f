package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const seedChunk = 500

// RedisStore shares the known set between dispatcher instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisClient creates a client with conservative timeouts.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

// NewRedisStore stores one key per hash under prefix. ttl <= 0 keeps keys forever.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(hash string) string { return r.prefix + normalize(hash) }

// Contains reports whether the hash key exists.
func (r *RedisStore) Contains(ctx context.Context, hash string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", hash, err)
	}
	return n > 0, nil
}

// Add records hash.
func (r *RedisStore) Add(ctx context.Context, hash string) error {
	if err := r.client.Set(ctx, r.key(hash), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", hash, err)
	}
	return nil
}

// Seed records hashes in pipelined chunks.
func (r *RedisStore) Seed(ctx context.Context, hashes []string) error {
	for start := 0; start < len(hashes); start += seedChunk {
		end := min(start+seedChunk, len(hashes))
		pipe := r.client.Pipeline()
		for _, h := range hashes[start:end] {
			pipe.Set(ctx, r.key(h), 1, r.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis seed: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
