// ABOUTME: Redis backend for channel credentials using one hash per session
// ABOUTME: Clearing a session is a single DEL so concurrent readers never see half a session

package authstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each session as the hash <prefix><sessionID>.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (r *RedisBackend) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisBackend) GetAuthKey(ctx context.Context, sessionID, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.key(sessionID), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis HGET: %w", err)
	}
	return v, nil
}

func (r *RedisBackend) PutAuthKey(ctx context.Context, sessionID, key, value string) error {
	if err := r.client.HSet(ctx, r.key(sessionID), key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET: %w", err)
	}
	return nil
}

func (r *RedisBackend) DeleteAuthKey(ctx context.Context, sessionID, key string) error {
	if err := r.client.HDel(ctx, r.key(sessionID), key).Err(); err != nil {
		return fmt.Errorf("redis HDEL: %w", err)
	}
	return nil
}

func (r *RedisBackend) DeleteAuthKeys(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

// Close releases the redis connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
