package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duynhne/session-service/internal/core/domain"
)

// Default timeouts for cache operations. The cache is optional, so these stay
// short enough that a slow redis never dominates a request.
const (
	DefaultCacheDialTimeout = 2 * time.Second
	DefaultCacheIOTimeout   = 500 * time.Millisecond
)

// RedisProfileCache implements domain.ProfileCache on redis.
type RedisProfileCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ domain.ProfileCache = (*RedisProfileCache)(nil)

// NewRedisProfileCache connects using a redis:// URL and verifies the connection.
func NewRedisProfileCache(ctx context.Context, redisURL string) (*RedisProfileCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = DefaultCacheDialTimeout
	opts.ReadTimeout = DefaultCacheIOTimeout
	opts.WriteTimeout = DefaultCacheIOTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisProfileCacheWithClient(client, ""), nil
}

// NewRedisProfileCacheWithClient wraps a pre-configured client.
func NewRedisProfileCacheWithClient(client redis.UniversalClient, keyPrefix string) *RedisProfileCache {
	return &RedisProfileCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisProfileCache) Get(ctx context.Context, key string) (*domain.Profile, error) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &p, nil
}

func (c *RedisProfileCache) Set(ctx context.Context, key string, profile *domain.Profile, ttl time.Duration) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *RedisProfileCache) Close() error {
	return c.client.Close()
}
