package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the fast-tier interface. All Redis operations go through here.
// Implementations must be safe for concurrent use. The fast tier can fail
// or be unavailable at any time without warning; callers own the fallback.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	ListAppend(ctx context.Context, key string, values ...[]byte) error
	ListRange(ctx context.Context, key string) ([][]byte, error)
	ListSet(ctx context.Context, key string, index int64, value []byte) error
	ListTrim(ctx context.Context, key string, keepLast int64) error
	ListReplace(ctx context.Context, key string, values [][]byte) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) ListAppend(ctx context.Context, key string, values ...[]byte) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.client.RPush(ctx, key, args...).Err()
}

func (c *RedisCache) ListRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *RedisCache) ListSet(ctx context.Context, key string, index int64, value []byte) error {
	return c.client.LSet(ctx, key, index, value).Err()
}

// ListTrim keeps only the last keepLast entries.
func (c *RedisCache) ListTrim(ctx context.Context, key string, keepLast int64) error {
	return c.client.LTrim(ctx, key, -keepLast, -1).Err()
}

// ListReplace atomically swaps the list contents: delete plus re-append in
// one transaction, so a concurrent reader never sees a half-built list.
func (c *RedisCache) ListReplace(ctx context.Context, key string, values [][]byte) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}
