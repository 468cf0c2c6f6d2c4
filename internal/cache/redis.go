package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kestrel:"

// observeScript keeps a counter as a hash {count, exp}. exp is the window
// end in unix milliseconds; an observation at or after exp opens a new window.
var observeScript = redis.NewScript(`
	local exp = tonumber(redis.call('HGET', KEYS[1], 'exp'))
	local at = tonumber(ARGV[1])
	if exp == nil or at >= exp then
		redis.call('HSET', KEYS[1], 'count', 1, 'exp', ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	return redis.call('HINCRBY', KEYS[1], 'count', 1)
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// Observe atomically records an observation using a Lua script.
func (c *RedisCache) Observe(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	atMs := at.UnixMilli()
	args := []any{
		strconv.FormatInt(atMs, 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.FormatInt(atMs+window.Milliseconds(), 10),
	}

	count, err := observeScript.Run(ctx, c.client, []string{keyPrefix + "counter:" + key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("observe counter %s: %w", key, err)
	}
	return count, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
