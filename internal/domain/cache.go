package domain

import (
	"context"
	"time"
)

// CounterStore holds windowed velocity counters.
type CounterStore interface {
	// Observe atomically records one observation for key at time at and
	// returns the count in the current window. When no counter exists, or
	// the existing one expired (at >= expiresAt), a new window starts with
	// count 1 and expiresAt = at + window.
	Observe(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error)
}

// Cache stores oracle results and, through CounterStore, velocity counters.
// Get returns nil, nil on a miss.
type Cache interface {
	CounterStore

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the cache backend. With EnableTwoPhase, reads try
// the local LRU before Redis and local entries live at most LocalTTL.
type CacheConfig struct {
	Type string `json:"type"` // memory | redis

	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb,omitempty"`

	EnableTwoPhase bool `json:"enableTwoPhase"`
}
