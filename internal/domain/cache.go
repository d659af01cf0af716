package domain

import (
	"context"
	"time"
)

// Cache is the key/value and counter store used for blacklist lookups and
// velocity windows. Keys are always scoped by tenant; an empty tenantID
// is an error.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// IncrementCounter adds one to a fixed-window counter and returns the
	// new count. The window starts at the first increment.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// GetCounter reads a counter; missing or expired counters read as zero.
	GetCounter(ctx context.Context, tenantID string, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Type is "memory" (single node) or "redis" (shared between nodes).
	Type string `koanf:"type"`

	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// EnableTwoPhase puts a per-node memory tier in front of Redis.
	// Counters always go to Redis.
	EnableTwoPhase bool `koanf:"enable_two_phase"`
}
