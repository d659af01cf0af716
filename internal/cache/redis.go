package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	redisKeyPrefix = "kestrel:"
	dialTimeout    = 5 * time.Second
)

// windowIncr arms the expiry only when INCR creates the key, so the window
// is fixed from the first order rather than sliding with every order.
var windowIncr = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCache shares values and velocity counters between Kestrel nodes.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache dials Redis and fails fast when the server does not answer
// a PING.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func (r *RedisCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}
	data, err := r.rdb.Get(ctx, redisKey(tenantID, key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.ObserveCacheLookup("redis", false)
		return nil, nil
	case err != nil:
		return nil, err
	}
	metrics.ObserveCacheLookup("redis", true)
	return data, nil
}

func (r *RedisCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}
	return r.rdb.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, tenantID, key string) error {
	if tenantID == "" {
		return errNoTenant
	}
	return r.rdb.Del(ctx, redisKey(tenantID, key)).Err()
}

// IncrementCounter runs INCR and PEXPIRE as one script so concurrent
// nodes cannot leave a counter without an expiry.
func (r *RedisCache) IncrementCounter(ctx context.Context, tenantID, key string, span time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	if span <= 0 {
		return 0, errBadWindow
	}
	keys := []string{redisKey(tenantID, counterPrefix+key)}
	return windowIncr.Run(ctx, r.rdb, keys, span.Milliseconds()).Int64()
}

func (r *RedisCache) GetCounter(ctx context.Context, tenantID, key string) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	n, err := r.rdb.Get(ctx, redisKey(tenantID, counterPrefix+key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.rdb.Close()
}

func redisKey(tenantID, key string) string {
	return redisKeyPrefix + scopedKey(tenantID, key)
}
