package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// invalidationChannel carries "tenant\nkey" payloads for near-tier deletes.
const invalidationChannel = "kestrel:cache:invalidate"

// New builds the cache named by cfg.Type. A redis cache with
// EnableTwoPhase gets an in-process near tier in front of it.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTieredCache(cfg)
		}
		return NewRedisCache(cfg)
	}
	return nil, fmt.Errorf("unsupported cache type: %q", cfg.Type)
}

// TieredCache reads values through a per-node MemoryCache before Redis.
// Velocity counters skip the near tier: every node must count the same
// orders. Deletes are broadcast over Redis pub/sub so a blacklist removal
// on one node evicts the entry everywhere.
type TieredCache struct {
	near    *MemoryCache
	shared  *RedisCache
	nearTTL time.Duration

	sub  *redis.PubSub
	done chan struct{}
}

func NewTieredCache(cfg domain.CacheConfig) (*TieredCache, error) {
	shared, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	t, err := newTiered(NewMemoryCache(cfg.LocalMaxSize), shared, cfg.LocalTTL)
	if err != nil {
		_ = shared.Close()
		return nil, err
	}
	return t, nil
}

func newTiered(near *MemoryCache, shared *RedisCache, nearTTL time.Duration) (*TieredCache, error) {
	if nearTTL <= 0 {
		nearTTL = time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	sub := shared.rdb.Subscribe(ctx, invalidationChannel)
	// Wait for the subscription to be confirmed so no delete is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", invalidationChannel, err)
	}

	t := &TieredCache{
		near:    near,
		shared:  shared,
		nearTTL: nearTTL,
		sub:     sub,
		done:    make(chan struct{}),
	}
	go t.listen(sub.Channel())
	return t, nil
}

func (t *TieredCache) listen(msgs <-chan *redis.Message) {
	defer close(t.done)
	for msg := range msgs {
		tenantID, key, ok := strings.Cut(msg.Payload, "\n")
		if !ok {
			continue
		}
		if err := t.near.Delete(context.Background(), tenantID, key); err == nil {
			metrics.CacheInvalidationsTotal.Inc()
		}
	}
}

func (t *TieredCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	data, err := t.near.lookup(tenantID, key)
	if err != nil {
		return nil, err
	}
	metrics.ObserveCacheLookup("near", data != nil)
	if data != nil {
		return data, nil
	}

	data, err = t.shared.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return data, err
	}
	_ = t.near.Set(ctx, tenantID, key, data, t.nearTTL)
	return data, nil
}

// Set writes Redis with ttl and the near tier with min(ttl, nearTTL).
func (t *TieredCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if err := t.near.Set(ctx, tenantID, key, value, min(ttl, t.nearTTL)); err != nil {
		return err
	}
	return t.shared.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes the key from Redis and from every node's near tier.
func (t *TieredCache) Delete(ctx context.Context, tenantID, key string) error {
	if err := t.shared.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	if err := t.near.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	if err := t.shared.rdb.Publish(ctx, invalidationChannel, tenantID+"\n"+key).Err(); err != nil {
		slog.Warn("cache invalidation not broadcast",
			"tenant_id", tenantID,
			"key", key,
			"error", err,
		)
	}
	return nil
}

func (t *TieredCache) IncrementCounter(ctx context.Context, tenantID, key string, span time.Duration) (int64, error) {
	return t.shared.IncrementCounter(ctx, tenantID, key, span)
}

func (t *TieredCache) GetCounter(ctx context.Context, tenantID, key string) (int64, error) {
	return t.shared.GetCounter(ctx, tenantID, key)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.shared.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return nil
}

// Close stops the invalidation listener before closing Redis.
func (t *TieredCache) Close() error {
	_ = t.sub.Close()
	<-t.done
	_ = t.near.Close()
	return t.shared.Close()
}

// Stats reports the near tier's size and capacity.
func (t *TieredCache) Stats() (size int, capacity int) {
	return t.near.Stats()
}
