// Package cache holds the key/value and windowed counter stores behind
// blacklist lookups and velocity tracking.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

var (
	errNoTenant   = errors.New("cache: tenant id is required")
	errBadWindow  = errors.New("cache: counter window must be positive")
	defaultMaxLen = 10000
)

// MemoryCache is an in-process store: an LRU of values with per-entry
// expiry, plus fixed-window counters. It backs single-node deployments and
// serves as the near tier of a TieredCache.
type MemoryCache struct {
	mu      sync.RWMutex
	limit   int
	values  map[string]*list.Element
	recency *list.List // front is most recently used
	windows map[string]*window
	clock   func() time.Time
}

type slot struct {
	key     string
	data    []byte
	expires time.Time
}

type window struct {
	hits    int64
	expires time.Time
}

// NewMemoryCache returns a store holding at most limit values and limit
// counters. A non-positive limit falls back to 10000.
func NewMemoryCache(limit int) *MemoryCache {
	if limit <= 0 {
		limit = defaultMaxLen
	}
	m := &MemoryCache{limit: limit, clock: time.Now}
	m.reset()
	return m
}

func (m *MemoryCache) reset() {
	m.values = make(map[string]*list.Element)
	m.recency = list.New()
	m.windows = make(map[string]*window)
}

func (m *MemoryCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	data, err := m.lookup(tenantID, key)
	if err == nil {
		metrics.ObserveCacheLookup("near", data != nil)
	}
	return data, err
}

// lookup is Get without instrumentation, so the tiered cache can count
// near hits once.
func (m *MemoryCache) lookup(tenantID, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}
	k := scopedKey(tenantID, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.values[k]
	if !ok {
		return nil, nil
	}
	s := el.Value.(*slot)
	if m.clock().After(s.expires) {
		m.drop(el)
		return nil, nil
	}
	m.recency.MoveToFront(el)
	return s.data, nil
}

func (m *MemoryCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}
	k := scopedKey(tenantID, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	expires := m.clock().Add(ttl)
	if el, ok := m.values[k]; ok {
		s := el.Value.(*slot)
		s.data, s.expires = value, expires
		m.recency.MoveToFront(el)
		return nil
	}

	m.values[k] = m.recency.PushFront(&slot{key: k, data: value, expires: expires})
	for m.recency.Len() > m.limit {
		m.drop(m.recency.Back())
	}
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, tenantID, key string) error {
	if tenantID == "" {
		return errNoTenant
	}
	m.mu.Lock()
	if el, ok := m.values[scopedKey(tenantID, key)]; ok {
		m.drop(el)
	}
	m.mu.Unlock()
	return nil
}

// IncrementCounter bumps a fixed-window counter. The first increment after
// the window lapses starts a fresh window at 1.
func (m *MemoryCache) IncrementCounter(ctx context.Context, tenantID, key string, span time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	if span <= 0 {
		return 0, errBadWindow
	}
	k := scopedKey(tenantID, counterPrefix+key)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if w, ok := m.windows[k]; ok && !now.After(w.expires) {
		w.hits++
		return w.hits, nil
	}
	if len(m.windows) >= m.limit {
		m.sweepWindows(now)
	}
	if len(m.windows) >= m.limit {
		m.evictSoonest()
	}
	m.windows[k] = &window{hits: 1, expires: now.Add(span)}
	return 1, nil
}

func (m *MemoryCache) GetCounter(ctx context.Context, tenantID, key string) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.windows[scopedKey(tenantID, counterPrefix+key)]
	if !ok || m.clock().After(w.expires) {
		return 0, nil
	}
	return w.hits, nil
}

func (m *MemoryCache) Ping(ctx context.Context) error { return nil }

// Close discards every value and counter.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
	return nil
}

// Stats reports how many values are held and the configured limit.
func (m *MemoryCache) Stats() (size int, capacity int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recency.Len(), m.limit
}

// sweepWindows must be called with the write lock held.
func (m *MemoryCache) sweepWindows(now time.Time) {
	for k, w := range m.windows {
		if now.After(w.expires) {
			delete(m.windows, k)
		}
	}
}

// evictSoonest drops the live window closest to expiry. It must be called
// with the write lock held.
func (m *MemoryCache) evictSoonest() {
	var (
		victim string
		first  time.Time
	)
	for k, w := range m.windows {
		if victim == "" || w.expires.Before(first) {
			victim, first = k, w.expires
		}
	}
	delete(m.windows, victim)
}

func (m *MemoryCache) drop(el *list.Element) {
	if el == nil {
		return
	}
	m.recency.Remove(el)
	delete(m.values, el.Value.(*slot).key)
}

const counterPrefix = "counter:"

func scopedKey(tenantID, key string) string {
	return tenantID + ":" + key
}
