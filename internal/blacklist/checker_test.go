package blacklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// memStore is an in-memory BlacklistStore that can be made to fail.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*domain.BlacklistEntry
	finds   int
	err     error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*domain.BlacklistEntry)}
}

func (s *memStore) key(tenantID string, t domain.IdentityType, v string) string {
	return tenantID + "|" + string(t) + "|" + v
}

func (s *memStore) FindBlacklistEntry(_ context.Context, tenantID string, t domain.IdentityType, v string) (*domain.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.err != nil {
		return nil, s.err
	}
	e, ok := s.entries[s.key(tenantID, t, v)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) AddBlacklistEntry(_ context.Context, tenantID string, e *domain.BlacklistEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(tenantID, e.Type, e.Value)
	if _, ok := s.entries[k]; ok {
		return false, nil
	}
	e.TenantID = tenantID
	e.CreatedAt = time.Now().UTC()
	cp := *e
	s.entries[k] = &cp
	return true, nil
}

func (s *memStore) RemoveBlacklistEntry(_ context.Context, tenantID string, t domain.IdentityType, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(tenantID, t, v)
	if _, ok := s.entries[k]; !ok {
		return domain.ErrNotFound
	}
	delete(s.entries, k)
	return nil
}

func (s *memStore) ListBlacklistEntries(_ context.Context, tenantID string) ([]*domain.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BlacklistEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestChecker(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	ids := []domain.Identity{
		{Type: domain.IdentityIP, Value: "203.0.113.7"},
		{Type: domain.IdentityEmail, Value: "buyer@example.com"},
		{Type: domain.IdentityUser, Value: "user-1"},
	}

	t.Run("NoMatch", func(t *testing.T) {
		c := NewChecker(newMemStore(), nil, nil, 0)
		match, err := c.Check(ctx, tenantID, ids)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("FirstHitWins", func(t *testing.T) {
		store := newMemStore()
		c := NewChecker(store, nil, nil, 0)

		_, err := c.Add(ctx, tenantID, &domain.BlacklistEntry{Type: domain.IdentityUser, Value: "user-1", Reason: "chargebacks"})
		require.NoError(t, err)
		_, err = c.Add(ctx, tenantID, &domain.BlacklistEntry{Type: domain.IdentityEmail, Value: "Buyer@Example.com", Reason: "stolen card", Severity: domain.SeverityCritical})
		require.NoError(t, err)

		match, err := c.Check(ctx, tenantID, ids)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, domain.IdentityEmail, match.Type)
		assert.Equal(t, "stolen card", match.Reason)
		assert.Equal(t, domain.SeverityCritical, match.Severity)
		assert.False(t, match.Unverified)
	})

	t.Run("TenantScoped", func(t *testing.T) {
		c := NewChecker(newMemStore(), nil, nil, 0)
		_, err := c.Add(ctx, "tenant-002", &domain.BlacklistEntry{Type: domain.IdentityIP, Value: "203.0.113.7"})
		require.NoError(t, err)

		match, err := c.Check(ctx, tenantID, ids)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("FailOpenSkipsErrors", func(t *testing.T) {
		store := newMemStore()
		store.err = errors.New("connection refused")
		c := NewChecker(store, nil, domain.FailOpen{}, 0)

		match, err := c.Check(ctx, tenantID, ids)
		require.NoError(t, err)
		assert.Nil(t, match)
		assert.Equal(t, len(ids), store.finds)
	})

	t.Run("FailClosedSynthesizesMatch", func(t *testing.T) {
		store := newMemStore()
		store.err = errors.New("connection refused")
		c := NewChecker(store, nil, domain.FailClosed{}, 0)

		match, err := c.Check(ctx, tenantID, ids)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.True(t, match.Unverified)
		assert.Equal(t, UnavailableReason, match.Reason)
		assert.Equal(t, domain.SeverityCritical, match.Severity)
		assert.Equal(t, domain.IdentityIP, match.Type)
	})

	t.Run("CachesHits", func(t *testing.T) {
		store := newMemStore()
		c := NewChecker(store, cache.NewMemoryCache(100), nil, time.Minute)
		_, err := c.Add(ctx, tenantID, &domain.BlacklistEntry{Type: domain.IdentityIP, Value: "203.0.113.7"})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			match, err := c.Check(ctx, tenantID, ids[:1])
			require.NoError(t, err)
			require.NotNil(t, match)
		}
		assert.Equal(t, 1, store.finds)
	})

	t.Run("RemoveInvalidatesCache", func(t *testing.T) {
		store := newMemStore()
		c := NewChecker(store, cache.NewMemoryCache(100), nil, time.Minute)
		_, err := c.Add(ctx, tenantID, &domain.BlacklistEntry{Type: domain.IdentityIP, Value: "203.0.113.7"})
		require.NoError(t, err)

		match, err := c.Check(ctx, tenantID, ids[:1])
		require.NoError(t, err)
		require.NotNil(t, match)

		require.NoError(t, c.Remove(ctx, tenantID, domain.IdentityIP, "203.0.113.7"))

		match, err = c.Check(ctx, tenantID, ids[:1])
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c := NewChecker(newMemStore(), nil, nil, 0)
		_, err := c.Check(ctx, "", ids)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestCheckerAdd(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(newMemStore(), nil, nil, 0)

	t.Run("Defaults", func(t *testing.T) {
		entry := &domain.BlacklistEntry{Type: "EMAIL", Value: "  Fraud@Example.COM "}
		created, err := c.Add(ctx, "tenant-001", entry)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, domain.IdentityEmail, entry.Type)
		assert.Equal(t, "fraud@example.com", entry.Value)
		assert.Equal(t, domain.SeverityMedium, entry.Severity)
		assert.Equal(t, domain.SourceManual, entry.Source)
	})

	t.Run("CreateIfAbsent", func(t *testing.T) {
		created, err := c.Add(ctx, "tenant-001", &domain.BlacklistEntry{Type: domain.IdentityEmail, Value: "fraud@example.com"})
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("RejectsBadInput", func(t *testing.T) {
		_, err := c.Add(ctx, "tenant-001", &domain.BlacklistEntry{Type: "phone", Value: "555"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = c.Add(ctx, "tenant-001", &domain.BlacklistEntry{Type: domain.IdentityIP, Value: "   "})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("GetAndList", func(t *testing.T) {
		entry, err := c.Get(ctx, "tenant-001", domain.IdentityEmail, "FRAUD@example.com")
		require.NoError(t, err)
		assert.Equal(t, "fraud@example.com", entry.Value)

		entries, err := c.List(ctx, "tenant-001")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}
