package blacklist

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "blacklist-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func recordAttempt(t *testing.T, repo *repository.SQLRepository, tenantID, orderID, ip string, at time.Time) {
	t.Helper()
	require.NoError(t, repo.SaveFraudAttempt(context.Background(), tenantID, &domain.FraudAttempt{
		OrderID:      orderID,
		IdentityType: domain.IdentityIP,
		Identity:     ip,
		Type:         domain.AttemptHighRisk,
		Score:        75,
		CreatedAt:    at,
	}))
}

func TestAutoBlacklister(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"
	ip := "198.51.100.23"
	now := time.Now().UTC()

	tx := domain.TransactionContext{TenantID: tenantID, OrderID: "ord-5", IPAddress: ip}

	t.Run("BlacklistsAtThreshold", func(t *testing.T) {
		repo := newRepo(t)
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		events := make(chan *domain.Message, 1)
		_, err := eventBus.Subscribe(ctx, tenantID, domain.TopicBlacklistAdded, func(_ context.Context, msg *domain.Message) error {
			events <- msg
			return nil
		})
		require.NoError(t, err)

		checker := NewChecker(repo, nil, nil, 0)
		auto := NewAutoBlacklister(repo, checker, eventBus, AutoConfig{Enabled: true, Threshold: 5, Window: 24 * time.Hour})

		for i := 1; i <= 4; i++ {
			recordAttempt(t, repo, tenantID, fmt.Sprintf("ord-%d", i), ip, now.Add(-time.Duration(i)*time.Hour))
		}

		created, err := auto.Evaluate(ctx, tenantID, tx)
		require.NoError(t, err)
		assert.Empty(t, created, "four attempts stay below the threshold")

		recordAttempt(t, repo, tenantID, "ord-5", ip, now)

		created, err = auto.Evaluate(ctx, tenantID, tx)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, domain.IdentityIP, created[0].Type)
		assert.Equal(t, domain.SourceAuto, created[0].Source)
		assert.Equal(t, domain.SeverityHigh, created[0].Severity)
		assert.Equal(t, domain.AutoBlacklistReason, created[0].Reason)

		match, err := checker.Check(ctx, tenantID, tx.Identities())
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, ip, match.Value)

		select {
		case msg := <-events:
			var event AddedEvent
			require.NoError(t, bus.Decode(msg, &event))
			assert.Equal(t, "ord-5", event.OrderID)
			assert.Equal(t, 5, event.Count)
		case <-time.After(time.Second):
			t.Fatal("expected blacklist added event")
		}

		created, err = auto.Evaluate(ctx, tenantID, tx)
		require.NoError(t, err)
		assert.Empty(t, created, "existing entries are not recreated")
	})

	t.Run("SameOrderCountsOnce", func(t *testing.T) {
		repo := newRepo(t)
		auto := NewAutoBlacklister(repo, NewChecker(repo, nil, nil, 0), nil, AutoConfig{Enabled: true, Threshold: 2, Window: time.Hour})

		recordAttempt(t, repo, tenantID, "ord-1", ip, now)
		recordAttempt(t, repo, tenantID, "ord-1", ip, now)

		created, err := auto.Evaluate(ctx, tenantID, tx)
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("IgnoresAttemptsOutsideWindow", func(t *testing.T) {
		repo := newRepo(t)
		auto := NewAutoBlacklister(repo, NewChecker(repo, nil, nil, 0), nil, AutoConfig{Enabled: true, Threshold: 2, Window: time.Hour})

		recordAttempt(t, repo, tenantID, "ord-1", ip, now.Add(-2*time.Hour))
		recordAttempt(t, repo, tenantID, "ord-2", ip, now)

		created, err := auto.Evaluate(ctx, tenantID, tx)
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("Disabled", func(t *testing.T) {
		repo := newRepo(t)
		auto := NewAutoBlacklister(repo, NewChecker(repo, nil, nil, 0), nil, AutoConfig{Enabled: false, Threshold: 1})

		recordAttempt(t, repo, tenantID, "ord-1", ip, now)

		created, err := auto.Evaluate(ctx, tenantID, tx)
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("ConfigDefaults", func(t *testing.T) {
		cfg := AutoConfigFrom(domain.DefaultConfig().Blacklist)
		assert.True(t, cfg.Enabled)
		assert.Equal(t, 5, cfg.Threshold)
		assert.Equal(t, 24*time.Hour, cfg.Window)
	})
}
