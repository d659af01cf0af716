// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// OrderStore persists orders and buyer accounts.
type OrderStore interface {
	// SaveOrder inserts a new order, or returns ErrConflict if the id is taken.
	SaveOrder(ctx context.Context, tenantID string, order *Order) error
	GetOrder(ctx context.Context, tenantID string, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, tenantID string, orderID string, status OrderStatus, fraudFlagged bool) error

	SaveUser(ctx context.Context, tenantID string, user *User) error
	GetUser(ctx context.Context, tenantID string, userID string) (*User, error)
}

// HistoryStore answers read-only questions about a buyer's prior orders,
// as selected by a HistoryScope.
type HistoryStore interface {
	GetOrderStats(ctx context.Context, tenantID string, scope HistoryScope) (*OrderStats, error)
	CountOrdersSince(ctx context.Context, tenantID string, scope HistoryScope, since time.Time) (int, error)
	HasUsedDevice(ctx context.Context, tenantID string, scope HistoryScope, fingerprint string) (bool, error)
	HasUsedIP(ctx context.Context, tenantID string, scope HistoryScope, ip string) (bool, error)
}

// HistoryScope selects the orders that count as history for one
// evaluation: the user's orders other than ExcludeOrderID created strictly
// before Before. A zero Before leaves the upper bound open.
type HistoryScope struct {
	UserID         string
	ExcludeOrderID string
	Before         time.Time
}

// HistoryOf scopes history to orders placed before tx.
func HistoryOf(tx TransactionContext) HistoryScope {
	return HistoryScope{UserID: tx.UserID, ExcludeOrderID: tx.OrderID, Before: tx.Timestamp}
}

// TriggerRecorder stores rule trigger events.
type TriggerRecorder interface {
	// RecordRuleTrigger stores a trigger of ruleID by orderID and bumps the
	// rule's counter according to counting. It reports whether the counter
	// was incremented.
	RecordRuleTrigger(ctx context.Context, tenantID string, ruleID string, orderID string, counting TriggerCounting) (bool, error)
}

// RuleStore persists rule configuration.
type RuleStore interface {
	TriggerRecorder

	SaveRule(ctx context.Context, tenantID string, rule *Rule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*Rule, error)
	// ListRules returns rules ordered by creation time, then id.
	ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*Rule, error)
	DeactivateRule(ctx context.Context, tenantID string, ruleID string) error
}

// ScoreStore persists FraudScores.
type ScoreStore interface {
	SaveFraudScore(ctx context.Context, tenantID string, score *FraudScore) error
	GetLatestFraudScore(ctx context.Context, tenantID string, orderID string) (*FraudScore, error)
	DeleteFraudScores(ctx context.Context, tenantID string, orderID string) (int64, error)
	UpdateFraudScoreReview(ctx context.Context, tenantID string, scoreID string, status ScoreStatus, reviewer string, notes string, at time.Time) error
}

// BlacklistStore persists blacklist entries.
type BlacklistStore interface {
	FindBlacklistEntry(ctx context.Context, tenantID string, idType IdentityType, value string) (*BlacklistEntry, error)

	// AddBlacklistEntry creates the entry unless one already exists for the
	// same (type, value). It reports whether a row was created.
	AddBlacklistEntry(ctx context.Context, tenantID string, entry *BlacklistEntry) (bool, error)
	RemoveBlacklistEntry(ctx context.Context, tenantID string, idType IdentityType, value string) error
	ListBlacklistEntries(ctx context.Context, tenantID string) ([]*BlacklistEntry, error)
}

// AttemptStore persists the fraud attempt audit log.
type AttemptStore interface {
	SaveFraudAttempt(ctx context.Context, tenantID string, attempt *FraudAttempt) error

	// CountFraudAttempts counts distinct orders with at least one attempt
	// recorded against the identity since the given time.
	CountFraudAttempts(ctx context.Context, tenantID string, idType IdentityType, value string, since time.Time) (int, error)
	ListFraudAttempts(ctx context.Context, tenantID string, orderID string) ([]*FraudAttempt, error)
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	OrderStore
	HistoryStore
	RuleStore
	ScoreStore
	BlacklistStore
	AttemptStore

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
