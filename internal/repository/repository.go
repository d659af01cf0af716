// Package repository stores orders, users, scores, rules, blacklist
// entries and fraud attempts in SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
	ErrConflict     = domain.ErrConflict
)

// migrateTimeout bounds schema creation at startup.
const migrateTimeout = 30 * time.Second

// dialect names the SQL flavour queries are rewritten for.
type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// bind rewrites "?" placeholders into "$1", "$2", ... for PostgreSQL.
// Queries are written with "?" and never contain a literal question mark.
func (d dialect) bind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, part := range strings.SplitAfter(query, "?") {
		if !strings.HasSuffix(part, "?") {
			b.WriteString(part)
			continue
		}
		n++
		b.WriteString(part[:len(part)-1])
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// SQLRepository implements domain.Repository on database/sql.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

var _ domain.Repository = (*SQLRepository)(nil)

// New opens the configured database, sizes its pool and creates any
// missing tables.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var (
		db  *sql.DB
		err error
	)
	d := dialect(cfg.Driver)
	switch d {
	case dialectSQLite:
		db, err = openSQLite(cfg)
	case dialectPostgres:
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported repository driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	tunePool(db, cfg)

	repo := &SQLRepository{db: db, dialect: d}
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s schema: %w", cfg.Driver, err)
	}
	return repo, nil
}

func tunePool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// migrate creates every table and index in one transaction so a failed
// start leaves no half-built schema behind.
func (r *SQLRepository) migrate(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range AllSchemas() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLRepository) rebind(query string) string {
	return r.dialect.bind(query)
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Stats feeds the connection pool gauges.
func (r *SQLRepository) Stats() sql.DBStats {
	return r.db.Stats()
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// marshalNullable stores a nil pointer as SQL NULL.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalText(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func unmarshalText(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
