package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FindBlacklistEntry looks up an exact (type, value) entry.
func (r *SQLRepository) FindBlacklistEntry(ctx context.Context, tenantID string, idType domain.IdentityType, value string) (*domain.BlacklistEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, type, value, reason, severity, source, created_at
		FROM blacklist_entries
		WHERE tenant_id = ? AND type = ? AND value = ?
	`

	e, err := scanBlacklistEntry(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, idType, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// AddBlacklistEntry creates an entry unless the (type, value) pair is
// already present. The existing entry is left untouched.
func (r *SQLRepository) AddBlacklistEntry(ctx context.Context, tenantID string, e *domain.BlacklistEntry) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.TenantID = tenantID

	query := `
		INSERT INTO blacklist_entries (id, tenant_id, type, value, reason, severity, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, type, value) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, tenantID, e.Type, e.Value, e.Reason, e.Severity, e.Source, e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveBlacklistEntry deletes an entry.
func (r *SQLRepository) RemoveBlacklistEntry(ctx context.Context, tenantID string, idType domain.IdentityType, value string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `DELETE FROM blacklist_entries WHERE tenant_id = ? AND type = ? AND value = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, idType, value)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ListBlacklistEntries returns a tenant's entries, newest first.
func (r *SQLRepository) ListBlacklistEntries(ctx context.Context, tenantID string) ([]*domain.BlacklistEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, type, value, reason, severity, source, created_at
		FROM blacklist_entries
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.BlacklistEntry
	for rows.Next() {
		e, err := scanBlacklistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanBlacklistEntry(row rowScanner) (*domain.BlacklistEntry, error) {
	var e domain.BlacklistEntry
	if err := row.Scan(&e.ID, &e.TenantID, &e.Type, &e.Value, &e.Reason, &e.Severity, &e.Source, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
