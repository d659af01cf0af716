package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveFraudAttempt appends an entry to the attempt log.
func (r *SQLRepository) SaveFraudAttempt(ctx context.Context, tenantID string, a *domain.FraudAttempt) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.TenantID = tenantID

	query := `
		INSERT INTO fraud_attempts (
			id, tenant_id, order_id, user_id, identity_type, identity, type, score, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.OrderID, a.UserID, a.IdentityType, a.Identity, a.Type, a.Score, a.Details,
		a.CreatedAt.UTC(),
	)
	return err
}

// CountFraudAttempts counts distinct orders with an attempt against the
// identity since the given time. Several patterns detected on one order
// count once.
func (r *SQLRepository) CountFraudAttempts(ctx context.Context, tenantID string, idType domain.IdentityType, value string, since time.Time) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `
		SELECT COUNT(DISTINCT order_id)
		FROM fraud_attempts
		WHERE tenant_id = ? AND identity_type = ? AND identity = ? AND created_at >= ?
	`

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, idType, value, since.UTC()).Scan(&n)
	return n, err
}

// ListFraudAttempts returns the attempts recorded for an order.
func (r *SQLRepository) ListFraudAttempts(ctx context.Context, tenantID string, orderID string) ([]*domain.FraudAttempt, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, order_id, user_id, identity_type, identity, type, score, details, created_at
		FROM fraud_attempts
		WHERE tenant_id = ? AND order_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.FraudAttempt
	for rows.Next() {
		var a domain.FraudAttempt
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.OrderID, &a.UserID, &a.IdentityType, &a.Identity,
			&a.Type, &a.Score, &a.Details, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
