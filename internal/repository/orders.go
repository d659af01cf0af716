package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveOrder inserts a new order. An order id already stored for the tenant
// returns ErrConflict; stored orders change only through UpdateOrderStatus.
func (r *SQLRepository) SaveOrder(ctx context.Context, tenantID string, o *domain.Order) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	billing, err := marshalText(o.BillingAddress)
	if err != nil {
		return fmt.Errorf("encode billing address: %w", err)
	}
	shipping, err := marshalNullable(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}
	items, err := marshalText(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	createdAt := o.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := o.Status
	if status == "" {
		status = domain.OrderPending
	}

	query := `
		INSERT INTO orders (
			id, tenant_id, user_id, email, amount, currency, status, fraud_flagged,
			ip_address, user_agent, device_fingerprint,
			billing_address, shipping_address, items, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		o.ID, tenantID, o.UserID, strings.ToLower(strings.TrimSpace(o.Email)),
		o.Amount, o.Currency, status, boolToInt(o.FraudFlagged),
		o.IPAddress, o.UserAgent, o.DeviceFingerprint,
		billing, shipping, items, createdAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	return nil
}

// GetOrder retrieves an order by ID with tenant isolation.
func (r *SQLRepository) GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, user_id, email, amount, currency, status, fraud_flagged,
			   ip_address, user_agent, device_fingerprint,
			   billing_address, shipping_address, items, created_at
		FROM orders
		WHERE tenant_id = ? AND id = ?
	`

	var o domain.Order
	var flagged int
	var billing, items string
	var shipping sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, orderID).Scan(
		&o.ID, &o.TenantID, &o.UserID, &o.Email, &o.Amount, &o.Currency, &o.Status, &flagged,
		&o.IPAddress, &o.UserAgent, &o.DeviceFingerprint,
		&billing, &shipping, &items, &o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.FraudFlagged = flagged == 1
	if err := unmarshalText(billing, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("decode billing address: %w", err)
	}
	if shipping.Valid {
		var addr domain.Address
		if err := unmarshalText(shipping.String, &addr); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
		o.ShippingAddress = &addr
	}
	if err := unmarshalText(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	return &o, nil
}

// UpdateOrderStatus applies a fraud action to an order.
func (r *SQLRepository) UpdateOrderStatus(ctx context.Context, tenantID string, orderID string, status domain.OrderStatus, fraudFlagged bool) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `UPDATE orders SET status = ?, fraud_flagged = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, boolToInt(fraudFlagged), tenantID, orderID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// SaveUser inserts or replaces a buyer account.
func (r *SQLRepository) SaveUser(ctx context.Context, tenantID string, u *domain.User) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	createdAt := u.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, tenant_id, email, email_verified, phone_verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			email = excluded.email,
			email_verified = excluded.email_verified,
			phone_verified = excluded.phone_verified
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		u.ID, tenantID, strings.ToLower(strings.TrimSpace(u.Email)),
		boolToInt(u.EmailVerified), boolToInt(u.PhoneVerified), createdAt,
	)
	return err
}

// GetUser retrieves a buyer account with tenant isolation.
func (r *SQLRepository) GetUser(ctx context.Context, tenantID string, userID string) (*domain.User, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, email, email_verified, phone_verified, created_at
		FROM users
		WHERE tenant_id = ? AND id = ?
	`

	var u domain.User
	var emailVerified, phoneVerified int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(
		&u.ID, &u.TenantID, &u.Email, &emailVerified, &phoneVerified, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.EmailVerified = emailVerified == 1
	u.PhoneVerified = phoneVerified == 1
	return &u, nil
}

// GetOrderStats summarizes the user's orders within scope.
func (r *SQLRepository) GetOrderStats(ctx context.Context, tenantID string, scope domain.HistoryScope) (*domain.OrderStats, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if scope.UserID == "" {
		return &domain.OrderStats{}, nil
	}

	where, args := historyFilter(tenantID, scope)
	query := `SELECT COUNT(*), AVG(amount) FROM orders WHERE ` + where

	var stats domain.OrderStats
	var avg decimal.NullDecimal

	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&stats.Count, &avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AverageAmount = avg.Decimal.Round(4)
	}
	return &stats, nil
}

// CountOrdersSince counts the user's orders within scope created at or
// after since.
func (r *SQLRepository) CountOrdersSince(ctx context.Context, tenantID string, scope domain.HistoryScope, since time.Time) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	if scope.UserID == "" {
		return 0, nil
	}

	where, args := historyFilter(tenantID, scope)
	query := `SELECT COUNT(*) FROM orders WHERE ` + where + ` AND created_at >= ?`

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(query), append(args, since.UTC())...).Scan(&n)
	return n, err
}

// HasUsedDevice reports whether an order within scope came from the device.
func (r *SQLRepository) HasUsedDevice(ctx context.Context, tenantID string, scope domain.HistoryScope, fingerprint string) (bool, error) {
	return r.hasUsed(ctx, tenantID, scope, "device_fingerprint", fingerprint)
}

// HasUsedIP reports whether an order within scope came from the IP.
func (r *SQLRepository) HasUsedIP(ctx context.Context, tenantID string, scope domain.HistoryScope, ip string) (bool, error) {
	return r.hasUsed(ctx, tenantID, scope, "ip_address", ip)
}

// hasUsed is shared by the device and IP lookups. column is never user input.
func (r *SQLRepository) hasUsed(ctx context.Context, tenantID string, scope domain.HistoryScope, column, value string) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if scope.UserID == "" || value == "" {
		return false, nil
	}

	where, args := historyFilter(tenantID, scope)
	query := `SELECT COUNT(*) FROM orders WHERE ` + where + ` AND ` + column + ` = ?`

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), append(args, value)...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func historyFilter(tenantID string, scope domain.HistoryScope) (string, []any) {
	where := `tenant_id = ? AND user_id = ? AND id <> ?`
	args := []any{tenantID, scope.UserID, scope.ExcludeOrderID}
	if !scope.Before.IsZero() {
		where += ` AND created_at < ?`
		args = append(args, scope.Before.UTC())
	}
	return where, args
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
