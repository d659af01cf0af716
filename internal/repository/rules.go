package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleColumns = `id, tenant_id, name, description, type, priority, active,
	conditions, expression, score, action, trigger_count, created_at, updated_at`

// SaveRule stores a rule with tenant isolation. Saving an existing rule
// keeps its trigger counter and creation time.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	conditions, err := marshalText(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			priority = excluded.priority,
			active = excluded.active,
			conditions = excluded.conditions,
			expression = excluded.expression,
			score = excluded.score,
			action = excluded.action,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Type, rule.Priority,
		boolToInt(rule.Active), conditions, rule.Expression, rule.Score, rule.Action,
		createdAt, now,
	)
	return err
}

// GetRule retrieves a rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns a tenant's rules in creation order.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Rule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeactivateRule soft-deletes a rule by setting active = 0.
func (r *SQLRepository) DeactivateRule(ctx context.Context, tenantID string, ruleID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `UPDATE rules SET active = 0, updated_at = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// RecordRuleTrigger stores the (rule, order) trigger event and bumps the
// rule's counter. tenantID is the order's tenant; the rule itself may be
// global. Under CountDedupe the counter moves only when the event is new.
func (r *SQLRepository) RecordRuleTrigger(ctx context.Context, tenantID string, ruleID string, orderID string, counting domain.TriggerCounting) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO rule_triggers (tenant_id, rule_id, order_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, rule_id, order_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, r.rebind(insert), tenantID, ruleID, orderID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record trigger: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if counting != domain.CountEvery && inserted == 0 {
		return false, tx.Commit()
	}

	update := `
		UPDATE rules SET trigger_count = trigger_count + 1
		WHERE id = ? AND tenant_id IN (?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(update), ruleID, tenantID, domain.GlobalTenantID); err != nil {
		return false, fmt.Errorf("increment trigger count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var description sql.NullString
	var conditions string
	var active int

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Type, &rule.Priority, &active,
		&conditions, &rule.Expression, &rule.Score, &rule.Action, &rule.TriggerCount,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Active = active == 1
	if err := unmarshalText(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse conditions for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}
