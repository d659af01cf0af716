package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveFraudScore stores an evaluation outcome with tenant isolation.
func (r *SQLRepository) SaveFraudScore(ctx context.Context, tenantID string, s *domain.FraudScore) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	triggered, err := marshalText(nonNil(s.TriggeredRules))
	if err != nil {
		return fmt.Errorf("encode triggered rules: %w", err)
	}
	ruleResults, err := marshalNullable(s.Rules)
	if err != nil {
		return fmt.Errorf("encode rule results: %w", err)
	}
	breakdown, err := marshalText(nonNil(s.Breakdown))
	if err != nil {
		return fmt.Errorf("encode breakdown: %w", err)
	}
	reasons, err := marshalText(nonNil(s.Reasons))
	if err != nil {
		return fmt.Errorf("encode reasons: %w", err)
	}
	blacklist, err := marshalNullable(s.Blacklist)
	if err != nil {
		return fmt.Errorf("encode blacklist match: %w", err)
	}
	metadata, err := marshalText(s.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	createdAt := s.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO fraud_scores (
			id, tenant_id, order_id, user_id, total_score, risk_level, status, action,
			triggered_rules, rule_results, breakdown, reasons, blacklist,
			reviewed_by, review_notes, reviewed_at, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		s.ID, tenantID, s.OrderID, s.UserID, s.TotalScore, s.RiskLevel, s.Status, s.Action,
		triggered, ruleResults, breakdown, reasons, blacklist,
		s.ReviewedBy, s.ReviewNotes, nullTime(s.ReviewedAt), metadata, createdAt,
	)
	return err
}

// GetLatestFraudScore returns the most recent score for an order.
func (r *SQLRepository) GetLatestFraudScore(ctx context.Context, tenantID string, orderID string) (*domain.FraudScore, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, order_id, user_id, total_score, risk_level, status, action,
			   triggered_rules, rule_results, breakdown, reasons, blacklist,
			   reviewed_by, review_notes, reviewed_at, metadata, created_at
		FROM fraud_scores
		WHERE tenant_id = ? AND order_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var s domain.FraudScore
	var triggered, breakdown, metadata string
	var ruleResults, reasons, blacklist sql.NullString
	var reviewedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, orderID).Scan(
		&s.ID, &s.TenantID, &s.OrderID, &s.UserID, &s.TotalScore, &s.RiskLevel, &s.Status, &s.Action,
		&triggered, &ruleResults, &breakdown, &reasons, &blacklist,
		&s.ReviewedBy, &s.ReviewNotes, &reviewedAt, &metadata, &s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalText(triggered, &s.TriggeredRules); err != nil {
		return nil, fmt.Errorf("decode triggered rules: %w", err)
	}
	if ruleResults.Valid {
		s.Rules = &domain.RuleEvaluation{}
		if err := unmarshalText(ruleResults.String, s.Rules); err != nil {
			return nil, fmt.Errorf("decode rule results: %w", err)
		}
	}
	if err := unmarshalText(breakdown, &s.Breakdown); err != nil {
		return nil, fmt.Errorf("decode breakdown: %w", err)
	}
	if err := unmarshalText(reasons.String, &s.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	if blacklist.Valid {
		s.Blacklist = &domain.BlacklistMatch{}
		if err := unmarshalText(blacklist.String, s.Blacklist); err != nil {
			return nil, fmt.Errorf("decode blacklist match: %w", err)
		}
	}
	if err := unmarshalText(metadata, &s.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if reviewedAt.Valid {
		at := reviewedAt.Time.UTC()
		s.ReviewedAt = &at
	}

	return &s, nil
}

// DeleteFraudScores removes every score for an order and returns how many
// were removed.
func (r *SQLRepository) DeleteFraudScores(ctx context.Context, tenantID string, orderID string) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `DELETE FROM fraud_scores WHERE tenant_id = ? AND order_id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, orderID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpdateFraudScoreReview records a reviewer's decision on a score.
func (r *SQLRepository) UpdateFraudScoreReview(ctx context.Context, tenantID string, scoreID string, status domain.ScoreStatus, reviewer string, notes string, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE fraud_scores
		SET status = ?, reviewed_by = ?, review_notes = ?, reviewed_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, reviewer, notes, at.UTC(), tenantID, scoreID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
