package decision

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		table domain.Thresholds
		score float64
		want  domain.RiskLevel
	}{
		{domain.BasicThresholds, 0, domain.RiskMinimal},
		{domain.BasicThresholds, 29.99, domain.RiskMinimal},
		{domain.BasicThresholds, 30, domain.RiskLow},
		{domain.BasicThresholds, 40, domain.RiskMedium},
		{domain.BasicThresholds, 59.9, domain.RiskMedium},
		{domain.BasicThresholds, 60, domain.RiskHigh},
		{domain.BasicThresholds, 85, domain.RiskHigh},
		{domain.BasicThresholds, 90, domain.RiskCritical},
		{domain.BasicThresholds, 100, domain.RiskCritical},
		{domain.EnsembleThresholds, 79.9, domain.RiskHigh},
		{domain.EnsembleThresholds, 80, domain.RiskCritical},
		{domain.EnsembleThresholds, 85, domain.RiskCritical},
	}

	for _, tt := range tests {
		c := &Classifier{thresholds: tt.table}
		if got := c.Level(tt.score); got != tt.want {
			t.Errorf("%s Level(%v) = %s, want %s", tt.table.Name, tt.score, got, tt.want)
		}
	}
}

func TestLevelIsMonotonic(t *testing.T) {
	for _, table := range []domain.Thresholds{domain.BasicThresholds, domain.EnsembleThresholds} {
		c := &Classifier{thresholds: table}
		prev := c.Level(0)
		for s := 0.0; s <= 100; s += 0.25 {
			got := c.Level(s)
			if got.Rank() < prev.Rank() {
				t.Fatalf("%s: level dropped from %s to %s at %v", table.Name, prev, got, s)
			}
			if again := c.Level(s); again != got {
				t.Fatalf("%s: Level(%v) not deterministic", table.Name, s)
			}
			prev = got
		}
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier(domain.DefaultPolicy(domain.ModeBasic))

	tests := []struct {
		name  string
		score float64
		want  Decision
	}{
		{"Critical", 95, Decision{Level: domain.RiskCritical, Status: domain.StatusRejected, Action: domain.ActionBlock, OrderStatus: domain.OrderCancelled}},
		{"High", 65, Decision{Level: domain.RiskHigh, Status: domain.StatusUnderReview, Action: domain.ActionReview, OrderStatus: domain.OrderPendingFraudReview}},
		{"Medium", 45, Decision{Level: domain.RiskMedium, Status: domain.StatusPending, Action: domain.ActionFlag, FlagOrder: true}},
		{"Low", 35, Decision{Level: domain.RiskLow, Status: domain.StatusApproved, Action: domain.ActionApprove}},
		{"Minimal", 5, Decision{Level: domain.RiskMinimal, Status: domain.StatusApproved, Action: domain.ActionApprove}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.score)
			if got != tt.want {
				t.Errorf("Classify(%v) = %+v, want %+v", tt.score, got, tt.want)
			}
		})
	}

	if c.Classify(5).ChangesOrder() {
		t.Error("approve should leave the order unchanged")
	}
	if !c.Classify(45).ChangesOrder() {
		t.Error("flag should change the order")
	}
}

func TestInitialStatus(t *testing.T) {
	want := map[domain.RiskLevel]domain.ScoreStatus{
		domain.RiskCritical: domain.StatusUnderReview,
		domain.RiskHigh:     domain.StatusUnderReview,
		domain.RiskMedium:   domain.StatusPending,
		domain.RiskLow:      domain.StatusApproved,
		domain.RiskMinimal:  domain.StatusApproved,
	}
	for level, status := range want {
		if got := InitialStatus(level); got != status {
			t.Errorf("InitialStatus(%s) = %s, want %s", level, got, status)
		}
	}
}

func TestFixedDecisions(t *testing.T) {
	b := Blacklisted()
	if b.Level != domain.RiskCritical || b.Status != domain.StatusRejected || b.OrderStatus != domain.OrderCancelled {
		t.Errorf("unexpected blacklist decision %+v", b)
	}

	s := SafeDefault()
	if s.Level != domain.RiskMedium || s.Status != domain.StatusUnderReview || s.Action != domain.ActionReview || s.ChangesOrder() {
		t.Errorf("unexpected safe default %+v", s)
	}

	if status, order := Review(domain.ReviewReject); status != domain.StatusRejected || order != domain.OrderCancelled {
		t.Errorf("reject gave %s/%s", status, order)
	}
	if status, order := Review(domain.ReviewApprove); status != domain.StatusApproved || order != domain.OrderProcessing {
		t.Errorf("approve gave %s/%s", status, order)
	}
}
