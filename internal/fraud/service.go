// Package fraud runs the scoring pipeline for one order: blacklist check,
// velocity tracking, feature extraction, rule evaluation, aggregation and
// classification, followed by the automated action and the audit record.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// SafeDefaultReason is recorded on scores produced after an internal
// failure.
const SafeDefaultReason = "evaluation failed, manual review required"

var tracer = otel.Tracer("github.com/opensource-finance/kestrel/internal/fraud")

// Store is the persistence the service needs.
type Store interface {
	domain.OrderStore
	domain.ScoreStore
	domain.AttemptStore
}

// Config holds pipeline settings.
type Config struct {
	VelocityWindow time.Duration
	BotIPLimit     int64
	EngineVersion  string
}

// Deps are the pipeline stages. AutoBlacklister and Bus are optional.
type Deps struct {
	Store      Store
	Checker    *blacklist.Checker
	Auto       *blacklist.AutoBlacklister
	Extractor  *features.Extractor
	Tracker    *velocity.Tracker
	Engine     *rules.Engine
	Aggregator *scoring.Aggregator
	Classifier *decision.Classifier
	Bus        domain.EventBus
}

// Service evaluates orders.
type Service struct {
	store      Store
	checker    *blacklist.Checker
	auto       *blacklist.AutoBlacklister
	extractor  *features.Extractor
	tracker    *velocity.Tracker
	engine     *rules.Engine
	aggregator *scoring.Aggregator
	classifier *decision.Classifier
	bus        domain.EventBus
	cfg        Config
	now        func() time.Time
}

// NewService wires the pipeline.
func NewService(d Deps, cfg Config) *Service {
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = "dev"
	}
	return &Service{
		store:      d.Store,
		checker:    d.Checker,
		auto:       d.Auto,
		extractor:  d.Extractor,
		tracker:    d.Tracker,
		engine:     d.Engine,
		aggregator: d.Aggregator,
		classifier: d.Classifier,
		bus:        d.Bus,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Policy returns the scoring policy in effect.
func (s *Service) Policy() domain.Policy {
	return s.aggregator.Policy()
}

// Submit persists a new order and evaluates it. A known order id returns
// domain.ErrConflict; use Reanalyze to score a stored order again.
func (s *Service) Submit(ctx context.Context, order *domain.Order) (*domain.FraudScore, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
	if err := s.store.SaveOrder(ctx, order.TenantID, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	return s.Evaluate(ctx, order)
}

// Evaluate scores an order that is already stored. Internal failures are
// absorbed into the safe default score; only invalid input returns an
// error.
func (s *Service) Evaluate(ctx context.Context, order *domain.Order) (score *domain.FraudScore, err error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}

	start := s.now()
	ctx, span := tracer.Start(ctx, "fraud.Evaluate", trace.WithAttributes(
		attribute.String("tenant.id", order.TenantID),
		attribute.String("order.id", order.ID),
	))
	defer span.End()

	tx := domain.NewTransactionContext(order)

	defer func() {
		if r := recover(); r != nil {
			score = s.safeDefault(ctx, tx, start, fmt.Errorf("panic: %v", r))
			err = nil
		}
	}()

	score, evalErr := s.evaluate(ctx, tx, order, start)
	if evalErr != nil {
		span.RecordError(evalErr)
		span.SetStatus(codes.Error, "safe default")
		return s.safeDefault(ctx, tx, start, evalErr), nil
	}

	span.SetAttributes(
		attribute.Float64("score.total", score.TotalScore),
		attribute.String("score.risk_level", string(score.RiskLevel)),
	)
	s.finish(ctx, score, start)
	return score, nil
}

func (s *Service) evaluate(ctx context.Context, tx domain.TransactionContext, order *domain.Order, start time.Time) (*domain.FraudScore, error) {
	match, err := s.checkBlacklist(ctx, tx)
	if err != nil {
		return nil, err
	}

	counts, err := s.trackVelocity(ctx, tx)
	if match != nil {
		if err != nil {
			slog.Warn("velocity tracking failed for blacklisted order",
				"tenant_id", tx.TenantID, "order_id", tx.OrderID, "error", err)
		}
		return s.blacklisted(ctx, tx, order, match, start)
	}
	if err != nil {
		return nil, err
	}

	fs, err := s.extract(ctx, tx)
	if err != nil {
		return nil, err
	}
	for k, v := range velocity.Features(counts) {
		fs[k] = v
	}

	eval, err := s.evaluateRules(ctx, tx, fs)
	if err != nil {
		return nil, err
	}

	aggCtx, span := tracer.Start(ctx, "scoring.Aggregate")
	res := s.aggregator.Aggregate(aggCtx, eval, fs.Clone())
	span.SetAttributes(attribute.Float64("score.rules", res.Rules))
	span.End()

	d := s.classifier.Classify(res.Total)

	score := s.newScore(ctx, tx, start)
	score.TotalScore = res.Total
	score.RiskLevel = d.Level
	score.Status = d.Status
	score.Action = d.Action
	score.TriggeredRules = eval.TriggeredIDs()
	score.Rules = eval
	score.Breakdown = res.Breakdown
	score.Reasons = res.Reasons

	if err := s.store.SaveFraudScore(ctx, tx.TenantID, score); err != nil {
		return nil, fmt.Errorf("save fraud score: %w", err)
	}

	s.applyDecision(ctx, order, d)

	patterns := DetectPatterns(tx, fs, d.Level, PatternConfig{BotIPLimit: s.cfg.BotIPLimit})
	s.recordAttempts(ctx, tx, score.TotalScore, patterns)

	if d.Level.AtLeast(domain.RiskHigh) && s.auto != nil {
		if _, err := s.auto.Evaluate(ctx, tx.TenantID, tx); err != nil {
			slog.Warn("auto-blacklist failed",
				"tenant_id", tx.TenantID, "order_id", tx.OrderID, "error", err)
		}
	}

	return score, nil
}

func (s *Service) checkBlacklist(ctx context.Context, tx domain.TransactionContext) (*domain.BlacklistMatch, error) {
	ctx, span := tracer.Start(ctx, "blacklist.Check")
	defer span.End()

	match, err := s.checker.Check(ctx, tx.TenantID, tx.Identities())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("blacklist check: %w", err)
	}
	span.SetAttributes(attribute.Bool("blacklist.hit", match != nil))
	return match, nil
}

func (s *Service) trackVelocity(ctx context.Context, tx domain.TransactionContext) (map[domain.IdentityType]int64, error) {
	ctx, span := tracer.Start(ctx, "velocity.Track")
	defer span.End()

	counts, err := s.tracker.TrackIdentities(ctx, tx, s.cfg.VelocityWindow)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return counts, nil
}

func (s *Service) extract(ctx context.Context, tx domain.TransactionContext) (domain.FeatureSet, error) {
	ctx, span := tracer.Start(ctx, "features.Extract")
	defer span.End()

	fs, err := s.extractor.Extract(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("features.count", len(fs)))
	return fs, nil
}

func (s *Service) evaluateRules(ctx context.Context, tx domain.TransactionContext, fs domain.FeatureSet) (*domain.RuleEvaluation, error) {
	ctx, span := tracer.Start(ctx, "rules.Evaluate")
	defer span.End()

	eval, err := s.engine.Evaluate(ctx, tx.TenantID, tx.OrderID, fs.Clone())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("rules.triggered", len(eval.Triggered)),
		attribute.Int("rules.skipped", len(eval.NotTriggered)),
	)
	return eval, nil
}

// blacklisted builds the fixed critical score for a blacklist hit.
func (s *Service) blacklisted(ctx context.Context, tx domain.TransactionContext, order *domain.Order, match *domain.BlacklistMatch, start time.Time) (*domain.FraudScore, error) {
	d := decision.Blacklisted()

	score := s.newScore(ctx, tx, start)
	score.TotalScore = 100
	score.RiskLevel = d.Level
	score.Status = d.Status
	score.Action = d.Action
	score.Blacklist = match
	score.Reasons = []string{fmt.Sprintf("blacklisted %s: %s", match.Type, match.Reason)}

	if err := s.store.SaveFraudScore(ctx, tx.TenantID, score); err != nil {
		return nil, fmt.Errorf("save fraud score: %w", err)
	}

	s.applyDecision(ctx, order, d)
	s.recordAttempts(ctx, tx, score.TotalScore, []Pattern{{
		Type:    domain.AttemptBlacklistMatch,
		Details: fmt.Sprintf("%s matched blacklist", match.Type),
	}})
	return score, nil
}

// safeDefault records the fixed review score after an internal failure.
// Persisting it is best-effort.
func (s *Service) safeDefault(ctx context.Context, tx domain.TransactionContext, start time.Time, cause error) *domain.FraudScore {
	slog.Error("fraud evaluation failed, using safe default",
		"tenant_id", tx.TenantID,
		"order_id", tx.OrderID,
		"error", cause,
	)
	metrics.SafeDefaultsTotal.Inc()

	d := decision.SafeDefault()
	score := s.newScore(ctx, tx, start)
	score.TotalScore = domain.SafeDefaultScore
	score.RiskLevel = d.Level
	score.Status = d.Status
	score.Action = d.Action
	score.Reasons = []string{SafeDefaultReason}
	score.Metadata.SafeDefault = true

	// The request context may be the reason we failed.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.SaveFraudScore(saveCtx, tx.TenantID, score); err != nil {
		slog.Error("failed to persist safe default score",
			"tenant_id", tx.TenantID, "order_id", tx.OrderID, "error", err)
	}

	s.finish(saveCtx, score, start)
	return score
}

func (s *Service) newScore(ctx context.Context, tx domain.TransactionContext, start time.Time) *domain.FraudScore {
	score := &domain.FraudScore{
		ID:             uuid.New().String(),
		TenantID:       tx.TenantID,
		OrderID:        tx.OrderID,
		UserID:         tx.UserID,
		TriggeredRules: []string{},
		Breakdown:      []domain.ScoreComponent{},
		Metadata: domain.ScoreMetadata{
			Policy:        s.aggregator.Policy().Name(),
			EngineVersion: s.cfg.EngineVersion,
			TotalMs:       s.now().Sub(start).Milliseconds(),
		},
		CreatedAt: s.now().UTC(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		score.Metadata.TraceID = sc.TraceID().String()
	}
	return score
}

// applyDecision updates the stored order. Failures are logged; the score
// is already persisted.
func (s *Service) applyDecision(ctx context.Context, order *domain.Order, d decision.Decision) {
	if !d.ChangesOrder() {
		return
	}

	status := d.OrderStatus
	if status == "" {
		status = order.Status
		if status == "" {
			status = domain.OrderPending
		}
	}
	flagged := order.FraudFlagged || d.FlagOrder || d.OrderStatus != ""

	err := s.store.UpdateOrderStatus(ctx, order.TenantID, order.ID, status, flagged)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		slog.Warn("scored order is not stored, skipping order update",
			"tenant_id", order.TenantID, "order_id", order.ID)
		return
	case err != nil:
		slog.Error("failed to apply fraud decision to order",
			"tenant_id", order.TenantID, "order_id", order.ID, "error", err)
		return
	}
	order.Status = status
	order.FraudFlagged = flagged
}

// recordAttempts writes one attempt per pattern and identity dimension.
func (s *Service) recordAttempts(ctx context.Context, tx domain.TransactionContext, total float64, patterns []Pattern) {
	if len(patterns) == 0 {
		return
	}
	ids := tx.Identities()
	for _, p := range patterns {
		for _, id := range ids {
			attempt := &domain.FraudAttempt{
				OrderID:      tx.OrderID,
				UserID:       tx.UserID,
				IdentityType: id.Type,
				Identity:     id.Value,
				Type:         p.Type,
				Score:        total,
				Details:      p.Details,
				CreatedAt:    s.now().UTC(),
			}
			if err := s.store.SaveFraudAttempt(ctx, tx.TenantID, attempt); err != nil {
				slog.Warn("failed to record fraud attempt",
					"tenant_id", tx.TenantID,
					"order_id", tx.OrderID,
					"type", p.Type,
					"error", err,
				)
				continue
			}
		}
		metrics.FraudAttemptsTotal.WithLabelValues(string(p.Type)).Inc()
	}
}

// finish records metrics and publishes the decision events.
func (s *Service) finish(ctx context.Context, score *domain.FraudScore, start time.Time) {
	elapsed := s.now().Sub(start)
	score.Metadata.TotalMs = elapsed.Milliseconds()

	metrics.EvaluationsTotal.WithLabelValues(string(score.RiskLevel), string(score.Status)).Inc()
	metrics.EvaluationDuration.Observe(elapsed.Seconds())

	slog.Info("order evaluated",
		"tenant_id", score.TenantID,
		"order_id", score.OrderID,
		"score", score.TotalScore,
		"risk_level", score.RiskLevel,
		"action", score.Action,
		"triggered", len(score.TriggeredRules),
		"duration_ms", score.Metadata.TotalMs,
	)

	if s.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.bus, score.TenantID, domain.TopicFraudDecision, score); err != nil {
		slog.Warn("failed to publish decision", "tenant_id", score.TenantID, "order_id", score.OrderID, "error", err)
	}
	if score.IsAlert() {
		if err := bus.PublishJSON(ctx, s.bus, score.TenantID, domain.TopicFraudAlert, score); err != nil {
			slog.Warn("failed to publish alert", "tenant_id", score.TenantID, "order_id", score.OrderID, "error", err)
		}
	}
}

// LatestScore returns the most recent score for an order.
func (s *Service) LatestScore(ctx context.Context, tenantID, orderID string) (*domain.FraudScore, error) {
	return s.store.GetLatestFraudScore(ctx, tenantID, orderID)
}

// Reanalyze discards an order's scores, resets it to pending and evaluates
// it again.
func (s *Service) Reanalyze(ctx context.Context, tenantID, orderID string) (*domain.FraudScore, error) {
	order, err := s.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteFraudScores(ctx, tenantID, orderID)
	if err != nil {
		return nil, fmt.Errorf("delete scores: %w", err)
	}

	order.Status = domain.OrderPending
	order.FraudFlagged = false
	if err := s.store.UpdateOrderStatus(ctx, tenantID, orderID, order.Status, false); err != nil {
		return nil, fmt.Errorf("reset order: %w", err)
	}

	slog.Info("reanalyzing order", "tenant_id", tenantID, "order_id", orderID, "deleted_scores", deleted)
	return s.Evaluate(ctx, order)
}

// Review records a reviewer's verdict on the latest score and applies it
// to the order.
func (s *Service) Review(ctx context.Context, tenantID, orderID string, verdict domain.ReviewDecision, reviewer, notes string) (*domain.FraudScore, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", domain.ErrInvalidInput)
	}
	score, err := s.store.GetLatestFraudScore(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}

	status, orderStatus := decision.Review(verdict)
	at := s.now().UTC()
	if err := s.store.UpdateFraudScoreReview(ctx, tenantID, score.ID, status, reviewer, notes, at); err != nil {
		return nil, fmt.Errorf("update review: %w", err)
	}
	if err := s.store.UpdateOrderStatus(ctx, tenantID, orderID, orderStatus, verdict == domain.ReviewReject); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("update order: %w", err)
	}

	score.Status = status
	score.ReviewedBy = reviewer
	score.ReviewNotes = notes
	score.ReviewedAt = &at

	slog.Info("fraud score reviewed",
		"tenant_id", tenantID,
		"order_id", orderID,
		"decision", verdict,
		"reviewer", reviewer,
	)
	return score, nil
}

func validateOrder(o *domain.Order) error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: order is required", domain.ErrInvalidInput)
	case o.TenantID == "":
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	case o.ID == "":
		return fmt.Errorf("%w: order id is required", domain.ErrInvalidInput)
	case o.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}
	return nil
}
