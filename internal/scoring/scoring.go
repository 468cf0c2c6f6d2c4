// Package scoring computes the traditional risk score of a transaction from
// the rule registry and the anomaly detectors.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Anomaly factor names and their fixed weights.
const (
	FactorVelocity   = "High velocity transactions"
	FactorAmount     = "Amount anomaly detected"
	FactorGeographic = "Geographic anomaly"

	WeightVelocity   = 30
	WeightAmount     = 25
	WeightGeographic = 20
)

// RuleEvaluator is the synchronous rule pass.
type RuleEvaluator interface {
	Evaluate(tx *domain.Transaction) (int, []string)
}

// Detectors holds the three anomaly checks. A nil detector is skipped.
type Detectors struct {
	Velocity   anomaly.Detector
	Amount     anomaly.Detector
	Geographic anomaly.Detector
}

type weightedCheck struct {
	detector anomaly.Detector
	factor   string
	weight   int
}

// Scorer combines rules and detectors into a RiskScore.
type Scorer struct {
	rules  RuleEvaluator
	checks []weightedCheck
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a scorer.
func New(rules RuleEvaluator, detectors Detectors, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}

	// factor order is fixed: velocity, amount, geographic
	var checks []weightedCheck
	for _, c := range []weightedCheck{
		{detectors.Velocity, FactorVelocity, WeightVelocity},
		{detectors.Amount, FactorAmount, WeightAmount},
		{detectors.Geographic, FactorGeographic, WeightGeographic},
	} {
		if c.detector != nil {
			checks = append(checks, c)
		}
	}

	return &Scorer{
		rules:  rules,
		checks: checks,
		logger: logger,
		tracer: otel.Tracer("kestrel/scoring"),
		now:    time.Now,
	}
}

// Score scores tx as of its CreatedAt, or now when CreatedAt is unset.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction) (*domain.RiskScore, error) {
	at := s.now()
	if tx != nil && !tx.CreatedAt.IsZero() {
		at = tx.CreatedAt
	}
	return s.ScoreAt(ctx, tx, at)
}

// ScoreAt scores tx against history as of time at. Detector failures degrade
// to unavailable checks; invalid input, cancellation and panics are returned
// as *domain.ScoringError and never produce a score.
func (s *Scorer) ScoreAt(ctx context.Context, tx *domain.Transaction, at time.Time) (score *domain.RiskScore, err error) {
	ctx, span := s.tracer.Start(ctx, "scoring.Score")
	start := time.Now()
	defer func() {
		metrics.RecordScoring(time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("risk.score", score.Score))
		}
		span.End()
	}()

	txID := ""
	if tx != nil {
		txID = tx.ID
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("scoring panicked", "transaction_id", txID, "panic", fmt.Sprint(rec))
			score = nil
			err = &domain.ScoringError{TransactionID: txID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if verr := tx.Validate(); verr != nil {
		return nil, &domain.ScoringError{TransactionID: txID, Err: verr}
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, &domain.ScoringError{TransactionID: txID, Err: cerr}
	}

	total, factors := s.rules.Evaluate(tx)

	results, derr := s.runDetectors(ctx, tx, at)
	if derr != nil {
		return nil, &domain.ScoringError{TransactionID: txID, Err: derr}
	}

	checks := make([]domain.CheckOutcome, 0, len(s.checks))
	for i, c := range s.checks {
		checks = append(checks, results[i].Outcome(c.detector.Name()))
		if results[i].Triggered() {
			total += c.weight
			factors = append(factors, c.factor)
		}
	}

	clamped := Clamp(total)
	level := domain.LevelForScore(clamped)
	return &domain.RiskScore{
		Score:           clamped,
		Level:           level,
		Factors:         factors,
		Recommendations: Recommendations(level),
		Checks:          checks,
	}, nil
}

// runDetectors runs every check concurrently. Results land in fixed slots so
// completion order never affects factor order.
func (s *Scorer) runDetectors(ctx context.Context, tx *domain.Transaction, at time.Time) ([]anomaly.Result, error) {
	results := make([]anomaly.Result, len(s.checks))
	panics := make([]any, len(s.checks))

	var wg sync.WaitGroup
	for i, c := range s.checks {
		wg.Add(1)
		go func(i int, d anomaly.Detector) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					panics[i] = rec
				}
			}()
			results[i] = d.Check(ctx, tx, at, 0)
		}(i, c.detector)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// a detector that saw the cancellation reported unavailable, not clear
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, p := range panics {
		if p != nil {
			return nil, fmt.Errorf("%s detector panicked: %v", s.checks[i].detector.Name(), p)
		}
	}
	return results, nil
}

// Clamp bounds a raw score to [0, 100].
func Clamp(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Recommendations returns the advisory templates for a risk level.
func Recommendations(level domain.RiskLevel) []string {
	switch level {
	case domain.RiskLevelCritical:
		return []string{"Block transaction immediately", "Flag customer account for review"}
	case domain.RiskLevelHigh:
		return []string{"Require manual review", "Request additional verification"}
	case domain.RiskLevelMedium:
		return []string{"Monitor transaction closely", "Consider additional verification"}
	default:
		return []string{"Proceed with transaction"}
	}
}
