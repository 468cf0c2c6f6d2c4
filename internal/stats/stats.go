// Package stats replays traditional scoring over a merchant's history to
// produce fraud statistics.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// TopFactorLimit caps FraudStatistics.TopRiskFactors.
const TopFactorLimit = 10

// ErrInvalidRange is returned when start is after end.
var ErrInvalidRange = errors.New("invalid date range")

// Source is the history the aggregator reads.
type Source interface {
	domain.HistoricalDataSource
	MerchantHistory(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Transaction, error)
}

// Aggregator computes FraudStatistics.
type Aggregator struct {
	source Source
	rules  scoring.RuleEvaluator
	fraud  domain.FraudConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates an aggregator.
func New(source Source, rules scoring.RuleEvaluator, fraud domain.FraudConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		source: source,
		rules:  rules,
		fraud:  fraud,
		logger: logger,
		now:    time.Now,
	}
}

// Aggregate replays traditional scoring for every merchant transaction in
// [start, end]. A zero start means the beginning of history and a zero end
// means now. Velocity is replayed against a private counter store, so live
// counters are untouched.
func (a *Aggregator) Aggregate(ctx context.Context, merchantID string, start, end time.Time) (*domain.FraudStatistics, error) {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	if end.IsZero() {
		end = a.now().UTC()
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	history, err := a.source.MerchantHistory(ctx, merchantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant history: %w", err)
	}

	scorer := a.replayScorer(len(history))
	thresholds := decision.Thresholds{
		Flag:   a.fraud.FlagThreshold,
		Review: a.fraud.ReviewThreshold,
		Block:  a.fraud.BlockThreshold,
	}

	stats := &domain.FraudStatistics{
		MerchantID:     merchantID,
		Start:          start,
		End:            end,
		TopRiskFactors: []domain.FactorCount{},
	}

	counts := make(map[string]int)
	var order []string
	scoreSum := 0

	for _, tx := range history {
		rs, err := scorer.ScoreAt(ctx, tx, tx.CreatedAt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.logger.Warn("skipping transaction in statistics replay",
				"merchant_id", merchantID,
				"transaction_id", tx.ID,
				"error", err,
			)
			continue
		}

		stats.TotalTransactions++
		scoreSum += rs.Score
		if rs.Score >= a.fraud.ReviewThreshold {
			stats.FlaggedTransactions++
		}
		if action, _ := thresholds.Action(rs.Score, nil); action == domain.ActionBlock {
			stats.BlockedTransactions++
		}

		for _, f := range rs.Factors {
			if _, seen := counts[f]; !seen {
				order = append(order, f)
			}
			counts[f]++
		}
	}

	if stats.TotalTransactions > 0 {
		total := decimal.NewFromInt(int64(stats.TotalTransactions))
		stats.FraudRate = decimal.NewFromInt(int64(stats.FlaggedTransactions)).
			Div(total).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
		stats.AverageRiskScore = decimal.NewFromInt(int64(scoreSum)).Div(total).Round(2).InexactFloat64()
	}

	stats.TopRiskFactors = topFactors(order, counts, TopFactorLimit)
	return stats, nil
}

func (a *Aggregator) replayScorer(n int) *scoring.Scorer {
	size := max(n, 16)
	return scoring.New(a.rules, scoring.Detectors{
		Velocity:   anomaly.NewVelocity(cache.NewLRUCache(size), a.fraud.VelocityWindow, a.fraud.VelocityMaxAttempts, a.logger),
		Amount:     anomaly.NewAmount(a.source, a.fraud.AmountWindow, a.fraud.AmountMultiplier, a.logger),
		Geographic: anomaly.NewGeographic(a.source, a.fraud.GeoWindow, a.fraud.GeoMaxLocations, a.logger),
	}, a.logger)
}

// topFactors sorts by count; ties keep first-encounter order.
func topFactors(order []string, counts map[string]int, limit int) []domain.FactorCount {
	out := make([]domain.FactorCount, 0, len(order))
	for _, f := range order {
		out = append(out, domain.FactorCount{Factor: f, Count: counts[f]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
