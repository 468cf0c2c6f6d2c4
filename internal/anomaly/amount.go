package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var maxHeadroom = decimal.NewFromFloat(1.5)

// Amount compares a transaction amount against the merchant's recent
// successful transactions.
type Amount struct {
	source     domain.HistoricalDataSource
	window     time.Duration
	multiplier decimal.Decimal
	logger     *slog.Logger
}

// NewAmount creates an amount anomaly detector.
func NewAmount(source domain.HistoricalDataSource, window time.Duration, multiplier float64, logger *slog.Logger) *Amount {
	if logger == nil {
		logger = slog.Default()
	}
	return &Amount{
		source:     source,
		window:     window,
		multiplier: decimal.NewFromFloat(multiplier),
		logger:     logger,
	}
}

// Name implements Detector.
func (a *Amount) Name() string { return NameAmount }

// Check implements Detector. Without history there is no baseline and the
// check is clear. Otherwise it triggers when the amount is strictly above
// mean*multiplier or strictly above max*1.5.
func (a *Amount) Check(ctx context.Context, tx *domain.Transaction, at time.Time, window time.Duration) Result {
	window = resolveWindow(window, a.window)

	history, err := a.source.MerchantTransactions(ctx, tx.MerchantID, domain.TransactionStatusSuccess, at.Add(-window), at)
	if err != nil {
		return unavailable(a.logger, NameAmount, tx, err)
	}
	if len(history) == 0 {
		return record(NameAmount, Result{Verdict: Clear, Detail: "no merchant history"})
	}

	sum := decimal.Zero
	highest := decimal.Zero
	for _, h := range history {
		if math.IsNaN(h.Amount) || math.IsInf(h.Amount, 0) {
			return unavailable(a.logger, NameAmount, tx, errors.New("history contains a non-finite amount"))
		}
		amt := decimal.NewFromFloat(h.Amount)
		sum = sum.Add(amt)
		if amt.GreaterThan(highest) {
			highest = amt
		}
	}

	n := decimal.NewFromInt(int64(len(history)))
	amount := decimal.NewFromFloat(tx.Amount)

	// amount > mean*k is compared as amount*n > sum*k; the mean itself
	// does not terminate in general and is only for the detail string.
	byMean := amount.Mul(n).GreaterThan(sum.Mul(a.multiplier))
	byMax := amount.GreaterThan(highest.Mul(maxHeadroom))

	detail := fmt.Sprintf("amount %s vs mean %s x%s and max %s over %d transactions",
		amount.String(), sum.Div(n).StringFixed(2), a.multiplier.String(), highest.String(), len(history))

	if byMean || byMax {
		return record(NameAmount, Result{Verdict: Anomalous, Detail: detail})
	}
	return record(NameAmount, Result{Verdict: Clear, Detail: detail})
}
