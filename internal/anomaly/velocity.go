package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Velocity caps attempts per merchant and customer within a rolling window.
// Every check records an observation, so it is not a pure read.
type Velocity struct {
	store       domain.CounterStore
	window      time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewVelocity creates a velocity detector over store.
func NewVelocity(store domain.CounterStore, window time.Duration, maxAttempts int, logger *slog.Logger) *Velocity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Velocity{
		store:       store,
		window:      window,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Name implements Detector.
func (v *Velocity) Name() string { return NameVelocity }

// VelocityKey is the counter key for a merchant and customer pair.
func VelocityKey(merchantID, customerEmail string) string {
	return "velocity:" + merchantID + ":" + customerEmail
}

// Check implements Detector. The first observation of a window never
// triggers; after that the check triggers once count exceeds maxAttempts.
func (v *Velocity) Check(ctx context.Context, tx *domain.Transaction, at time.Time, window time.Duration) Result {
	window = resolveWindow(window, v.window)

	count, err := v.store.Observe(ctx, VelocityKey(tx.MerchantID, tx.CustomerEmail), at, window)
	if err != nil {
		return unavailable(v.logger, NameVelocity, tx, err)
	}

	detail := fmt.Sprintf("%d attempts in %s (max %d)", count, window, v.maxAttempts)
	if count > 1 && count > int64(v.maxAttempts) {
		return record(NameVelocity, Result{Verdict: Anomalous, Detail: detail})
	}
	return record(NameVelocity, Result{Verdict: Clear, Detail: detail})
}
