// Package anomaly provides the time-windowed anomaly detectors used by the
// risk scorer: velocity, amount and geographic.
package anomaly

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Verdict is the outcome of one detector check.
type Verdict string

const (
	Clear       Verdict = "clear"
	Anomalous   Verdict = "triggered"
	Unavailable Verdict = "unavailable"
)

// Detector names, also used as metric labels.
const (
	NameVelocity   = "velocity"
	NameAmount     = "amount"
	NameGeographic = "geographic"
)

// Result carries a verdict. Unavailable results carry the cause in Err.
type Result struct {
	Verdict Verdict
	Detail  string
	Err     error
}

// Triggered reports whether the check found an anomaly.
func (r Result) Triggered() bool {
	return r.Verdict == Anomalous
}

// Outcome converts the result into the form attached to a RiskScore.
func (r Result) Outcome(name string) domain.CheckOutcome {
	return domain.CheckOutcome{
		Name:   name,
		Status: domain.CheckStatus(r.Verdict),
		Detail: r.Detail,
	}
}

// Detector checks one transaction against history as of time at.
// A zero window selects the detector's configured default. Check never
// fails; I/O errors come back as Unavailable.
type Detector interface {
	Name() string
	Check(ctx context.Context, tx *domain.Transaction, at time.Time, window time.Duration) Result
}

func resolveWindow(window, fallback time.Duration) time.Duration {
	if window <= 0 {
		return fallback
	}
	return window
}

func unavailable(logger *slog.Logger, name string, tx *domain.Transaction, err error) Result {
	logger.Warn("anomaly check unavailable",
		"detector", name,
		"merchant_id", tx.MerchantID,
		"customer", tx.CustomerEmail,
		"error", err,
	)
	return record(name, Result{Verdict: Unavailable, Err: err})
}

func record(name string, r Result) Result {
	metrics.RecordAnomalyCheck(name, string(r.Verdict))
	return r
}
