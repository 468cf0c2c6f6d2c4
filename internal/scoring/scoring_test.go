package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// stubDetector returns a fixed verdict after an optional delay.
type stubDetector struct {
	name    string
	verdict anomaly.Verdict
	delay   time.Duration
	panics  bool
}

func (d stubDetector) Name() string { return d.name }

func (d stubDetector) Check(ctx context.Context, _ *domain.Transaction, _ time.Time, _ time.Duration) anomaly.Result {
	if d.panics {
		panic("detector exploded")
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return anomaly.Result{Verdict: anomaly.Unavailable, Err: ctx.Err()}
		}
	}
	return anomaly.Result{Verdict: d.verdict}
}

func clearDetectors() Detectors {
	return Detectors{
		Velocity:   stubDetector{name: anomaly.NameVelocity, verdict: anomaly.Clear},
		Amount:     stubDetector{name: anomaly.NameAmount, verdict: anomaly.Clear},
		Geographic: stubDetector{name: anomaly.NameGeographic, verdict: anomaly.Clear},
	}
}

func newScorer(t *testing.T, d Detectors) *Scorer {
	t.Helper()
	reg, err := rules.NewDefaultRegistry(nil)
	require.NoError(t, err)
	return New(reg, d, nil)
}

var noon = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func baseTx(amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:            "tx-1",
		MerchantID:    "m1",
		CustomerEmail: "c1@example.com",
		Amount:        amount,
		Currency:      "NGN",
		CreatedAt:     noon,
	}
}

func TestScore_NewCustomerHighAmount(t *testing.T) {
	s := newScorer(t, clearDetectors())
	tx := baseTx(1_500_000)
	tx.IsNewCustomer = true

	rs, err := s.ScoreAt(context.Background(), tx, noon)
	require.NoError(t, err)

	assert.Equal(t, 50, rs.Score)
	assert.Equal(t, domain.RiskLevelMedium, rs.Level)
	assert.Equal(t, []string{"High Transaction Amount", "New Customer High Amount"}, rs.Factors)
	assert.Equal(t, []string{"Monitor transaction closely", "Consider additional verification"}, rs.Recommendations)
	assert.Len(t, rs.Checks, 3)
}

func TestScore_UnusualTimeOnly(t *testing.T) {
	s := newScorer(t, clearDetectors())
	tx := baseTx(25_000)
	tx.CreatedAt = time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)

	rs, err := s.ScoreAt(context.Background(), tx, tx.CreatedAt)
	require.NoError(t, err)

	assert.Equal(t, 15, rs.Score)
	assert.Equal(t, domain.RiskLevelLow, rs.Level)
	assert.Equal(t, []string{"Proceed with transaction"}, rs.Recommendations)
}

func TestScore_ClampsAndOrdersFactors(t *testing.T) {
	// detectors finish in reverse order; factors must not follow arrival
	s := newScorer(t, Detectors{
		Velocity:   stubDetector{name: anomaly.NameVelocity, verdict: anomaly.Anomalous, delay: 30 * time.Millisecond},
		Amount:     stubDetector{name: anomaly.NameAmount, verdict: anomaly.Anomalous, delay: 15 * time.Millisecond},
		Geographic: stubDetector{name: anomaly.NameGeographic, verdict: anomaly.Anomalous},
	})
	tx := baseTx(1_500_000)
	tx.IsNewCustomer = true
	tx.CreatedAt = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

	rs, err := s.ScoreAt(context.Background(), tx, tx.CreatedAt)
	require.NoError(t, err)

	assert.Equal(t, 100, rs.Score, "20+15+30+30+25+20 clamps to 100")
	assert.Equal(t, domain.RiskLevelCritical, rs.Level)
	assert.Equal(t, []string{
		"High Transaction Amount",
		"Unusual Transaction Time",
		"New Customer High Amount",
		FactorVelocity,
		FactorAmount,
		FactorGeographic,
	}, rs.Factors)
}

func TestScore_UnavailableDetectorDoesNotScore(t *testing.T) {
	d := clearDetectors()
	d.Amount = stubDetector{name: anomaly.NameAmount, verdict: anomaly.Unavailable}
	s := newScorer(t, d)

	rs, err := s.ScoreAt(context.Background(), baseTx(100), noon)
	require.NoError(t, err)

	assert.Equal(t, 0, rs.Score)
	assert.Equal(t, domain.CheckUnavailable, rs.Checks[1].Status)
	assert.Equal(t, anomaly.NameAmount, rs.Checks[1].Name)
}

func TestScore_Errors(t *testing.T) {
	t.Run("InvalidTransaction", func(t *testing.T) {
		s := newScorer(t, clearDetectors())
		tx := baseTx(-1)

		rs, err := s.Score(context.Background(), tx)
		assert.Nil(t, rs)

		var se *domain.ScoringError
		require.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("NilTransaction", func(t *testing.T) {
		s := newScorer(t, clearDetectors())
		_, err := s.Score(context.Background(), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("CancelledBeforeDetectorsFinish", func(t *testing.T) {
		d := clearDetectors()
		d.Geographic = stubDetector{name: anomaly.NameGeographic, verdict: anomaly.Clear, delay: time.Second}
		s := newScorer(t, d)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		rs, err := s.ScoreAt(ctx, baseTx(100), noon)
		assert.Nil(t, rs)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("DetectorPanic", func(t *testing.T) {
		d := clearDetectors()
		d.Velocity = stubDetector{name: anomaly.NameVelocity, panics: true}
		s := newScorer(t, d)

		rs, err := s.ScoreAt(context.Background(), baseTx(100), noon)
		assert.Nil(t, rs)

		var se *domain.ScoringError
		assert.True(t, errors.As(err, &se))
	})
}

func TestScore_IdempotentExceptVelocity(t *testing.T) {
	ctx := context.Background()

	t.Run("WithoutVelocity", func(t *testing.T) {
		d := clearDetectors()
		d.Velocity = nil
		s := newScorer(t, d)

		first, err := s.ScoreAt(ctx, baseTx(2_000_000), noon)
		require.NoError(t, err)
		second, err := s.ScoreAt(ctx, baseTx(2_000_000), noon)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("VelocityIsStateful", func(t *testing.T) {
		d := clearDetectors()
		d.Velocity = anomaly.NewVelocity(cache.NewLRUCache(10), time.Hour, 1, nil)
		s := newScorer(t, d)

		first, err := s.ScoreAt(ctx, baseTx(100), noon)
		require.NoError(t, err)
		second, err := s.ScoreAt(ctx, baseTx(100), noon)
		require.NoError(t, err)

		assert.Equal(t, 0, first.Score)
		assert.Equal(t, 30, second.Score, "the second observation exceeds maxAttempts=1")
	})
}

func TestLevelBreakpoints(t *testing.T) {
	cases := map[int]domain.RiskLevel{
		0: domain.RiskLevelLow, 39: domain.RiskLevelLow,
		40: domain.RiskLevelMedium, 59: domain.RiskLevelMedium,
		60: domain.RiskLevelHigh, 79: domain.RiskLevelHigh,
		80: domain.RiskLevelCritical, 100: domain.RiskLevelCritical,
	}
	for score, want := range cases {
		assert.Equal(t, want, domain.LevelForScore(score), "score %d", score)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-5))
	assert.Equal(t, 42, Clamp(42))
	assert.Equal(t, 100, Clamp(140))
}
