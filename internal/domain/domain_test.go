package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTransactionValidate(t *testing.T) {
	valid := func() *Transaction {
		return &Transaction{MerchantID: "m1", CustomerEmail: "a@example.com", Amount: 10}
	}

	t.Run("Valid", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Errorf("expected valid transaction, got %v", err)
		}
		zero := valid()
		zero.Amount = 0
		if err := zero.Validate(); err != nil {
			t.Errorf("zero amount must be valid, got %v", err)
		}
	})

	cases := map[string]func(*Transaction){
		"NegativeAmount": func(tx *Transaction) { tx.Amount = -1 },
		"NaNAmount":      func(tx *Transaction) { tx.Amount = math.NaN() },
		"InfAmount":      func(tx *Transaction) { tx.Amount = math.Inf(1) },
		"BlankMerchant":  func(tx *Transaction) { tx.MerchantID = "  " },
		"MissingEmail":   func(tx *Transaction) { tx.CustomerEmail = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tx := valid()
			mutate(tx)
			if err := tx.Validate(); !errors.Is(err, ErrInvalidTransaction) {
				t.Errorf("expected ErrInvalidTransaction, got %v", err)
			}
		})
	}

	t.Run("Nil", func(t *testing.T) {
		var tx *Transaction
		if err := tx.Validate(); !errors.Is(err, ErrInvalidTransaction) {
			t.Errorf("expected ErrInvalidTransaction, got %v", err)
		}
	})
}

func TestToTransaction(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Defaults", func(t *testing.T) {
		req := &TransactionRequest{MerchantID: " m1 ", CustomerEmail: " a@example.com ", Amount: 5}
		tx := req.ToTransaction(now)

		if !tx.CreatedAt.Equal(now) {
			t.Errorf("expected CreatedAt %v, got %v", now, tx.CreatedAt)
		}
		if tx.Currency != "NGN" {
			t.Errorf("expected default currency NGN, got %s", tx.Currency)
		}
		if tx.MerchantID != "m1" || tx.CustomerEmail != "a@example.com" {
			t.Errorf("expected trimmed identifiers, got %q %q", tx.MerchantID, tx.CustomerEmail)
		}
	})

	t.Run("KeepsSuppliedTime", func(t *testing.T) {
		at := now.Add(-48 * time.Hour)
		tx := (&TransactionRequest{CreatedAt: &at, Currency: "USD"}).ToTransaction(now)
		if !tx.CreatedAt.Equal(at) {
			t.Errorf("expected CreatedAt %v, got %v", at, tx.CreatedAt)
		}
		if tx.Currency != "USD" {
			t.Errorf("expected USD, got %s", tx.Currency)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if err := ProConfig().Validate(); err != nil {
		t.Fatalf("pro config must validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"FlagEqualsReview", func(c *Config) { c.Fraud.FlagThreshold = 50 }, "FRAUD_REVIEW_THRESHOLD"},
		{"ReviewEqualsBlock", func(c *Config) { c.Fraud.ReviewThreshold = 80 }, "FRAUD_BLOCK_THRESHOLD"},
		{"NegativeFlag", func(c *Config) { c.Fraud.FlagThreshold = -1 }, "FRAUD_FLAG_THRESHOLD"},
		{"BlockAbove100", func(c *Config) { c.Fraud.BlockThreshold = 101 }, "FRAUD_BLOCK_THRESHOLD"},
		{"ZeroMaxAttempts", func(c *Config) { c.Fraud.VelocityMaxAttempts = 0 }, "VELOCITY_MAX_ATTEMPTS"},
		{"ZeroMultiplier", func(c *Config) { c.Fraud.AmountMultiplier = 0 }, "AMOUNT_ANOMALY_MULTIPLIER"},
		{"NegativeLocations", func(c *Config) { c.Fraud.GeoMaxLocations = -1 }, "GEO_ANOMALY_MAX_LOCATIONS"},
		{"ConfidenceAboveOne", func(c *Config) { c.AI.ConfidenceThreshold = 1.1 }, "AI_CONFIDENCE_THRESHOLD"},
		{"ZeroTimeout", func(c *Config) { c.AI.Timeout = 0 }, "AI_TIMEOUT_MS"},
		{"ZeroBatch", func(c *Config) { c.AI.BatchSize = 0 }, "AI_BATCH_SIZE"},
		{"UnknownCounterStore", func(c *Config) { c.CounterStore = "disk" }, "KESTREL_COUNTER_STORE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			var ce *ConfigurationError
			if err := cfg.Validate(); !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigurationError, got %v", err)
			}
			if ce.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, ce.Field)
			}
		})
	}
}

func TestRulePatchApply(t *testing.T) {
	rule := FraudRule{ID: "r1", Name: "Old", Weight: 10, Enabled: true}
	name, weight, enabled := "New", 25, false

	got := RulePatch{Name: &name, Weight: &weight, Enabled: &enabled}.Apply(rule)

	if got.ID != "r1" || got.Name != "New" || got.Weight != 25 || got.Enabled {
		t.Errorf("unexpected patched rule: %+v", got)
	}
	if rule.Name != "Old" {
		t.Error("Apply must not modify its argument")
	}
}

func TestScoringErrorUnwrap(t *testing.T) {
	err := error(&ScoringError{TransactionID: "tx-1", Err: ErrInvalidTransaction})

	if !errors.Is(err, ErrInvalidTransaction) {
		t.Error("expected ScoringError to unwrap to its cause")
	}
	if got := err.Error(); got != "scoring transaction tx-1 failed: invalid transaction" {
		t.Errorf("unexpected message %q", got)
	}
}
