package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the six rules every registry is seeded with.
// Three of them are placeholders with a never condition: failed-attempt
// tracking and IP reputation have no data source, and real velocity is
// scored by the velocity detector.
func BuiltinRules() []domain.FraudRule {
	return []domain.FraudRule{
		{
			ID:          domain.RuleHighAmount,
			Name:        "High Transaction Amount",
			Description: "Transaction amount exceeds 1,000,000",
			Weight:      20,
			Enabled:     true,
			Condition:   domain.Condition{Kind: domain.ConditionAmountAbove, Amount: 1_000_000},
		},
		{
			ID:          domain.RuleMultipleFailedAttempts,
			Name:        "Multiple Failed Attempts",
			Description: "Customer has multiple failed payment attempts",
			Weight:      25,
			Enabled:     true,
			Condition:   domain.Condition{Kind: domain.ConditionNever},
		},
		{
			ID:          domain.RuleUnusualTime,
			Name:        "Unusual Transaction Time",
			Description: "Transaction created between midnight and 6am",
			Weight:      15,
			Enabled:     true,
			Condition:   domain.Condition{Kind: domain.ConditionHourOutside, StartHour: 6, EndHour: 23},
		},
		{
			ID:          domain.RuleNewCustomerHighAmount,
			Name:        "New Customer High Amount",
			Description: "New customer paying more than 500,000",
			Weight:      30,
			Enabled:     true,
			Condition:   domain.Condition{Kind: domain.ConditionNewCustomerAmountAbove, Amount: 500_000},
		},
		{
			ID:          domain.RuleSuspiciousIP,
			Name:        "Suspicious IP Address",
			Description: "Transaction originates from a suspicious IP address",
			Weight:      20,
			Enabled:     true,
			Condition:   domain.Condition{Kind: domain.ConditionNever},
		},
		{
			ID:          domain.RuleVelocityCheck,
			Name:        "High Velocity Transactions",
			Description: "Customer transacting at high frequency",
			Weight:      25,
			Enabled:     true,
			Condition:   domain.Condition{Kind: domain.ConditionNever},
		},
	}
}
