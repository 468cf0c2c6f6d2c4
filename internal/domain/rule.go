package domain

// ConditionKind identifies one of the closed set of rule condition shapes.
type ConditionKind string

const (
	// ConditionAmountAbove fires when amount > Amount.
	ConditionAmountAbove ConditionKind = "amount_above"

	// ConditionHourOutside fires when hour-of-day < StartHour or > EndHour.
	ConditionHourOutside ConditionKind = "hour_outside"

	// ConditionNewCustomerAmountAbove fires when the customer is new and amount > Amount.
	ConditionNewCustomerAmountAbove ConditionKind = "new_customer_amount_above"

	// ConditionAll fires when every nested condition fires.
	ConditionAll ConditionKind = "all"

	// ConditionNever never fires. Placeholder for checks that have no data source yet.
	ConditionNever ConditionKind = "never"

	// ConditionExpression evaluates a CEL boolean expression.
	ConditionExpression ConditionKind = "expression"

	// ConditionFunc delegates to a registered Go predicate. Not serialisable.
	ConditionFunc ConditionKind = "func"
)

// Predicate is custom rule logic registered in-process.
// It must be deterministic and must not perform I/O.
type Predicate func(tx *Transaction) (bool, error)

// Condition is a tagged variant describing when a rule fires.
// Only the fields relevant to Kind are read.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	Amount     float64     `json:"amount,omitempty"`
	StartHour  int         `json:"startHour,omitempty"`
	EndHour    int         `json:"endHour,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Expression string      `json:"expression,omitempty"`

	Func Predicate `json:"-"`
}

// FraudRule is a named, weighted predicate over a transaction.
type FraudRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Weight      int       `json:"weight"`
	Enabled     bool      `json:"enabled"`
	Condition   Condition `json:"condition"`
}

// RulePatch carries the fields to merge into an existing rule.
// Nil fields are left unchanged.
type RulePatch struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Weight      *int       `json:"weight,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Condition   *Condition `json:"condition,omitempty"`
}

// Apply returns a copy of rule with the patch merged in.
func (p RulePatch) Apply(rule FraudRule) FraudRule {
	if p.Name != nil {
		rule.Name = *p.Name
	}
	if p.Description != nil {
		rule.Description = *p.Description
	}
	if p.Weight != nil {
		rule.Weight = *p.Weight
	}
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
	if p.Condition != nil {
		rule.Condition = *p.Condition
	}
	return rule
}

// Built-in rule identifiers.
const (
	RuleHighAmount             = "high_amount"
	RuleMultipleFailedAttempts = "multiple_failed_attempts"
	RuleUnusualTime            = "unusual_time"
	RuleNewCustomerHighAmount  = "new_customer_high_amount"
	RuleSuspiciousIP           = "suspicious_ip"
	RuleVelocityCheck          = "velocity_check"
)
