package domain

import (
	"time"
)

// RiskLevel is derived from a risk score through fixed breakpoints.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// LevelForScore maps a clamped score to its risk level.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelCritical
	case score >= 60:
		return RiskLevelHigh
	case score >= 40:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// Action is the final categorical decision for a transaction.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionFlag   Action = "flag"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// CheckStatus is the outcome of one anomaly detector.
type CheckStatus string

const (
	CheckClear       CheckStatus = "clear"
	CheckTriggered   CheckStatus = "triggered"
	CheckUnavailable CheckStatus = "unavailable"
)

// CheckOutcome records what an anomaly detector concluded.
type CheckOutcome struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// RiskScore is the deterministic rule + anomaly assessment of a transaction.
type RiskScore struct {
	Score           int            `json:"score"`
	Level           RiskLevel      `json:"level"`
	Factors         []string       `json:"factors"`
	Recommendations []string       `json:"recommendations"`
	Checks          []CheckOutcome `json:"checks,omitempty"`
}

// EnhancedResult is the externally visible outcome of one analysis.
type EnhancedResult struct {
	EvaluationID  string `json:"evaluationId"`
	TransactionID string `json:"transactionId,omitempty"`
	MerchantID    string `json:"merchantId"`

	RiskScore

	CombinedRiskScore int              `json:"combinedRiskScore"`
	AIEnhanced        bool             `json:"aiEnhanced"`
	Action            Action           `json:"action"`
	Reason            string           `json:"reason,omitempty"`
	AIAnalysis        *AIFraudAnalysis `json:"aiAnalysis,omitempty"`

	EvaluatedAt  time.Time `json:"evaluatedAt"`
	ProcessingMs int64     `json:"processingMs"`
}

// FactorCount is a risk factor and how often it fired.
type FactorCount struct {
	Factor string `json:"factor"`
	Count  int    `json:"count"`
}

// FraudStatistics summarises replayed scoring over a merchant's history.
type FraudStatistics struct {
	MerchantID          string        `json:"merchantId"`
	Start               time.Time     `json:"start"`
	End                 time.Time     `json:"end"`
	TotalTransactions   int           `json:"totalTransactions"`
	FlaggedTransactions int           `json:"flaggedTransactions"`
	BlockedTransactions int           `json:"blockedTransactions"`
	FraudRate           float64       `json:"fraudRate"`
	AverageRiskScore    float64       `json:"averageRiskScore"`
	TopRiskFactors      []FactorCount `json:"topRiskFactors"`
}
