package domain

import "context"

// AIFraudAnalysis is the structured opinion returned by the AI oracle.
type AIFraudAnalysis struct {
	IsFraudulent    bool     `json:"isFraudulent"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	RiskFactors     []string `json:"riskFactors"`
	Recommendations []string `json:"recommendations"`
	AIModel         string   `json:"aiModel"`
	AnalysisTimeMs  int64    `json:"analysisTimeMs"`

	// Degraded is set when the opinion came from free-text parsing.
	Degraded bool `json:"degraded,omitempty"`
}

// OracleStatus reports whether the AI oracle can currently be used.
type OracleStatus struct {
	Enabled              bool   `json:"enabled"`
	Available            bool   `json:"available"`
	Model                string `json:"model"`
	CredentialConfigured bool   `json:"credentialConfigured"`
}

// Oracle is an external, unreliable source of fraud opinions.
// Analyze may fail or time out; callers must treat failures as "no opinion".
type Oracle interface {
	Analyze(ctx context.Context, tx *Transaction) (*AIFraudAnalysis, error)

	// Status probes the oracle without analysing anything.
	Status(ctx context.Context) OracleStatus
}
