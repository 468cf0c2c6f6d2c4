package domain

import "fmt"

// ConfigurationError reports an invalid configuration value.
// It is raised at startup and is always fatal.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// ScoringError reports that the traditional risk score could not be computed.
// Callers never receive a fabricated score alongside it.
type ScoringError struct {
	TransactionID string
	Err           error
}

func (e *ScoringError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("scoring failed: %v", e.Err)
	}
	return fmt.Sprintf("scoring transaction %s failed: %v", e.TransactionID, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}
