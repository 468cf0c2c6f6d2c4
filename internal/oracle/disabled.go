package oracle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Disabled is the oracle used when AI analysis is off or has no key.
// Every Analyze call fails with Reason.
type Disabled struct {
	Reason error
	Model  string
}

// Analyze always fails.
func (d Disabled) Analyze(context.Context, *domain.Transaction) (*domain.AIFraudAnalysis, error) {
	if d.Reason == nil {
		return nil, ErrDisabled
	}
	return nil, d.Reason
}

// Status reports the oracle as unavailable.
func (d Disabled) Status(context.Context) domain.OracleStatus {
	return domain.OracleStatus{
		Enabled:              errors.Is(d.Reason, ErrNoCredential),
		Available:            false,
		Model:                d.Model,
		CredentialConfigured: false,
	}
}

// New builds the oracle for cfg: a Disabled oracle when AI is off or no key is
// configured, otherwise a Client, wrapped in Cached when cache is non-nil.
func New(cfg domain.AIConfig, cache domain.Cache, logger *slog.Logger) domain.Oracle {
	switch {
	case !cfg.Enabled:
		return Disabled{Reason: ErrDisabled, Model: cfg.Model}
	case cfg.APIKey == "":
		return Disabled{Reason: ErrNoCredential, Model: cfg.Model}
	}

	var o domain.Oracle = NewClient(cfg, logger)
	if cache != nil && cfg.CacheTTL > 0 {
		o = NewCached(o, cache, cfg.CacheTTL, logger)
	}
	return o
}
