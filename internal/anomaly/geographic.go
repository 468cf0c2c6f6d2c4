package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Geographic counts the distinct locations a customer used recently, across
// every merchant and status. The IP address stands in for location.
type Geographic struct {
	source       domain.HistoricalDataSource
	window       time.Duration
	maxLocations int
	logger       *slog.Logger
}

// NewGeographic creates a geographic anomaly detector.
func NewGeographic(source domain.HistoricalDataSource, window time.Duration, maxLocations int, logger *slog.Logger) *Geographic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Geographic{
		source:       source,
		window:       window,
		maxLocations: maxLocations,
		logger:       logger,
	}
}

// Name implements Detector.
func (g *Geographic) Name() string { return NameGeographic }

// Check implements Detector. Only historical locations are tallied; the
// current transaction's own IP is not added before comparing.
func (g *Geographic) Check(ctx context.Context, tx *domain.Transaction, at time.Time, window time.Duration) Result {
	window = resolveWindow(window, g.window)

	history, err := g.source.CustomerTransactions(ctx, tx.CustomerEmail, at.Add(-window), at)
	if err != nil {
		return unavailable(g.logger, NameGeographic, tx, err)
	}

	seen := make(map[string]struct{}, len(history))
	for _, h := range history {
		if h.IPAddress == "" {
			continue
		}
		seen[h.IPAddress] = struct{}{}
	}

	detail := fmt.Sprintf("%d distinct locations in %s (max %d)", len(seen), window, g.maxLocations)
	if len(seen) > g.maxLocations {
		return record(NameGeographic, Result{Verdict: Anomalous, Detail: detail})
	}
	return record(NameGeographic, Result{Verdict: Clear, Detail: detail})
}
