package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is the slice of domain.Cache the decorator needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cached memoises successful analyses by transaction fingerprint. Failures
// are never cached and cache errors fall through to the wrapped oracle.
type Cached struct {
	next   domain.Oracle
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps next with a cache.
func NewCached(next domain.Oracle, store Store, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, store: store, ttl: ttl, logger: logger}
}

// Analyze returns a cached analysis or delegates.
func (c *Cached) Analyze(ctx context.Context, tx *domain.Transaction) (*domain.AIFraudAnalysis, error) {
	key := Fingerprint(tx)

	if raw, err := c.store.Get(ctx, key); err != nil {
		c.logger.Debug("oracle cache read failed", "error", err)
	} else if raw != nil {
		var hit domain.AIFraudAnalysis
		if err := json.Unmarshal(raw, &hit); err == nil {
			return &hit, nil
		}
	}

	analysis, err := c.next.Analyze(ctx, tx)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(analysis); err == nil {
		if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Debug("oracle cache write failed", "error", err)
		}
	}
	return analysis, nil
}

// Status delegates.
func (c *Cached) Status(ctx context.Context) domain.OracleStatus {
	return c.next.Status(ctx)
}

// Fingerprint is the cache key for a transaction's oracle analysis.
func Fingerprint(tx *domain.Transaction) string {
	parts := []string{
		tx.ID,
		tx.MerchantID,
		strings.ToLower(tx.CustomerEmail),
		strconv.FormatFloat(tx.Amount, 'f', -1, 64),
		tx.Currency,
		tx.PaymentMethod,
		tx.IPAddress,
		strconv.FormatBool(tx.IsNewCustomer),
		tx.Description,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "oracle:" + hex.EncodeToString(sum[:])
}
