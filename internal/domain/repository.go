// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// HistoricalDataSource answers windowed queries over past transactions.
// Windows are half-open: since <= created_at < until.
type HistoricalDataSource interface {
	// MerchantTransactions returns a merchant's transactions with the given
	// status in the window. An empty status matches every status.
	MerchantTransactions(ctx context.Context, merchantID, status string, since, until time.Time) ([]*Transaction, error)

	// CustomerTransactions returns a customer's transactions in the window,
	// regardless of merchant or status.
	CustomerTransactions(ctx context.Context, customerEmail string, since, until time.Time) ([]*Transaction, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	HistoricalDataSource

	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// MerchantHistory returns every merchant transaction created in
	// [start, end], oldest first.
	MerchantHistory(ctx context.Context, merchantID string, start, end time.Time) ([]*Transaction, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, result *EnhancedResult) error
	GetEvaluation(ctx context.Context, evalID string) (*EnhancedResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
