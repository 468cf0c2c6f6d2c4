// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const transactionColumns = `id, reference, customer_email, merchant_id, amount, currency,
	payment_method, description, ip_address, is_new_customer, status, created_at, metadata`

// SQLRepository implements domain.Repository and domain.CounterStore using
// database/sql. Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := r.db.Exec(stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveTransaction records a transaction in history. A repeated ID updates
// the settlement status only.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	status := tx.Status
	if status == "" {
		status = domain.TransactionStatusSuccess
	}

	var metadata sql.NullString
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.Reference, tx.CustomerEmail, tx.MerchantID,
		tx.Amount, tx.Currency, tx.PaymentMethod, tx.Description,
		tx.IPAddress, boolToInt(tx.IsNewCustomer), status,
		tx.CreatedAt.UnixMilli(), metadata,
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// MerchantTransactions implements domain.HistoricalDataSource.
func (r *SQLRepository) MerchantTransactions(ctx context.Context, merchantID, status string, since, until time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE merchant_id = ? AND created_at >= ? AND created_at < ?`
	args := []any{merchantID, since.UnixMilli(), until.UnixMilli()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	return r.queryTransactions(ctx, query, args...)
}

// CustomerTransactions implements domain.HistoricalDataSource.
func (r *SQLRepository) CustomerTransactions(ctx context.Context, customerEmail string, since, until time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE customer_email = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at, id`

	return r.queryTransactions(ctx, query, customerEmail, since.UnixMilli(), until.UnixMilli())
}

// MerchantHistory returns merchant transactions created in [start, end], oldest first.
func (r *SQLRepository) MerchantHistory(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE merchant_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at, id`

	return r.queryTransactions(ctx, query, merchantID, start.UnixMilli(), end.UnixMilli())
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveEvaluation stores an analysis result.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, result *domain.EnhancedResult) error {
	if result == nil || result.EvaluationID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, tx_id, merchant_id, risk_score, combined_score, action, ai_enhanced, evaluated_at, result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		result.EvaluationID, result.TransactionID, result.MerchantID,
		result.Score, result.CombinedRiskScore, string(result.Action),
		boolToInt(result.AIEnhanced), result.EvaluatedAt.UnixMilli(), string(raw),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.EnhancedResult, error) {
	query := `SELECT result FROM evaluations WHERE id = ?`

	var raw string
	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var result domain.EnhancedResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation %s: %w", evalID, err)
	}
	return &result, nil
}

// Observe implements domain.CounterStore with a single upsert, so the
// database serialises concurrent observations of the same key.
func (r *SQLRepository) Observe(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: counter key is required", ErrInvalidInput)
	}

	atMs := at.UnixMilli()
	expiresAt := atMs + window.Milliseconds()

	query := `
		INSERT INTO velocity_counters (counter_key, count, expires_at) VALUES (?, 1, ?)
		ON CONFLICT(counter_key) DO UPDATE SET
			count = CASE WHEN velocity_counters.expires_at <= ? THEN 1 ELSE velocity_counters.count + 1 END,
			expires_at = CASE WHEN velocity_counters.expires_at <= ? THEN ? ELSE velocity_counters.expires_at END
		RETURNING count
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), key, expiresAt, atMs, atMs, expiresAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("observe counter %s: %w", key, err)
	}
	return count, nil
}

// PurgeExpiredCounters deletes counters whose window closed before at.
func (r *SQLRepository) PurgeExpiredCounters(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM velocity_counters WHERE expires_at <= ?`), at.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var newCustomer int
	var createdAt int64
	var metadata sql.NullString

	if err := row.Scan(
		&tx.ID, &tx.Reference, &tx.CustomerEmail, &tx.MerchantID,
		&tx.Amount, &tx.Currency, &tx.PaymentMethod, &tx.Description,
		&tx.IPAddress, &newCustomer, &tx.Status, &createdAt, &metadata,
	); err != nil {
		return nil, err
	}

	tx.IsNewCustomer = newCustomer == 1
	tx.CreatedAt = time.UnixMilli(createdAt).UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
