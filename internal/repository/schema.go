package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.
// Timestamps are stored as unix milliseconds so window comparisons behave
// the same on both drivers.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    reference TEXT NOT NULL DEFAULT '',
    customer_email TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    currency TEXT NOT NULL,
    payment_method TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    is_new_customer INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_email, created_at);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    combined_score INTEGER NOT NULL,
    action TEXT NOT NULL,
    ai_enhanced INTEGER NOT NULL DEFAULT 0,
    evaluated_at BIGINT NOT NULL,
    result TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(tx_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_merchant ON evaluations(merchant_id, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_evaluations_action ON evaluations(action);
`

// schemaVelocityCounters holds one open window per counter key.
const schemaVelocityCounters = `
CREATE TABLE IF NOT EXISTS velocity_counters (
    counter_key TEXT PRIMARY KEY,
    count BIGINT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_velocity_counters_expiry ON velocity_counters(expires_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEvaluations,
		schemaVelocityCounters,
	}
}
