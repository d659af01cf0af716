package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    email TEXT NOT NULL,
    email_verified INTEGER NOT NULL DEFAULT 0,
    phone_verified INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL,
    amount NUMERIC(18,4) NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    fraud_flagged INTEGER NOT NULL DEFAULT 0,
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    device_fingerprint TEXT NOT NULL DEFAULT '',
    billing_address TEXT NOT NULL,
    shipping_address TEXT,
    items TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(tenant_id, user_id, created_at);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    conditions TEXT NOT NULL,
    expression TEXT NOT NULL DEFAULT '',
    score REAL NOT NULL,
    action TEXT NOT NULL,
    trigger_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(tenant_id, active);
`

// schemaRuleTriggers stores one row per (rule, order) so re-evaluating an
// order cannot inflate a rule's counter under dedupe counting.
const schemaRuleTriggers = `
CREATE TABLE IF NOT EXISTS rule_triggers (
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, rule_id, order_id)
);
`

const schemaFraudScores = `
CREATE TABLE IF NOT EXISTS fraud_scores (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    total_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    status TEXT NOT NULL,
    action TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    rule_results TEXT,
    breakdown TEXT NOT NULL,
    reasons TEXT,
    blacklist TEXT,
    reviewed_by TEXT NOT NULL DEFAULT '',
    review_notes TEXT NOT NULL DEFAULT '',
    reviewed_at TIMESTAMP,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_scores_order ON fraud_scores(tenant_id, order_id, created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_scores_status ON fraud_scores(tenant_id, status);
`

const schemaBlacklist = `
CREATE TABLE IF NOT EXISTS blacklist_entries (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    value TEXT NOT NULL,
    reason TEXT NOT NULL,
    severity TEXT NOT NULL,
    source TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, type, value)
);
`

const schemaFraudAttempts = `
CREATE TABLE IF NOT EXISTS fraud_attempts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    identity_type TEXT NOT NULL,
    identity TEXT NOT NULL,
    type TEXT NOT NULL,
    score REAL NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_attempts_identity ON fraud_attempts(tenant_id, identity_type, identity, created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_attempts_order ON fraud_attempts(tenant_id, order_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaUsers,
		schemaOrders,
		schemaRules,
		schemaRuleTriggers,
		schemaFraudScores,
		schemaBlacklist,
		schemaFraudAttempts,
	}
}
