package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS aggregate_accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    account_type TEXT NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    allocation_method TEXT NOT NULL,
    lot_precision INTEGER NOT NULL DEFAULT 2,
    rounding TEXT NOT NULL DEFAULT 'floor',
    balance REAL NOT NULL DEFAULT 0,
    free_margin REAL NOT NULL DEFAULT 0,
    margin REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS participants (
    id TEXT PRIMARY KEY,
    aggregate_account_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    balance TEXT NOT NULL DEFAULT '0',
    free_margin REAL NOT NULL DEFAULT 0,
    used_margin REAL NOT NULL DEFAULT 0,
    equity_ratio REAL NOT NULL DEFAULT 0,
    max_lot REAL NOT NULL DEFAULT 0,
    initial_investment REAL NOT NULL DEFAULT 0,
    stop_loss_type TEXT NOT NULL DEFAULT 'none',
    stop_loss_value REAL NOT NULL DEFAULT 0,
    take_profit_type TEXT NOT NULL DEFAULT 'none',
    take_profit_value REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(aggregate_account_id) REFERENCES aggregate_accounts(id)
);

CREATE TABLE IF NOT EXISTS aggregate_orders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    status TEXT NOT NULL,
    stop_loss REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    allocation_method TEXT NOT NULL,
    total_balance REAL NOT NULL DEFAULT 0,
    total_free_margin REAL NOT NULL DEFAULT 0,
    executed_qty REAL NOT NULL DEFAULT 0,
    rejected_qty REAL NOT NULL DEFAULT 0,
    rejected_count INTEGER NOT NULL DEFAULT 0,
    margin REAL NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES aggregate_accounts(id)
);
CREATE INDEX IF NOT EXISTS idx_aggregate_orders_account ON aggregate_orders(account_id, status);

CREATE TABLE IF NOT EXISTS child_orders (
    id TEXT PRIMARY KEY,
    participant_id TEXT NOT NULL,
    aggregate_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    status TEXT NOT NULL,
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL DEFAULT 0,
    margin REAL NOT NULL DEFAULT 0,
    commission REAL NOT NULL DEFAULT 0,
    swap REAL NOT NULL DEFAULT 0,
    close_price REAL NOT NULL DEFAULT 0,
    profit REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    reject_reason TEXT NOT NULL DEFAULT '',
    flow TEXT NOT NULL DEFAULT '',
    place_cid TEXT NOT NULL DEFAULT '',
    close_cid TEXT NOT NULL DEFAULT '',
    cancel_cid TEXT NOT NULL DEFAULT '',
    stop_loss_cid TEXT NOT NULL DEFAULT '',
    take_profit_cid TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(participant_id) REFERENCES participants(id),
    FOREIGN KEY(aggregate_order_id) REFERENCES aggregate_orders(id)
);
CREATE INDEX IF NOT EXISTS idx_child_orders_parent ON child_orders(aggregate_order_id, status);
CREATE INDEX IF NOT EXISTS idx_child_orders_participant ON child_orders(participant_id, status);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    order_id TEXT NOT NULL DEFAULT '',
    entry_type TEXT NOT NULL,
    amount TEXT NOT NULL,
    balance_before TEXT NOT NULL,
    balance_after TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'posted',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(owner_id) REFERENCES participants(id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_owner ON ledger_entries(owner_id, created_at);
`

// ApplyMigrations creates all tables and indexes if they do not exist yet.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
