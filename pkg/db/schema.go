package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS accounts (
    name TEXT PRIMARY KEY,
    ssid TEXT NOT NULL,
    is_demo INTEGER DEFAULT 1,
    enabled INTEGER DEFAULT 1,
    balance REAL DEFAULT 0,
    status TEXT DEFAULT 'offline',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trading_settings (
    account TEXT PRIMARY KEY,
    enabled INTEGER DEFAULT 1,
    base_amount REAL DEFAULT 1.0,
    martingale_enabled INTEGER DEFAULT 1,
    martingale_multiplier REAL DEFAULT 2.2,
    max_martingale_level INTEGER DEFAULT 7,
    staking_mode TEXT DEFAULT 'lanes',
    lane_strategy TEXT DEFAULT 'fifo',
    auto_create_lanes INTEGER DEFAULT 1,
    max_concurrent_lanes INTEGER DEFAULT 3,
    max_lanes_per_day INTEGER DEFAULT 10,
    concurrent_trading INTEGER DEFAULT 0,
    cooldown_seconds INTEGER DEFAULT 0,
    priority_symbols TEXT DEFAULT '',
    min_payout REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    tracking_id TEXT NOT NULL UNIQUE,
    account TEXT NOT NULL,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    amount REAL NOT NULL,
    expiry_seconds INTEGER NOT NULL,
    payout_rate REAL DEFAULT 0,
    martingale_level INTEGER DEFAULT 0,
    is_recovery INTEGER DEFAULT 0,
    lane_id TEXT DEFAULT '',
    signal_id TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    result TEXT DEFAULT '',
    profit REAL DEFAULT 0,
    timed_out INTEGER DEFAULT 0,
    result_processed INTEGER DEFAULT 0,
    opened_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    resolved_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trades_account_created ON trades(account, created_at);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_lane ON trades(lane_id);

CREATE TABLE IF NOT EXISTS martingale_lanes (
    id TEXT PRIMARY KEY,
    account TEXT NOT NULL,
    symbol TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    current_level INTEGER NOT NULL DEFAULT 1,
    base_amount REAL NOT NULL,
    multiplier REAL NOT NULL,
    max_level INTEGER NOT NULL,
    current_amount REAL NOT NULL,
    total_invested REAL DEFAULT 0,
    trades_count INTEGER DEFAULT 0,
    trade_ids TEXT DEFAULT '[]',
    completion_reason TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_lanes_account_status ON martingale_lanes(account, status);

CREATE TABLE IF NOT EXISTS martingale_state (
    account TEXT PRIMARY KEY,
    consecutive_losses INTEGER DEFAULT 0,
    queued_amounts TEXT DEFAULT '[]',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS performance (
    account TEXT NOT NULL,
    date TEXT NOT NULL,
    trades INTEGER DEFAULT 0,
    wins INTEGER DEFAULT 0,
    losses INTEGER DEFAULT 0,
    draws INTEGER DEFAULT 0,
    profit REAL DEFAULT 0,
    volume REAL DEFAULT 0,
    PRIMARY KEY (account, date)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func (d *Database) ApplyMigrations() error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "trades", "signal_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "payout_rate", "REAL DEFAULT 0"); err != nil {
		return err
	}
	// Result idempotency flags shipped after the original monitor.
	if err := ensureColumn(d.DB, "trades", "timed_out", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "result_processed", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	// Staking-mode unification: older files only knew the lane fields.
	if err := ensureColumn(d.DB, "trading_settings", "staking_mode", "TEXT DEFAULT 'lanes'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trading_settings", "priority_symbols", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trading_settings", "min_payout", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trading_settings", "cooldown_seconds", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	if err := ensureColumn(d.DB, "martingale_lanes", "completion_reason", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "status", "TEXT DEFAULT 'offline'"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
