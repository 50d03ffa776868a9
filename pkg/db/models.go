package db

import (
	"context"
	"database/sql"
	"time"
)

// Account is a broker account credential set stored in the DB.
// SSID may be stored encrypted (see pkg/crypto); callers decrypt on read.
type Account struct {
	Name      string
	SSID      string
	IsDemo    bool
	Enabled   bool
	Balance   float64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings holds per-account staking and policy knobs. The row with
// account = 'global' acts as the fallback for accounts without their own row.
type Settings struct {
	Account            string
	Enabled            bool
	BaseAmount         float64
	MartingaleEnabled  bool
	Multiplier         float64
	MaxLevel           int
	StakingMode        string
	LaneStrategy       string
	AutoCreateLanes    bool
	MaxConcurrentLanes int
	MaxLanesPerDay     int
	ConcurrentTrading  bool
	CooldownSeconds    int
	PrioritySymbols    string
	MinPayout          float64
	UpdatedAt          time.Time
}

// Trade is one binary option contract as recorded in the ledger.
// ID is the broker's trade id; TrackingID is ours and assigned pre-submission.
type Trade struct {
	ID              string
	TrackingID      string
	Account         string
	Symbol          string
	Action          string
	Amount          float64
	ExpirySeconds   int
	PayoutRate      float64
	Level           int
	IsRecovery      bool
	LaneID          string
	SignalID        string
	Status          string
	Result          string
	Profit          float64
	TimedOut        bool
	ResultProcessed bool
	OpenedAt        time.Time
	ExpiresAt       time.Time
	ResolvedAt      sql.NullTime
	CreatedAt       time.Time
}

// Lane is a recovery sequence for one losing base trade.
type Lane struct {
	ID               string
	Account          string
	Symbol           string
	Status           string
	CurrentLevel     int
	BaseAmount       float64
	Multiplier       float64
	MaxLevel         int
	CurrentAmount    float64
	TotalInvested    float64
	TradesCount      int
	TradeIDs         []string
	CompletionReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      sql.NullTime
}

// QueueState is the account-global recovery queue (legacy staking mode).
type QueueState struct {
	Account           string
	ConsecutiveLosses int
	QueuedAmounts     []float64
	UpdatedAt         time.Time
}

// DailyStat is one account-day performance row.
type DailyStat struct {
	Account string
	Date    string
	Trades  int
	Wins    int
	Losses  int
	Draws   int
	Profit  float64
	Volume  float64
}

const (
	TradeStatusOpen     = "open"
	TradeStatusResolved = "resolved"

	LaneStatusActive    = "active"
	LaneStatusCompleted = "completed"

	ResultWin  = "win"
	ResultLoss = "loss"
	ResultDraw = "draw"

	StakingModeLanes = "lanes"
	StakingModeQueue = "queue"
)

// UpsertAccount inserts or refreshes an account's credentials and flags.
// Balance and status are runtime fields and left untouched on conflict.
func (d *Database) UpsertAccount(ctx context.Context, a Account) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (name, ssid, is_demo, enabled, balance, status)
		VALUES (?, ?, ?, ?, 0, 'offline')
		ON CONFLICT(name) DO UPDATE SET
			ssid = excluded.ssid,
			is_demo = excluded.is_demo,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`, a.Name, a.SSID, a.IsDemo, a.Enabled)
	return err
}

// GetAccount returns an account by name or nil if not found.
func (d *Database) GetAccount(ctx context.Context, name string) (*Account, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT name, ssid, is_demo, enabled, balance, COALESCE(status, 'offline'), created_at, updated_at
		FROM accounts WHERE name = ?
	`, name)
	var a Account
	if err := row.Scan(&a.Name, &a.SSID, &a.IsDemo, &a.Enabled, &a.Balance, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by name.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT name, ssid, is_demo, enabled, balance, COALESCE(status, 'offline'), created_at, updated_at
		FROM accounts ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Name, &a.SSID, &a.IsDemo, &a.Enabled, &a.Balance, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListEnabledAccounts returns accounts eligible for trading.
func (d *Database) ListEnabledAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT name, ssid, is_demo, enabled, balance, COALESCE(status, 'offline'), created_at, updated_at
		FROM accounts WHERE enabled = 1 ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Name, &a.SSID, &a.IsDemo, &a.Enabled, &a.Balance, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAccountEnabled toggles an account's trading eligibility.
func (d *Database) SetAccountEnabled(ctx context.Context, name string, enabled bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?
	`, enabled, name)
	return err
}

// UpdateAccountStatus records the connection state (online/offline/error).
func (d *Database) UpdateAccountStatus(ctx context.Context, name, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?
	`, status, name)
	return err
}

// UpdateAccountBalance stores the latest broker-reported balance.
func (d *Database) UpdateAccountBalance(ctx context.Context, name string, balance float64) error {
	_, err := d.ExecRetry(ctx, `
		UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?
	`, balance, name)
	return err
}

// DeleteAccount removes an account row. It refuses with ErrAccountReferenced
// while any trade still references the account, so trade history never loses
// its owner. Disable the account instead.
func (d *Database) DeleteAccount(ctx context.Context, name string) error {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE account = ?`, name).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrAccountReferenced
	}
	_, err = d.DB.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name)
	return err
}

// GetSettings returns the settings row for an account, or nil if absent.
// Callers fall back to the 'global' row and then to built-in defaults.
func (d *Database) GetSettings(ctx context.Context, account string) (*Settings, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT account, enabled, base_amount, martingale_enabled, martingale_multiplier,
		       max_martingale_level, COALESCE(staking_mode, 'lanes'), lane_strategy,
		       auto_create_lanes, max_concurrent_lanes, max_lanes_per_day,
		       concurrent_trading, COALESCE(cooldown_seconds, 0),
		       COALESCE(priority_symbols, ''), COALESCE(min_payout, 0), updated_at
		FROM trading_settings WHERE account = ?
	`, account)
	var s Settings
	err := row.Scan(&s.Account, &s.Enabled, &s.BaseAmount, &s.MartingaleEnabled, &s.Multiplier,
		&s.MaxLevel, &s.StakingMode, &s.LaneStrategy,
		&s.AutoCreateLanes, &s.MaxConcurrentLanes, &s.MaxLanesPerDay,
		&s.ConcurrentTrading, &s.CooldownSeconds,
		&s.PrioritySymbols, &s.MinPayout, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpsertSettings writes the full settings row for an account.
func (d *Database) UpsertSettings(ctx context.Context, s Settings) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trading_settings (
			account, enabled, base_amount, martingale_enabled, martingale_multiplier,
			max_martingale_level, staking_mode, lane_strategy, auto_create_lanes,
			max_concurrent_lanes, max_lanes_per_day, concurrent_trading,
			cooldown_seconds, priority_symbols, min_payout, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account) DO UPDATE SET
			enabled = excluded.enabled,
			base_amount = excluded.base_amount,
			martingale_enabled = excluded.martingale_enabled,
			martingale_multiplier = excluded.martingale_multiplier,
			max_martingale_level = excluded.max_martingale_level,
			staking_mode = excluded.staking_mode,
			lane_strategy = excluded.lane_strategy,
			auto_create_lanes = excluded.auto_create_lanes,
			max_concurrent_lanes = excluded.max_concurrent_lanes,
			max_lanes_per_day = excluded.max_lanes_per_day,
			concurrent_trading = excluded.concurrent_trading,
			cooldown_seconds = excluded.cooldown_seconds,
			priority_symbols = excluded.priority_symbols,
			min_payout = excluded.min_payout,
			updated_at = CURRENT_TIMESTAMP
	`, s.Account, s.Enabled, s.BaseAmount, s.MartingaleEnabled, s.Multiplier,
		s.MaxLevel, s.StakingMode, s.LaneStrategy, s.AutoCreateLanes,
		s.MaxConcurrentLanes, s.MaxLanesPerDay, s.ConcurrentTrading,
		s.CooldownSeconds, s.PrioritySymbols, s.MinPayout)
	return err
}

// CreateTrade writes the ledger row for a broker-accepted contract.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.ExecRetry(ctx, `
		INSERT INTO trades (
			id, tracking_id, account, symbol, action, amount, expiry_seconds,
			payout_rate, martingale_level, is_recovery, lane_id, signal_id,
			status, opened_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.TrackingID, t.Account, t.Symbol, t.Action, t.Amount, t.ExpirySeconds,
		t.PayoutRate, t.Level, t.IsRecovery, t.LaneID, t.SignalID,
		TradeStatusOpen, t.OpenedAt.UTC(), t.ExpiresAt.UTC(),
	)
	return err
}

const tradeColumns = `
	id, tracking_id, account, symbol, action, amount, expiry_seconds,
	COALESCE(payout_rate, 0), martingale_level, is_recovery,
	COALESCE(lane_id, ''), COALESCE(signal_id, ''), status,
	COALESCE(result, ''), COALESCE(profit, 0),
	COALESCE(timed_out, 0), COALESCE(result_processed, 0),
	opened_at, expires_at, resolved_at, created_at`

func scanTrade(scanner interface{ Scan(...any) error }) (Trade, error) {
	var t Trade
	err := scanner.Scan(
		&t.ID, &t.TrackingID, &t.Account, &t.Symbol, &t.Action, &t.Amount, &t.ExpirySeconds,
		&t.PayoutRate, &t.Level, &t.IsRecovery,
		&t.LaneID, &t.SignalID, &t.Status,
		&t.Result, &t.Profit,
		&t.TimedOut, &t.ResultProcessed,
		&t.OpenedAt, &t.ExpiresAt, &t.ResolvedAt, &t.CreatedAt,
	)
	return t, err
}

// GetTrade returns a trade by broker id or nil if not found.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// HasTradeForSignal reports whether any trade was placed for a signal id.
// Journal recovery uses it to skip re-executing a signal whose order already
// reached the broker before the crash.
func (d *Database) HasTradeForSignal(ctx context.Context, signalID string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE signal_id = ?`, signalID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetTradeByTracking returns a trade by our pre-submission tracking id.
func (d *Database) GetTradeByTracking(ctx context.Context, trackingID string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE tracking_id = ?`, trackingID)
	t, err := scanTrade(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListOpenTrades returns unresolved trades, optionally for one account.
// Used to rebuild monitoring state after a restart.
func (d *Database) ListOpenTrades(ctx context.Context, account string) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ?`
	args := []any{TradeStatusOpen}
	if account != "" {
		query += ` AND account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY opened_at`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListRecentTrades returns the newest trades, optionally for one account.
func (d *Database) ListRecentTrades(ctx context.Context, account string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + tradeColumns + ` FROM trades`
	args := []any{}
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTradesOnDate returns how many trades an account opened on a UTC date (YYYY-MM-DD).
func (d *Database) CountTradesOnDate(ctx context.Context, account, date string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades WHERE account = ? AND date(opened_at) = ?
	`, account, date).Scan(&n)
	return n, err
}
