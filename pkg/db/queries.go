// Package db provides the durable ledger for accounts, trades, and recovery state.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrAccountRequired   = errors.New("account is required")
	ErrNotFound          = errors.New("record not found")
	ErrAccountReferenced = errors.New("account has recorded trades")
)

// runner is the common surface of *sql.DB and *sql.Tx, so the same query set
// serves both the bare handle and an open transaction.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StakingQueries groups the lane, queue, and result-settlement statements.
// Everything here is write-through: callers hold no durable state of their own.
type StakingQueries struct {
	run runner
	dbw *Database // nil when bound to a transaction
}

// NewStakingQueries creates a new StakingQueries instance.
func NewStakingQueries(d *Database) *StakingQueries {
	return &StakingQueries{run: d.DB, dbw: d}
}

// Queries returns the staking query set bound to this handle.
func (d *Database) Queries() *StakingQueries {
	return NewStakingQueries(d)
}

// WithTx runs fn with a query set bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise, so every
// statement fn issues lands or none do.
func (d *Database) WithTx(ctx context.Context, fn func(*StakingQueries) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&StakingQueries{run: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// exec routes writes through the busy-retry path outside a transaction. Inside
// one the statements run directly: the transaction already owns the connection.
func (q *StakingQueries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if q.dbw != nil {
		return q.dbw.ExecRetry(ctx, query, args...)
	}
	return q.run.ExecContext(ctx, query, args...)
}

// ----------------------------------------
// Lane Queries
// ----------------------------------------

const laneColumns = `
	id, account, symbol, status, current_level, base_amount, multiplier,
	max_level, current_amount, COALESCE(total_invested, 0),
	COALESCE(trades_count, 0), COALESCE(trade_ids, '[]'),
	COALESCE(completion_reason, ''), created_at, updated_at, completed_at`

func scanLane(scanner interface{ Scan(...any) error }) (Lane, error) {
	var (
		l   Lane
		ids string
	)
	err := scanner.Scan(
		&l.ID, &l.Account, &l.Symbol, &l.Status, &l.CurrentLevel, &l.BaseAmount, &l.Multiplier,
		&l.MaxLevel, &l.CurrentAmount, &l.TotalInvested,
		&l.TradesCount, &ids,
		&l.CompletionReason, &l.CreatedAt, &l.UpdatedAt, &l.CompletedAt,
	)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal([]byte(ids), &l.TradeIDs); err != nil {
		return l, fmt.Errorf("decode trade_ids: %w", err)
	}
	return l, nil
}

// CreateLane inserts a new active recovery lane.
func (q *StakingQueries) CreateLane(ctx context.Context, l Lane) error {
	if l.Account == "" {
		return ErrAccountRequired
	}
	ids, err := json.Marshal(l.TradeIDs)
	if err != nil {
		return fmt.Errorf("encode trade_ids: %w", err)
	}
	_, err = q.exec(ctx, `
		INSERT INTO martingale_lanes (
			id, account, symbol, status, current_level, base_amount, multiplier,
			max_level, current_amount, total_invested, trades_count, trade_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.Account, l.Symbol, LaneStatusActive, l.CurrentLevel, l.BaseAmount, l.Multiplier,
		l.MaxLevel, l.CurrentAmount, l.TotalInvested, l.TradesCount, string(ids),
	)
	return err
}

// GetLane returns a lane by id.
func (q *StakingQueries) GetLane(ctx context.Context, id string) (*Lane, error) {
	row := q.run.QueryRowContext(ctx, `SELECT `+laneColumns+` FROM martingale_lanes WHERE id = ?`, id)
	l, err := scanLane(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query lane: %w", err)
	}
	return &l, nil
}

// ListActiveLanes returns active lanes for an account, oldest first.
func (q *StakingQueries) ListActiveLanes(ctx context.Context, account string) ([]Lane, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	rows, err := q.run.QueryContext(ctx, `
		SELECT `+laneColumns+`
		FROM martingale_lanes
		WHERE account = ? AND status = ?
		ORDER BY created_at
	`, account, LaneStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active lanes: %w", err)
	}
	defer rows.Close()

	var lanes []Lane
	for rows.Next() {
		l, err := scanLane(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lane: %w", err)
		}
		lanes = append(lanes, l)
	}
	return lanes, rows.Err()
}

// ListLanes returns lanes for an account filtered by status (empty = all), newest first.
func (q *StakingQueries) ListLanes(ctx context.Context, account, status string, limit int) ([]Lane, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + laneColumns + ` FROM martingale_lanes WHERE account = ?`
	args := []any{account}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.run.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lanes: %w", err)
	}
	defer rows.Close()

	var lanes []Lane
	for rows.Next() {
		l, err := scanLane(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lane: %w", err)
		}
		lanes = append(lanes, l)
	}
	return lanes, rows.Err()
}

// UpdateLane writes a lane's mutable progress fields.
func (q *StakingQueries) UpdateLane(ctx context.Context, l Lane) error {
	ids, err := json.Marshal(l.TradeIDs)
	if err != nil {
		return fmt.Errorf("encode trade_ids: %w", err)
	}
	res, err := q.exec(ctx, `
		UPDATE martingale_lanes
		SET current_level = ?, current_amount = ?, total_invested = ?,
		    trades_count = ?, trade_ids = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, l.CurrentLevel, l.CurrentAmount, l.TotalInvested, l.TradesCount, string(ids), l.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteLane closes a lane with a reason (win, exhausted, manual).
func (q *StakingQueries) CompleteLane(ctx context.Context, id, reason string) error {
	res, err := q.exec(ctx, `
		UPDATE martingale_lanes
		SET status = ?, completion_reason = ?, completed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, LaneStatusCompleted, reason, id, LaneStatusActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountLanesCreatedOnDate returns lanes created by an account on a UTC date (YYYY-MM-DD).
func (q *StakingQueries) CountLanesCreatedOnDate(ctx context.Context, account, date string) (int, error) {
	if account == "" {
		return 0, ErrAccountRequired
	}
	var n int
	err := q.run.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM martingale_lanes WHERE account = ? AND date(created_at) = ?
	`, account, date).Scan(&n)
	return n, err
}

// ----------------------------------------
// Queue-mode State
// ----------------------------------------

// GetQueueState returns the account's recovery queue, or a zero state if absent.
func (q *StakingQueries) GetQueueState(ctx context.Context, account string) (*QueueState, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	row := q.run.QueryRowContext(ctx, `
		SELECT account, consecutive_losses, COALESCE(queued_amounts, '[]'), updated_at
		FROM martingale_state WHERE account = ?
	`, account)

	var (
		qs      QueueState
		amounts string
	)
	err := row.Scan(&qs.Account, &qs.ConsecutiveLosses, &amounts, &qs.UpdatedAt)
	if err == sql.ErrNoRows {
		return &QueueState{Account: account, QueuedAmounts: []float64{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query queue state: %w", err)
	}
	if err := json.Unmarshal([]byte(amounts), &qs.QueuedAmounts); err != nil {
		return nil, fmt.Errorf("decode queued_amounts: %w", err)
	}
	return &qs, nil
}

// SaveQueueState upserts the account's recovery queue.
func (q *StakingQueries) SaveQueueState(ctx context.Context, qs QueueState) error {
	if qs.Account == "" {
		return ErrAccountRequired
	}
	if qs.QueuedAmounts == nil {
		qs.QueuedAmounts = []float64{}
	}
	amounts, err := json.Marshal(qs.QueuedAmounts)
	if err != nil {
		return fmt.Errorf("encode queued_amounts: %w", err)
	}
	_, err = q.exec(ctx, `
		INSERT INTO martingale_state (account, consecutive_losses, queued_amounts, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account) DO UPDATE SET
			consecutive_losses = excluded.consecutive_losses,
			queued_amounts = excluded.queued_amounts,
			updated_at = CURRENT_TIMESTAMP
	`, qs.Account, qs.ConsecutiveLosses, string(amounts))
	return err
}

// ----------------------------------------
// Result Settlement
// ----------------------------------------

// ClaimTradeResult atomically settles a trade exactly once. It reports
// false when another goroutine (or a previous run) already claimed it.
func (q *StakingQueries) ClaimTradeResult(ctx context.Context, tradeID, result string, profit float64, timedOut bool) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE trades
		SET status = ?, result = ?, profit = ?, timed_out = ?,
		    result_processed = 1, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND result_processed = 0
	`, TradeStatusResolved, result, profit, timedOut, tradeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ----------------------------------------
// Performance
// ----------------------------------------

// AddDailyStat folds a delta into the account-day performance row.
func (q *StakingQueries) AddDailyStat(ctx context.Context, s DailyStat) error {
	if s.Account == "" {
		return ErrAccountRequired
	}
	_, err := q.exec(ctx, `
		INSERT INTO performance (account, date, trades, wins, losses, draws, profit, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, date) DO UPDATE SET
			trades = trades + excluded.trades,
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			draws = draws + excluded.draws,
			profit = profit + excluded.profit,
			volume = volume + excluded.volume
	`, s.Account, s.Date, s.Trades, s.Wins, s.Losses, s.Draws, s.Profit, s.Volume)
	return err
}

// GetDailyStats returns up to days of recent account-day rows, newest first.
func (q *StakingQueries) GetDailyStats(ctx context.Context, account string, days int) ([]DailyStat, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}
	if days <= 0 {
		days = 30
	}
	rows, err := q.run.QueryContext(ctx, `
		SELECT account, date, trades, wins, losses, draws, profit, volume
		FROM performance
		WHERE account = ?
		ORDER BY date DESC
		LIMIT ?
	`, account, days)
	if err != nil {
		return nil, fmt.Errorf("query performance: %w", err)
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.Account, &s.Date, &s.Trades, &s.Wins, &s.Losses, &s.Draws, &s.Profit, &s.Volume); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
