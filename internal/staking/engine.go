// Package staking decides the amount for every trade and tracks loss
// recovery. One engine serves both recovery models: martingale lanes, where
// each losing base trade opens an independent escalation lane, and the legacy
// single queue of escalated amounts. Which model applies is a per-account
// setting, so mixed fleets run side by side on the same process.
//
// All decisions are written through to the ledger before they are returned;
// after a restart the engine rebuilds its view purely from the lanes, queue
// state, and open trades tables.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/internal/events"
	"options-core/internal/policy"
	"options-core/internal/state"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
)

// Completion reasons recorded on a lane.
const (
	ReasonWin       = "win"
	ReasonExhausted = "exhausted"
	ReasonManual    = "manual"
)

// Decision is the outcome of a stake request. When Blocked is set the caller
// must not place the trade; Reason says why. Otherwise Amount is the stake
// and ReservationID holds the in-flight slot until the order is either
// committed via OnTradePlaced or released via Release.
type Decision struct {
	Amount        float64
	LaneID        string
	Level         int
	Recovery      bool
	Blocked       bool
	Reason        string
	ReservationID string
}

// Placement reports a broker-accepted trade back to the engine.
type Placement struct {
	ReservationID string
	TradeID       string
	TrackingID    string
	Account       string
	Symbol        string
	Action        string
	Amount        float64
	LaneID        string
	Level         int
	Recovery      bool
	OpenedAt      time.Time
	ExpiresAt     time.Time
}

// SettingsSource resolves effective trading settings for an account.
type SettingsSource interface {
	Resolve(ctx context.Context, account string) (db.Settings, error)
}

type laneCacheEntry struct {
	lanes []db.Lane
	at    time.Time
}

// Engine is the staking engine. All three entry points (Decide,
// OnTradePlaced, OnTradeResult) serialize per account, so a lane can never
// advance twice for one loss and a second signal cannot slip past the
// single-trade policy while the first is being registered.
type Engine struct {
	db       *db.Database
	queries  *db.StakingQueries
	settings SettingsSource
	registry *state.Registry
	bus      *events.Bus

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	laneCache  map[string]laneCacheEntry
	lastPlaced map[string]time.Time

	laneTTL time.Duration
}

func NewEngine(database *db.Database, settings SettingsSource, registry *state.Registry, bus *events.Bus) *Engine {
	e := &Engine{
		db:         database,
		queries:    database.Queries(),
		settings:   settings,
		registry:   registry,
		bus:        bus,
		locks:      make(map[string]*sync.Mutex),
		laneCache:  make(map[string]laneCacheEntry),
		lastPlaced: make(map[string]time.Time),
		laneTTL:    30 * time.Second,
	}
	log.Println(i18n.Get("EngineInit"))
	return e
}

func (e *Engine) accountLock(account string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[account]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[account] = l
	return l
}

// Settings resolves the effective trading settings for an account.
func (e *Engine) Settings(ctx context.Context, account string) (db.Settings, error) {
	return e.settings.Resolve(ctx, account)
}

// Decide returns the stake for the next trade on an account. The decision is
// durable before it is returned: a queue pop is saved immediately and a lane
// assignment is backed by the lane row itself. Any ledger failure comes back
// as a blocked decision together with the error, never as a silent base
// stake.
func (e *Engine) Decide(ctx context.Context, account, symbol string) (Decision, error) {
	lock := e.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.settings.Resolve(ctx, account)
	if err != nil {
		return Decision{Blocked: true, Reason: "ledger unavailable"}, err
	}

	base := round2(st.BaseAmount)

	// Staking disabled: flat base stakes with no recovery bookkeeping.
	if !st.MartingaleEnabled {
		return Decision{Amount: base, ReservationID: e.reserve(account, symbol, "")}, nil
	}

	if !st.ConcurrentTrading && e.registry.InFlight(account) > 0 {
		return Decision{Blocked: true, Reason: "trade already in flight"}, nil
	}
	if st.CooldownSeconds > 0 {
		if wait := e.cooldownLeft(account, st.CooldownSeconds); wait > 0 {
			return Decision{Blocked: true, Reason: fmt.Sprintf("cooldown active for %s", wait.Round(time.Second))}, nil
		}
	}

	if st.StakingMode == db.StakingModeQueue {
		return e.decideQueue(ctx, account, symbol, base)
	}
	return e.decideLanes(ctx, account, symbol, st, base)
}

func (e *Engine) decideLanes(ctx context.Context, account, symbol string, st db.Settings, base float64) (Decision, error) {
	lanes, err := e.activeLanes(ctx, account)
	if err != nil {
		return Decision{Blocked: true, Reason: "ledger unavailable"}, err
	}

	eligible := make([]db.Lane, 0, len(lanes))
	for _, l := range lanes {
		if !e.registry.LaneBusy(l.ID) {
			eligible = append(eligible, l)
		}
	}

	if lane := selectLane(eligible, st.LaneStrategy, symbol, policy.PriorityList(st)); lane != nil {
		amount := round2(lane.BaseAmount * math.Pow(lane.Multiplier, float64(lane.CurrentLevel)))
		return Decision{
			Amount:        amount,
			LaneID:        lane.ID,
			Level:         lane.CurrentLevel,
			Recovery:      true,
			ReservationID: e.reserve(account, symbol, lane.ID),
		}, nil
	}

	// Every active lane is waiting on a result and there is no room to grow a
	// new one out of this trade, so placing it could only breach the cap.
	if len(lanes) >= st.MaxConcurrentLanes {
		return Decision{Blocked: true, Reason: "lane cap reached"}, nil
	}

	if dec, ok, err := e.popQueue(ctx, account, symbol); err != nil {
		return Decision{Blocked: true, Reason: "ledger unavailable"}, err
	} else if ok {
		return dec, nil
	}

	return Decision{Amount: base, ReservationID: e.reserve(account, symbol, "")}, nil
}

func (e *Engine) decideQueue(ctx context.Context, account, symbol string, base float64) (Decision, error) {
	if dec, ok, err := e.popQueue(ctx, account, symbol); err != nil {
		return Decision{Blocked: true, Reason: "ledger unavailable"}, err
	} else if ok {
		return dec, nil
	}
	return Decision{Amount: base, ReservationID: e.reserve(account, symbol, "")}, nil
}

// popQueue takes the head of the recovery queue. The shrunken queue is saved
// before the amount is handed out; if the save fails the pop never happened.
func (e *Engine) popQueue(ctx context.Context, account, symbol string) (Decision, bool, error) {
	qs, err := e.queries.GetQueueState(ctx, account)
	if err != nil {
		return Decision{}, false, err
	}
	if len(qs.QueuedAmounts) == 0 {
		return Decision{}, false, nil
	}
	amount := round2(qs.QueuedAmounts[0])
	qs.QueuedAmounts = qs.QueuedAmounts[1:]
	if err := e.queries.SaveQueueState(ctx, *qs); err != nil {
		return Decision{}, false, err
	}
	return Decision{
		Amount:        amount,
		Level:         qs.ConsecutiveLosses,
		Recovery:      true,
		ReservationID: e.reserve(account, symbol, ""),
	}, true, nil
}

func (e *Engine) reserve(account, symbol, laneID string) string {
	id := uuid.NewString()
	e.registry.Reserve(state.Reservation{
		ID:      id,
		Account: account,
		Symbol:  symbol,
		LaneID:  laneID,
		At:      time.Now(),
	})
	return id
}

// Release frees the in-flight slot of a decision whose order never reached
// the broker. Queue pops are not pushed back; the amount stays spent, same
// as a broker rejection after submission.
func (e *Engine) Release(account, reservationID string) {
	if reservationID == "" {
		return
	}
	lock := e.accountLock(account)
	lock.Lock()
	defer lock.Unlock()
	e.registry.Release(reservationID)
}

// OnTradePlaced records a broker-accepted trade: the reservation becomes an
// open trade and, for lane trades, the lane's membership and cumulative
// investment are updated.
func (e *Engine) OnTradePlaced(ctx context.Context, p Placement) error {
	lock := e.accountLock(p.Account)
	lock.Lock()
	defer lock.Unlock()

	e.registry.Commit(p.ReservationID, state.Open{
		TradeID:    p.TradeID,
		TrackingID: p.TrackingID,
		Account:    p.Account,
		Symbol:     p.Symbol,
		Action:     p.Action,
		Amount:     p.Amount,
		LaneID:     p.LaneID,
		Level:      p.Level,
		Recovery:   p.Recovery,
		OpenedAt:   p.OpenedAt,
		ExpiresAt:  p.ExpiresAt,
	})

	e.mu.Lock()
	e.lastPlaced[p.Account] = time.Now()
	e.mu.Unlock()

	if p.LaneID == "" {
		return nil
	}

	lane, err := e.queries.GetLane(ctx, p.LaneID)
	if err != nil {
		return fmt.Errorf("lane %s for placed trade %s: %w", p.LaneID, p.TradeID, err)
	}
	lane.TradeIDs = append(lane.TradeIDs, p.TradeID)
	lane.TradesCount++
	lane.TotalInvested = round2(lane.TotalInvested + p.Amount)
	if err := e.queries.UpdateLane(ctx, *lane); err != nil {
		return fmt.Errorf("update lane %s: %w", p.LaneID, err)
	}
	e.invalidateLanes(p.Account)
	return nil
}

// laneEffect is a recovery-state change made inside the settlement
// transaction. Logs and bus events for it fire only after the commit, so a
// rollback never announces a lane change that did not happen.
type laneEffect struct {
	kind    string
	lane    db.Lane
	account string
}

const (
	effectLaneCreated   = "lane_created"
	effectLaneAdvanced  = "lane_advanced"
	effectLaneRecovered = "lane_recovered"
	effectLaneExhausted = "lane_exhausted"
	effectQueueCleared  = "queue_cleared"
)

// OnTradeResult applies a resolved trade to the recovery state. The ledger's
// result-processed flag makes this idempotent: only the first delivery for a
// trade id mutates anything, and the method reports whether this call was
// that first delivery. The claim and the lane or queue mutation commit in one
// transaction, so an error anywhere rolls the claim back and the next
// delivery starts over. Draws return the stake and leave lanes and queue
// untouched.
func (e *Engine) OnTradeResult(ctx context.Context, trade db.Trade, result string, profit float64, timedOut bool) (bool, error) {
	lock := e.accountLock(trade.Account)
	lock.Lock()
	defer lock.Unlock()

	// Resolved before the claim so a settings outage leaves the trade open
	// for the monitor to redeliver.
	st, err := e.settings.Resolve(ctx, trade.Account)
	if err != nil {
		return false, err
	}

	var (
		claimed bool
		effects []laneEffect
	)
	err = e.db.WithTx(ctx, func(q *db.StakingQueries) error {
		var err error
		claimed, err = q.ClaimTradeResult(ctx, trade.ID, result, profit, timedOut)
		if err != nil || !claimed {
			return err
		}
		switch result {
		case db.ResultWin:
			effects, err = e.applyWin(ctx, q, st, trade)
		case db.ResultLoss:
			effects, err = e.applyLoss(ctx, q, st, trade)
		}
		return err
	})
	if err != nil || !claimed {
		return false, err
	}

	e.registry.Remove(trade.ID)
	e.invalidateLanes(trade.Account)
	e.emit(effects)
	return true, nil
}

func (e *Engine) emit(effects []laneEffect) {
	for _, ef := range effects {
		switch ef.kind {
		case effectLaneRecovered:
			log.Printf(i18n.Get("LaneRecovered"), ef.lane.ID, ef.lane.TotalInvested)
			e.publishLane(events.EventLaneCompleted, ef.lane, 0, ReasonWin)
		case effectLaneExhausted:
			log.Printf(i18n.Get("LaneExhausted"), ef.lane.ID, ef.lane.MaxLevel)
			e.publishLane(events.EventLaneCompleted, ef.lane, 0, ReasonExhausted)
		case effectLaneAdvanced:
			log.Printf(i18n.Get("LaneAdvanced"), ef.lane.ID, ef.lane.CurrentLevel, ef.lane.CurrentAmount)
			e.publishLane(events.EventLaneAdvanced, ef.lane, ef.lane.CurrentAmount, "")
		case effectLaneCreated:
			log.Printf(i18n.Get("LaneCreated"), ef.lane.ID, ef.lane.CurrentLevel, ef.lane.CurrentAmount)
			e.publishLane(events.EventLaneCreated, ef.lane, ef.lane.CurrentAmount, "")
		case effectQueueCleared:
			log.Printf(i18n.Get("QueueCleared"), ef.account)
		}
	}
}

func (e *Engine) applyWin(ctx context.Context, q *db.StakingQueries, st db.Settings, trade db.Trade) ([]laneEffect, error) {
	if trade.LaneID != "" {
		lane, err := q.GetLane(ctx, trade.LaneID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if err := q.CompleteLane(ctx, lane.ID, ReasonWin); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []laneEffect{{kind: effectLaneRecovered, lane: *lane}}, nil
	}

	// A plain win only resets recovery state in queue mode. Lane-mode base
	// trades that win never created any state to reset.
	if st.StakingMode == db.StakingModeQueue {
		qs, err := q.GetQueueState(ctx, trade.Account)
		if err != nil {
			return nil, err
		}
		if qs.ConsecutiveLosses == 0 && len(qs.QueuedAmounts) == 0 {
			return nil, nil
		}
		qs.ConsecutiveLosses = 0
		qs.QueuedAmounts = nil
		if err := q.SaveQueueState(ctx, *qs); err != nil {
			return nil, err
		}
		return []laneEffect{{kind: effectQueueCleared, account: trade.Account}}, nil
	}
	return nil, nil
}

func (e *Engine) applyLoss(ctx context.Context, q *db.StakingQueries, st db.Settings, trade db.Trade) ([]laneEffect, error) {
	if trade.LaneID != "" {
		return e.advanceLane(ctx, q, trade)
	}
	// Trades placed while staking is off never grow recovery state, though a
	// leftover lane from before the switch still resolves normally above.
	if !st.MartingaleEnabled {
		return nil, nil
	}
	if st.StakingMode == db.StakingModeLanes {
		effects, created, err := e.maybeCreateLane(ctx, q, st, trade)
		if err != nil || created {
			return effects, err
		}
	}
	return nil, e.pushQueue(ctx, q, st, trade.Account)
}

// advanceLane escalates a lane after a losing step, or completes it as
// exhausted when the next step would reach the configured maximum.
func (e *Engine) advanceLane(ctx context.Context, q *db.StakingQueries, trade db.Trade) ([]laneEffect, error) {
	lane, err := q.GetLane(ctx, trade.LaneID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if lane.Status != db.LaneStatusActive {
		return nil, nil
	}

	if lane.CurrentLevel+1 >= lane.MaxLevel {
		if err := q.CompleteLane(ctx, lane.ID, ReasonExhausted); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []laneEffect{{kind: effectLaneExhausted, lane: *lane}}, nil
	}

	lane.CurrentLevel++
	// Always derived from the base, so rounding never compounds.
	lane.CurrentAmount = round2(lane.BaseAmount * math.Pow(lane.Multiplier, float64(lane.CurrentLevel)))
	if err := q.UpdateLane(ctx, *lane); err != nil {
		return nil, err
	}
	return []laneEffect{{kind: effectLaneAdvanced, lane: *lane}}, nil
}

// maybeCreateLane opens a new lane seeded with the lost base trade as its
// first member. It reports false when lane creation is not allowed right now
// and the loss should fall through to the queue instead.
func (e *Engine) maybeCreateLane(ctx context.Context, q *db.StakingQueries, st db.Settings, trade db.Trade) ([]laneEffect, bool, error) {
	if !st.AutoCreateLanes {
		return nil, false, nil
	}
	lanes, err := q.ListActiveLanes(ctx, trade.Account)
	if err != nil {
		return nil, false, err
	}
	if len(lanes) >= st.MaxConcurrentLanes {
		return nil, false, nil
	}
	if st.MaxLanesPerDay > 0 {
		today := time.Now().UTC().Format("2006-01-02")
		n, err := q.CountLanesCreatedOnDate(ctx, trade.Account, today)
		if err != nil {
			return nil, false, err
		}
		if n >= st.MaxLanesPerDay {
			return nil, false, nil
		}
	}

	lane := db.Lane{
		ID:            newLaneID(trade.Account, trade.Symbol),
		Account:       trade.Account,
		Symbol:        trade.Symbol,
		Status:        db.LaneStatusActive,
		CurrentLevel:  1,
		BaseAmount:    st.BaseAmount,
		Multiplier:    st.Multiplier,
		MaxLevel:      st.MaxLevel,
		CurrentAmount: round2(st.BaseAmount * st.Multiplier),
		TotalInvested: trade.Amount,
		TradesCount:   1,
		TradeIDs:      []string{trade.ID},
	}
	if err := q.CreateLane(ctx, lane); err != nil {
		return nil, false, err
	}
	return []laneEffect{{kind: effectLaneCreated, lane: lane}}, true, nil
}

func (e *Engine) pushQueue(ctx context.Context, q *db.StakingQueries, st db.Settings, account string) error {
	qs, err := q.GetQueueState(ctx, account)
	if err != nil {
		return err
	}
	qs.ConsecutiveLosses++
	next := round2(st.BaseAmount * math.Pow(st.Multiplier, float64(qs.ConsecutiveLosses)))
	qs.QueuedAmounts = append(qs.QueuedAmounts, next)
	return q.SaveQueueState(ctx, *qs)
}

// ForceCompleteLane closes a lane by hand. It runs through the same
// completion path as a win or exhaustion, so the lane can never be revived
// afterwards. Returns db.ErrNotFound when the lane is unknown or already
// completed.
func (e *Engine) ForceCompleteLane(ctx context.Context, laneID string) error {
	lane, err := e.queries.GetLane(ctx, laneID)
	if err != nil {
		return err
	}

	lock := e.accountLock(lane.Account)
	lock.Lock()
	defer lock.Unlock()

	if err := e.queries.CompleteLane(ctx, laneID, ReasonManual); err != nil {
		return err
	}
	e.invalidateLanes(lane.Account)
	e.publishLane(events.EventLaneCompleted, *lane, 0, ReasonManual)
	return nil
}

func (e *Engine) activeLanes(ctx context.Context, account string) ([]db.Lane, error) {
	e.mu.Lock()
	if c, ok := e.laneCache[account]; ok && time.Since(c.at) < e.laneTTL {
		e.mu.Unlock()
		return c.lanes, nil
	}
	e.mu.Unlock()

	lanes, err := e.queries.ListActiveLanes(ctx, account)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.laneCache[account] = laneCacheEntry{lanes: lanes, at: time.Now()}
	e.mu.Unlock()
	return lanes, nil
}

func (e *Engine) invalidateLanes(account string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.laneCache, account)
}

func (e *Engine) cooldownLeft(account string, seconds int) time.Duration {
	e.mu.Lock()
	last, ok := e.lastPlaced[account]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return time.Duration(seconds)*time.Second - time.Since(last)
}

func (e *Engine) publishLane(evt events.Event, lane db.Lane, nextAmount float64, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(evt, events.LaneEvent{
		LaneID:     lane.ID,
		Account:    lane.Account,
		Symbol:     lane.Symbol,
		Level:      lane.CurrentLevel,
		NextAmount: nextAmount,
		TotalRisk:  lane.TotalInvested,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}

func newLaneID(account, symbol string) string {
	return fmt.Sprintf("%s_%s_%d_%s", account, symbol, time.Now().Unix(), uuid.NewString()[:8])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
