// Package monitor resolves open trades. Every trade gets its own watcher
// goroutine that starts polling shortly before expiry and keeps at it
// through a grace window; a trade the broker never answers for is recorded
// as a loss and flagged timed_out so reports can tell it apart from a real
// loss. A periodic sweep re-adopts any open trade without a watcher, which
// is also how monitoring resumes after a restart.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/internal/staking"
	"options-core/internal/worker"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
)

// Sender is the command path to account workers.
type Sender interface {
	Send(ctx context.Context, account string, action worker.Action, params worker.Params, timeout time.Duration) (worker.Response, error)
}

// Config sets the polling envelope around a trade's expiry.
type Config struct {
	Lead          time.Duration // start polling this long before expiry
	Interval      time.Duration // poll cadence
	Grace         time.Duration // keep polling this long past expiry
	CheckTimeout  time.Duration // budget for one check_win command
	SweepInterval time.Duration // orphan scan cadence
}

func DefaultConfig() Config {
	return Config{
		Lead:          5 * time.Second,
		Interval:      3 * time.Second,
		Grace:         180 * time.Second,
		CheckTimeout:  20 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Monitor owns trade resolution. Results flow through the staking engine's
// claim, so a trade is applied exactly once no matter how many watchers or
// sweeps see it.
type Monitor struct {
	db      *db.Database
	engine  *staking.Engine
	workers Sender
	bus     *events.Bus
	cfg     Config

	mu      sync.Mutex
	watched map[string]struct{}

	runCtx context.Context
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(database *db.Database, engine *staking.Engine, workers Sender, bus *events.Bus, cfg Config) *Monitor {
	return &Monitor{
		db:      database,
		engine:  engine,
		workers: workers,
		bus:     bus,
		cfg:     cfg,
		watched: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start resumes watchers for every unresolved trade in the ledger and begins
// the orphan sweep.
func (m *Monitor) Start(ctx context.Context) error {
	m.runCtx = ctx

	open, err := m.db.ListOpenTrades(ctx, "")
	if err != nil {
		return err
	}
	for _, t := range open {
		m.Watch(t)
	}
	if len(open) > 0 {
		log.Printf(i18n.Get("MonitorResumed"), len(open))
	}

	m.wg.Add(1)
	go m.sweepLoop(ctx)
	log.Println(i18n.Get("MonitorStarted"))
	return nil
}

func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// Watch starts a watcher for a trade unless one is already running.
func (m *Monitor) Watch(trade db.Trade) {
	m.mu.Lock()
	if _, ok := m.watched[trade.ID]; ok {
		m.mu.Unlock()
		return
	}
	m.watched[trade.ID] = struct{}{}
	m.mu.Unlock()

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.unwatch(trade.ID)
		m.watch(ctx, trade)
	}()
}

func (m *Monitor) unwatch(tradeID string) {
	m.mu.Lock()
	delete(m.watched, tradeID)
	m.mu.Unlock()
}

// watch polls one trade to resolution. Transient command failures, worker
// outages, and unanswered checks all just mean "try again" until the grace
// deadline turns the trade into a timed-out loss.
func (m *Monitor) watch(ctx context.Context, trade db.Trade) {
	giveUp := trade.ExpiresAt.Add(m.cfg.Grace)

	if wait := time.Until(trade.ExpiresAt.Add(-m.cfg.Lead)); wait > 0 {
		if !m.sleep(ctx, wait) {
			return
		}
	}

	for {
		if time.Now().After(giveUp) {
			log.Printf(i18n.Get("TradeTimedOut"), trade.ID)
			m.settle(ctx, trade, db.ResultLoss, -trade.Amount, true)
			return
		}

		resp, err := m.workers.Send(ctx, trade.Account, worker.ActionCheckWin,
			worker.Params{TradeID: trade.ID}, m.cfg.CheckTimeout)
		switch {
		case err == nil && resp.Outcome != nil && resp.Outcome.Resolved:
			m.settle(ctx, trade, resp.Outcome.Result, resp.Outcome.Profit, false)
			return
		case err != nil && !errors.Is(err, worker.ErrTimeout) && !errors.Is(err, worker.ErrUnavailable):
			log.Printf(i18n.Get("ResultCheckFailed"), trade.ID, err)
		}

		if !m.sleep(ctx, m.cfg.Interval) {
			return
		}
	}
}

// settle applies a result through the staking engine. If the claim shows the
// trade was already processed this is a no-op; if the ledger write fails the
// trade stays open and the next sweep retries it.
func (m *Monitor) settle(ctx context.Context, trade db.Trade, result string, profit float64, timedOut bool) {
	applied, err := m.engine.OnTradeResult(ctx, trade, result, profit, timedOut)
	if err != nil {
		log.Printf(i18n.Get("ResultCheckFailed"), trade.ID, err)
		return
	}
	if !applied {
		return
	}

	log.Printf(i18n.Get("TradeResolved"), trade.ID, result, profit)
	if m.bus != nil {
		m.bus.Publish(events.EventTradeResolved, events.TradeEvent{
			TrackingID: trade.TrackingID,
			TradeID:    trade.ID,
			Account:    trade.Account,
			Symbol:     trade.Symbol,
			Action:     trade.Action,
			Amount:     trade.Amount,
			Level:      trade.Level,
			Recovery:   trade.IsRecovery,
			LaneID:     trade.LaneID,
			Result:     result,
			Profit:     profit,
			TimedOut:   timedOut,
			At:         time.Now().UTC(),
		})
	}
}

// sweepLoop adopts open trades that have no watcher. Watchers normally cover
// everything; the sweep exists for crashed watchers and trades written by an
// earlier process.
func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	open, err := m.db.ListOpenTrades(ctx, "")
	if err != nil {
		log.Printf(i18n.Get("ResultCheckFailed"), "sweep", err)
		return
	}
	for _, t := range open {
		m.Watch(t)
	}
}

// Watching reports how many trades currently have a live watcher.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}
