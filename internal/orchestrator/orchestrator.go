// Package orchestrator is the single entry point for parsed trade signals:
// it resolves target accounts, obtains a stake per account, submits the
// order through the account's worker, and hands placed trades to the
// result monitor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/internal/signal"
	"options-core/internal/staking"
	"options-core/internal/worker"
	"options-core/pkg/broker"
	"options-core/pkg/cache"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
)

var (
	// ErrStaleSignal rejects signals older than the configured age.
	ErrStaleSignal = errors.New("signal too old")
	// ErrNoTargets means no enabled account could be resolved for a signal.
	ErrNoTargets = errors.New("no target accounts")
	// ErrClosed rejects signals after shutdown began.
	ErrClosed = errors.New("orchestrator closed")
)

// Config tunes signal execution.
type Config struct {
	DefaultAccount string
	SubmitTimeout  time.Duration
	TradeSpacing   time.Duration // minimum gap between orders on one account
	MaxSignalAge   time.Duration
	MaxParallel    int
	MinPayout      float64 // global floor; per-account settings may raise it
	DefaultExpiry  int
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 15 * time.Second,
		TradeSpacing:  2 * time.Second,
		MaxSignalAge:  60 * time.Second,
		MaxParallel:   8,
		DefaultExpiry: 60,
	}
}

// Execution is the per-account outcome of one signal.
type Execution struct {
	Account    string        `json:"account"`
	TradeID    string        `json:"trade_id,omitempty"`
	TrackingID string        `json:"tracking_id,omitempty"`
	Amount     float64       `json:"amount,omitempty"`
	Level      int           `json:"level,omitempty"`
	Recovery   bool          `json:"recovery,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Err        error         `json:"-"`
	ErrorMsg   string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency_ms,omitempty"`
}

// Orchestrator fans signals out to account workers.
type Orchestrator struct {
	db      *db.Database
	engine  *staking.Engine
	workers *worker.Supervisor
	monitor *monitor.Monitor
	payouts *cache.PayoutCache
	metrics *monitor.SystemMetrics
	bus     *events.Bus
	cfg     Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	closed   bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates an orchestrator. The payout cache and metrics may be nil.
func New(database *db.Database, engine *staking.Engine, workers *worker.Supervisor,
	mon *monitor.Monitor, payouts *cache.PayoutCache, metrics *monitor.SystemMetrics,
	bus *events.Bus, cfg Config) *Orchestrator {

	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultConfig().DefaultExpiry
	}

	return &Orchestrator{
		db:       database,
		engine:   engine,
		workers:  workers,
		monitor:  mon,
		payouts:  payouts,
		metrics:  metrics,
		bus:      bus,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		slots:    make(chan struct{}, cfg.MaxParallel),
	}
}

// ExecuteSignal normalizes the signal, resolves its target accounts, and
// places one order per account. It blocks until every placement attempt
// finished and returns the per-account outcomes. A stale signal is
// discarded whole; per-account policy skips are reported, not errors.
func (o *Orchestrator) ExecuteSignal(ctx context.Context, sig signal.Signal) ([]Execution, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	if err := sig.Normalize(o.cfg.DefaultExpiry); err != nil {
		o.publishSignal(events.EventSignalRejected, sig, err.Error())
		return nil, err
	}

	if o.cfg.MaxSignalAge > 0 && sig.Age() > o.cfg.MaxSignalAge {
		log.Printf(i18n.Get("SignalStale"), sig.ID, sig.Age().Round(time.Second))
		o.publishSignal(events.EventSignalRejected, sig, "stale")
		return nil, fmt.Errorf("%w: age %v", ErrStaleSignal, sig.Age().Round(time.Second))
	}

	targets, err := o.resolveTargets(ctx, sig)
	if err != nil {
		o.publishSignal(events.EventSignalRejected, sig, err.Error())
		return nil, err
	}

	o.publishSignal(events.EventSignalReceived, sig, "")

	var wg sync.WaitGroup
	results := make([]Execution, len(targets))
	for i, account := range targets {
		o.slots <- struct{}{}
		wg.Add(1)
		go func(i int, account string) {
			defer wg.Done()
			defer func() { <-o.slots }()
			defer func() {
				if r := recover(); r != nil {
					log.Printf(i18n.Get("SignalProcessingPanic"), r)
					results[i] = Execution{
						Account:  account,
						Err:      fmt.Errorf("panic: %v", r),
						ErrorMsg: fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			results[i] = o.executeOne(ctx, sig, account)
		}(i, account)
	}
	wg.Wait()

	return results, nil
}

// ReplaySignal re-executes a journaled signal after a restart. A signal that
// already produced a trade in the ledger is skipped, because the crash hit
// after placement and executing again would put a second order on the broker.
// The boolean reports whether the signal was actually executed.
func (o *Orchestrator) ReplaySignal(ctx context.Context, sig signal.Signal) ([]Execution, bool, error) {
	if sig.ID != "" {
		placed, err := o.db.HasTradeForSignal(ctx, sig.ID)
		if err != nil {
			return nil, false, err
		}
		if placed {
			return nil, false, nil
		}
	}
	execs, err := o.ExecuteSignal(ctx, sig)
	return execs, true, err
}

// Stop refuses new signals and waits for in-flight placements.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
}

// executeOne runs the whole placement path for one account: payout gate,
// stake decision, submission spacing, order, ledger write, monitor handoff.
func (o *Orchestrator) executeOne(ctx context.Context, sig signal.Signal, account string) Execution {
	start := time.Now()

	if reason, ok := o.payoutGate(ctx, account, sig.Symbol); !ok {
		log.Printf(i18n.Get("PolicySkip"), sig.ID, account, reason)
		o.publishOrder(events.EventOrderRejected, sig, account, "", 0, staking.Decision{}, reason)
		return Execution{Account: account, Skipped: true, Reason: reason}
	}

	dec, err := o.engine.Decide(ctx, account, sig.Symbol)
	if err != nil {
		return failed(account, err)
	}
	if dec.Blocked {
		log.Printf(i18n.Get("PolicySkip"), sig.ID, account, dec.Reason)
		o.publishOrder(events.EventOrderRejected, sig, account, "", 0, dec, dec.Reason)
		return Execution{Account: account, Skipped: true, Reason: dec.Reason}
	}

	// Brokerage connections reject orders spaced closer than ~2s; the wait
	// happens while the reservation holds the policy slot, so a second
	// signal cannot slip a decision in underneath it.
	if err := o.limiter(account).Wait(ctx); err != nil {
		o.engine.Release(account, dec.ReservationID)
		return failed(account, err)
	}

	trackingID := newTrackingID()
	resp, err := o.workers.Send(ctx, account, worker.ActionBuy, worker.Params{
		Symbol:    sig.Symbol,
		Direction: direction(sig.Direction),
		Amount:    dec.Amount,
		ExpirySec: sig.ExpirySeconds,
	}, o.cfg.SubmitTimeout)
	if err != nil {
		if errors.Is(err, worker.ErrTimeout) {
			log.Printf(i18n.Get("OrderTimeout"), trackingID, o.cfg.SubmitTimeout)
		} else {
			log.Printf(i18n.Get("OrderFailed"), trackingID, err)
		}
		o.engine.Release(account, dec.ReservationID)
		o.publishOrder(events.EventOrderRejected, sig, account, trackingID, dec.Amount, dec, err.Error())
		return failed(account, err)
	}

	order := resp.Order
	trade := db.Trade{
		ID:            order.TradeID,
		TrackingID:    trackingID,
		Account:       account,
		Symbol:        sig.Symbol,
		Action:        sig.Direction,
		Amount:        dec.Amount,
		ExpirySeconds: sig.ExpirySeconds,
		PayoutRate:    order.Payout,
		Level:         dec.Level,
		IsRecovery:    dec.Recovery,
		LaneID:        dec.LaneID,
		SignalID:      sig.ID,
		Status:        db.TradeStatusOpen,
		OpenedAt:      order.OpenedAt,
		ExpiresAt:     order.ExpiresAt,
	}
	if err := o.db.CreateTrade(ctx, trade); err != nil {
		// The broker accepted the order but the ledger cannot record it.
		// Free the policy slot and surface the failure; the trade shows up
		// on the broker statement for manual reconciliation.
		log.Printf(i18n.Get("LedgerWriteFailed"), trackingID, err)
		o.engine.Release(account, dec.ReservationID)
		return failed(account, err)
	}

	if err := o.engine.OnTradePlaced(ctx, staking.Placement{
		ReservationID: dec.ReservationID,
		TradeID:       trade.ID,
		TrackingID:    trade.TrackingID,
		Account:       account,
		Symbol:        trade.Symbol,
		Action:        trade.Action,
		Amount:        trade.Amount,
		LaneID:        trade.LaneID,
		Level:         trade.Level,
		Recovery:      trade.IsRecovery,
		OpenedAt:      trade.OpenedAt,
		ExpiresAt:     trade.ExpiresAt,
	}); err != nil {
		// The trade is durably recorded; only the lane append failed.
		log.Printf(i18n.Get("LedgerWriteFailed"), trackingID, err)
	}

	o.monitor.Watch(trade)

	latency := time.Since(start)
	log.Printf(i18n.Get("OrderSubmitted"), trackingID, latency.Round(time.Millisecond))
	if o.metrics != nil {
		o.metrics.OrderLatency.RecordDuration(latency)
	}
	o.publishOrder(events.EventOrderSubmitted, sig, account, trackingID, dec.Amount, dec, "")
	o.publishTradeOpened(trade)

	return Execution{
		Account:    account,
		TradeID:    trade.ID,
		TrackingID: trackingID,
		Amount:     dec.Amount,
		Level:      dec.Level,
		Recovery:   dec.Recovery,
		Latency:    latency,
	}
}

// payoutGate reports whether the cached payout for the instrument clears
// the configured minimum. Unknown instruments pass: a cold cache must not
// stop trading.
func (o *Orchestrator) payoutGate(ctx context.Context, account, symbol string) (string, bool) {
	if o.payouts == nil {
		return "", true
	}
	info, known := o.payouts.GetWithAge(account, symbol)
	if !known {
		return "", true
	}
	if !info.Open {
		return "asset closed", false
	}

	min := o.cfg.MinPayout
	if st, err := o.engine.Settings(ctx, account); err == nil && st.MinPayout > min {
		min = st.MinPayout
	}
	if min > 0 && info.Payout < min {
		log.Printf(i18n.Get("PayoutBelowMin"), symbol, account, info.Payout, min)
		return fmt.Sprintf("payout %.2f below minimum %.2f", info.Payout, min), false
	}
	return "", true
}

func (o *Orchestrator) resolveTargets(ctx context.Context, sig signal.Signal) ([]string, error) {
	switch sig.Target {
	case signal.TargetAll:
		accounts, err := o.db.ListEnabledAccounts(ctx)
		if err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			return nil, ErrNoTargets
		}
		names := make([]string, len(accounts))
		for i, a := range accounts {
			names[i] = a.Name
		}
		return names, nil

	case signal.TargetDefault:
		if o.cfg.DefaultAccount != "" {
			return o.checkTarget(ctx, o.cfg.DefaultAccount)
		}
		accounts, err := o.db.ListEnabledAccounts(ctx)
		if err != nil {
			return nil, err
		}
		if len(accounts) == 1 {
			return []string{accounts[0].Name}, nil
		}
		log.Printf(i18n.Get("NoTargetAccount"), sig.ID)
		return nil, ErrNoTargets

	default:
		return o.checkTarget(ctx, sig.Target)
	}
}

func (o *Orchestrator) checkTarget(ctx context.Context, name string) ([]string, error) {
	acc, err := o.db.GetAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: unknown account %s", ErrNoTargets, name)
	}
	if !acc.Enabled {
		return nil, fmt.Errorf("%w: account %s disabled", ErrNoTargets, name)
	}
	return []string{acc.Name}, nil
}

// limiter returns the per-account spacing limiter, creating it on first use.
func (o *Orchestrator) limiter(account string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[account]
	if !ok {
		spacing := o.cfg.TradeSpacing
		if spacing <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			l = rate.NewLimiter(rate.Every(spacing), 1)
		}
		o.limiters[account] = l
	}
	return l
}

func (o *Orchestrator) publishSignal(e events.Event, sig signal.Signal, reason string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(e, events.SignalEvent{
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Action:   sig.Direction,
		Reason:   reason,
		At:       time.Now(),
	})
}

func (o *Orchestrator) publishOrder(e events.Event, sig signal.Signal, account, trackingID string,
	amount float64, dec staking.Decision, reason string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(e, events.TradeEvent{
		TrackingID: trackingID,
		Account:    account,
		Symbol:     sig.Symbol,
		Action:     sig.Direction,
		Amount:     amount,
		Level:      dec.Level,
		Recovery:   dec.Recovery,
		LaneID:     dec.LaneID,
		Reason:     reason,
		At:         time.Now(),
	})
}

func (o *Orchestrator) publishTradeOpened(trade db.Trade) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.EventTradeOpened, events.TradeEvent{
		TrackingID: trade.TrackingID,
		TradeID:    trade.ID,
		Account:    trade.Account,
		Symbol:     trade.Symbol,
		Action:     trade.Action,
		Amount:     trade.Amount,
		Level:      trade.Level,
		Recovery:   trade.IsRecovery,
		LaneID:     trade.LaneID,
		At:         time.Now(),
	})
}

func failed(account string, err error) Execution {
	return Execution{Account: account, Err: err, ErrorMsg: err.Error()}
}

func direction(d string) broker.Action {
	if d == signal.DirectionPut {
		return broker.ActionPut
	}
	return broker.ActionCall
}

func newTrackingID() string {
	return fmt.Sprintf("trade_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}
