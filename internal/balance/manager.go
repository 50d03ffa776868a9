// Package balance keeps per-account broker balances fresh. Balances are
// pulled through each account's worker on an interval, cached for the API,
// persisted to the accounts table, and announced on the bus. The same pass
// refreshes the payout cache from the worker's asset list, so the
// orchestrator's payout gate always works from recent rates.
package balance

import (
	"context"
	"log"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/internal/worker"
	"options-core/pkg/cache"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
)

// Sender is the command path to account workers.
type Sender interface {
	Send(ctx context.Context, account string, action worker.Action, params worker.Params, timeout time.Duration) (worker.Response, error)
	Running() []string
}

// Snapshot is one account's cached balance.
type Snapshot struct {
	Account  string    `json:"account"`
	Balance  float64   `json:"balance"`
	SyncedAt time.Time `json:"synced_at"`
}

// Manager refreshes and caches account balances.
type Manager struct {
	db      *db.Database
	workers Sender
	payouts *cache.PayoutCache
	bus     *events.Bus

	interval    time.Duration
	callTimeout time.Duration

	mu    sync.RWMutex
	cache map[string]Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a balance manager. The payout cache and bus may be nil.
func NewManager(database *db.Database, workers Sender, payouts *cache.PayoutCache, bus *events.Bus, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		db:          database,
		workers:     workers,
		payouts:     payouts,
		bus:         bus,
		interval:    interval,
		callTimeout: 10 * time.Second,
		cache:       make(map[string]Snapshot),
		stopCh:      make(chan struct{}),
	}
}

// Start runs an initial sync and begins the periodic refresh loop.
func (m *Manager) Start(ctx context.Context) {
	m.Sync(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sync(ctx)
			}
		}
	}()
	log.Printf(i18n.Get("BalanceManagerStarted"), m.interval)
}

// Stop ends the refresh loop and waits for it.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// Sync refreshes every account that currently has a live worker. Accounts
// whose worker is down keep their last snapshot; the supervisor's restart
// path brings them back on a later pass.
func (m *Manager) Sync(ctx context.Context) {
	for _, account := range m.workers.Running() {
		m.syncAccount(ctx, account)
	}
}

func (m *Manager) syncAccount(ctx context.Context, account string) {
	resp, err := m.workers.Send(ctx, account, worker.ActionBalance, worker.Params{}, m.callTimeout)
	if err != nil {
		log.Printf(i18n.Get("BalanceSyncFailed"), account, err)
		return
	}

	now := time.Now()
	m.mu.Lock()
	m.cache[account] = Snapshot{Account: account, Balance: resp.Balance, SyncedAt: now}
	m.mu.Unlock()

	if err := m.db.UpdateAccountBalance(ctx, account, resp.Balance); err != nil {
		log.Printf(i18n.Get("BalanceSyncFailed"), account, err)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventBalanceUpdated, events.BalanceEvent{
			Account: account,
			Balance: resp.Balance,
			At:      now,
		})
	}

	m.refreshPayouts(ctx, account)
}

// refreshPayouts pulls the worker's asset list into the payout cache.
func (m *Manager) refreshPayouts(ctx context.Context, account string) {
	if m.payouts == nil {
		return
	}
	resp, err := m.workers.Send(ctx, account, worker.ActionAssets, worker.Params{}, m.callTimeout)
	if err != nil {
		return
	}
	for _, a := range resp.Assets {
		m.payouts.Set(account, a.Symbol, a.Payout, a.Open)
	}
}

// Get returns the cached balance for an account.
func (m *Manager) Get(account string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[account]
	return s, ok
}

// Snapshots returns every cached balance for the API.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.cache))
	for _, s := range m.cache {
		out = append(out, s)
	}
	return out
}
