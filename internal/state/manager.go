package state

import (
	"context"
	"sync"
	"time"

	"options-core/pkg/db"
)

// Open describes a trade that has been accepted by the broker but not yet
// resolved. The registry keeps these in memory for fast policy checks while
// the trades table remains the durable record.
type Open struct {
	TradeID    string
	TrackingID string
	Account    string
	Symbol     string
	Action     string
	Amount     float64
	LaneID     string
	Level      int
	Recovery   bool
	OpenedAt   time.Time
	ExpiresAt  time.Time
}

// Reservation holds an in-flight slot between the stake decision and the
// broker's acceptance. It counts against the same concurrency limits as an
// open trade so two signals cannot race past the single-trade policy.
type Reservation struct {
	ID      string
	Account string
	Symbol  string
	LaneID  string
	At      time.Time
}

// Registry keeps an in-memory view of in-flight trades while persisting to DB
// for durability. It is the single source the staking engine consults when it
// needs to know what is currently at risk.
type Registry struct {
	mu       sync.RWMutex
	open     map[string]Open        // keyed by broker trade id
	reserved map[string]Reservation // keyed by reservation id
	db       *db.Database
}

func NewRegistry(database *db.Database) *Registry {
	return &Registry{
		db:       database,
		open:     make(map[string]Open),
		reserved: make(map[string]Reservation),
	}
}

// Load seeds in-memory state from the trades table on startup, so limits and
// lane occupancy survive a restart.
func (r *Registry) Load(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	trades, err := r.db.ListOpenTrades(ctx, "")
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		r.open[t.ID] = Open{
			TradeID:    t.ID,
			TrackingID: t.TrackingID,
			Account:    t.Account,
			Symbol:     t.Symbol,
			Action:     t.Action,
			Amount:     t.Amount,
			LaneID:     t.LaneID,
			Level:      t.Level,
			Recovery:   t.IsRecovery,
			OpenedAt:   t.OpenedAt,
			ExpiresAt:  t.ExpiresAt,
		}
	}
	return nil
}

// Reserve claims an in-flight slot before the order is sent to the broker.
func (r *Registry) Reserve(res Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[res.ID] = res
}

// Release drops a reservation after a failed or abandoned submission.
func (r *Registry) Release(reservationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, reservationID)
}

// Commit converts a reservation into an open trade once the broker accepted
// the order.
func (r *Registry) Commit(reservationID string, trade Open) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, reservationID)
	r.open[trade.TradeID] = trade
}

// Remove clears a trade after its result has been applied.
func (r *Registry) Remove(tradeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, tradeID)
}

// Get returns the in-flight trade by broker id.
func (r *Registry) Get(tradeID string) (Open, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.open[tradeID]
	return t, ok
}

// InFlight counts open trades plus reservations for one account.
func (r *Registry) InFlight(account string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.open {
		if t.Account == account {
			n++
		}
	}
	for _, res := range r.reserved {
		if res.Account == account {
			n++
		}
	}
	return n
}

// LaneBusy reports whether a lane already has a trade in flight. A lane must
// finish one recovery step before the next is placed on it.
func (r *Registry) LaneBusy(laneID string) bool {
	if laneID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.open {
		if t.LaneID == laneID {
			return true
		}
	}
	for _, res := range r.reserved {
		if res.LaneID == laneID {
			return true
		}
	}
	return false
}

// Open returns a snapshot of in-flight trades, optionally filtered by account.
func (r *Registry) Open(account string) []Open {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]Open, 0, len(r.open))
	for _, t := range r.open {
		if account == "" || t.Account == account {
			res = append(res, t)
		}
	}
	return res
}

// Count returns the total number of open trades across all accounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.open)
}

// StaleReservations returns reservations older than maxAge. The orchestrator
// releases every reservation it takes, so anything stale points at a crashed
// submission path and should be logged and dropped.
func (r *Registry) StaleReservations(maxAge time.Duration) []Reservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Reservation
	for _, res := range r.reserved {
		if time.Since(res.At) > maxAge {
			out = append(out, res)
		}
	}
	return out
}
