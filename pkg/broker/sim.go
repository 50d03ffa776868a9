package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SimConfig tunes the simulated broker.
type SimConfig struct {
	InitialBalance float64
	WinRate        float64 // probability of a win when no forced results are queued
	Payout         float64 // payout fraction applied to all assets, e.g. 0.8
	MinLatency     time.Duration
	MaxLatency     time.Duration
	Seed           int64 // 0 means time-based
}

// DefaultSimConfig mirrors a mid-tier demo account.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		InitialBalance: 10000,
		WinRate:        0.5,
		Payout:         0.8,
		MinLatency:     time.Millisecond,
		MaxLatency:     20 * time.Millisecond,
	}
}

var simAssets = []string{
	"EURUSD", "GBPUSD", "USDJPY", "AUDCAD", "EURJPY",
	"EURUSD_otc", "GBPUSD_otc", "USDJPY_otc",
}

type simTrade struct {
	req       OrderRequest
	payout    float64
	result    string
	openedAt  time.Time
	expiresAt time.Time
	settled   bool
}

// SimSession simulates a broker account in memory. The stake is escrowed at
// buy time and returned (with profit) when CheckWin settles a win or draw.
type SimSession struct {
	mu      sync.Mutex
	cfg     SimConfig
	creds   Credentials
	rng     *rand.Rand
	online  bool
	balance float64
	seq     int
	trades  map[string]*simTrade
	closed  map[string]bool // assets toggled shut
	forced  []string        // scripted results for tests
}

// DialSim returns a Dialer that opens simulated sessions.
func DialSim(cfg SimConfig) Dialer {
	return func(creds Credentials) (Session, error) {
		return NewSimSession(cfg, creds), nil
	}
}

// NewSimSession creates a simulated session. Connect must still be called,
// matching the live session lifecycle.
func NewSimSession(cfg SimConfig, creds Credentials) *SimSession {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Payout <= 0 {
		cfg.Payout = 0.8
	}
	return &SimSession{
		cfg:     cfg,
		creds:   creds,
		rng:     rand.New(rand.NewSource(seed)),
		balance: cfg.InitialBalance,
		trades:  make(map[string]*simTrade),
		closed:  make(map[string]bool),
	}
}

// ForceResults scripts the outcomes of upcoming buys, oldest first.
// Used by tests to drive exact win/loss sequences.
func (s *SimSession) ForceResults(results ...string) {
	s.mu.Lock()
	s.forced = append(s.forced, results...)
	s.mu.Unlock()
}

// SetOnline toggles the simulated connection. While offline every call
// fails with ErrSessionClosed, as a dropped websocket would.
func (s *SimSession) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// SetAssetOpen opens or shuts one asset.
func (s *SimSession) SetAssetOpen(symbol string, open bool) {
	s.mu.Lock()
	s.closed[symbol] = !open
	s.mu.Unlock()
}

func (s *SimSession) Connect(ctx context.Context) error {
	if err := s.simLatency(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	return nil
}

func (s *SimSession) Buy(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := s.simLatency(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.online {
		return nil, ErrSessionClosed
	}
	if s.closed[req.Symbol] {
		return nil, ErrAssetClosed
	}
	if req.Amount > s.balance {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, req.Amount, s.balance)
	}

	// Escrow the stake.
	s.balance -= req.Amount

	s.seq++
	now := time.Now()
	tr := &simTrade{
		req:       req,
		payout:    s.cfg.Payout,
		result:    s.drawResult(),
		openedAt:  now,
		expiresAt: now.Add(time.Duration(req.ExpirySeconds) * time.Second),
	}
	id := fmt.Sprintf("sim-%s-%d", s.creds.Account, s.seq)
	s.trades[id] = tr

	return &OrderResult{
		TradeID:   id,
		OpenedAt:  tr.openedAt,
		ExpiresAt: tr.expiresAt,
		Payout:    tr.payout,
	}, nil
}

// drawResult picks the scripted result if any, otherwise rolls the win rate.
// Caller holds the lock.
func (s *SimSession) drawResult() string {
	if len(s.forced) > 0 {
		r := s.forced[0]
		s.forced = s.forced[1:]
		return r
	}
	if s.rng.Float64() < s.cfg.WinRate {
		return "win"
	}
	return "loss"
}

func (s *SimSession) CheckWin(ctx context.Context, tradeID string) (*Outcome, error) {
	if err := s.simLatency(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.online {
		return nil, ErrSessionClosed
	}
	tr, ok := s.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}

	if time.Now().Before(tr.expiresAt) {
		return &Outcome{TradeID: tradeID, Resolved: false}, nil
	}

	var profit float64
	switch tr.result {
	case "win":
		profit = tr.req.Amount * tr.payout
		if !tr.settled {
			s.balance += tr.req.Amount + profit
		}
	case "draw":
		if !tr.settled {
			s.balance += tr.req.Amount
		}
	default:
		profit = -tr.req.Amount
	}
	tr.settled = true

	return &Outcome{
		TradeID:  tradeID,
		Resolved: true,
		Result:   tr.result,
		Profit:   profit,
	}, nil
}

func (s *SimSession) Balance(ctx context.Context) (float64, error) {
	if err := s.simLatency(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return 0, ErrSessionClosed
	}
	return s.balance, nil
}

func (s *SimSession) Assets(ctx context.Context) ([]Asset, error) {
	if err := s.simLatency(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return nil, ErrSessionClosed
	}

	out := make([]Asset, 0, len(simAssets))
	for _, sym := range simAssets {
		out = append(out, Asset{
			Symbol: sym,
			Payout: s.cfg.Payout,
			Open:   !s.closed[sym],
		})
	}
	return out, nil
}

func (s *SimSession) Close() error {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	return nil
}

func (s *SimSession) simLatency(ctx context.Context) error {
	if s.cfg.MaxLatency <= 0 {
		return nil
	}
	span := s.cfg.MaxLatency - s.cfg.MinLatency
	delay := s.cfg.MinLatency
	if span > 0 {
		s.mu.Lock()
		delay += time.Duration(s.rng.Int63n(int64(span)))
		s.mu.Unlock()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
