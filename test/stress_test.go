package main

import (
	"log"
	"sync"
	"testing"
	"time"

	"options-core/internal/orchestrator"
	"options-core/internal/signal"
	"options-core/pkg/broker"
	"options-core/pkg/db"
)

// TestConcurrentSignalBurst hammers three accounts with overlapping signals
// and verifies the bookkeeping afterwards: every placed trade is in the
// ledger, every trade resolves exactly once, and nothing stays in flight.
func TestConcurrentSignalBurst(t *testing.T) {
	log.Println("[TEST] concurrent signal burst")

	accounts := []string{"acct-1", "acct-2", "acct-3"}
	s := newStack(t, stackOptions{
		accounts: accounts,
		sim: &broker.SimConfig{
			InitialBalance: 10000,
			WinRate:        0.5,
			Payout:         0.8,
			MaxLatency:     5 * time.Millisecond,
			Seed:           42,
		},
		orchCfg: &orchestrator.Config{
			SubmitTimeout: 5 * time.Second,
			MaxSignalAge:  time.Minute,
			MaxParallel:   8,
			DefaultExpiry: 1,
		},
	})
	for _, name := range accounts {
		s.setSettings(name, func(st *db.Settings) {
			st.ConcurrentTrading = true
		})
	}

	symbols := []string{"EURUSD", "GBPUSD", "USDJPY", "AUDCAD", "EURJPY"}

	const rounds = 10
	var (
		mu     sync.Mutex
		placed int
		wg     sync.WaitGroup
	)
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			execs, err := s.orch.ExecuteSignal(s.ctx, sig(symbols[i%len(symbols)], signal.TargetAll))
			if err != nil {
				t.Errorf("round %d: %v", i, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range execs {
				if e.Err != nil {
					t.Errorf("round %d account %s: %v", i, e.Account, e.Err)
					continue
				}
				if !e.Skipped {
					placed++
				}
			}
		}(i)
	}
	wg.Wait()

	if placed == 0 {
		t.Fatal("no trade placed in the whole burst")
	}
	log.Printf("[TEST] burst placed %d trades", placed)

	s.waitNoOpen(30 * time.Second)

	recent, err := s.db.ListRecentTrades(s.ctx, "", placed*2)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(recent) != placed {
		t.Fatalf("ledger has %d trades, %d were placed", len(recent), placed)
	}
	for _, trade := range recent {
		if !trade.ResultProcessed {
			t.Errorf("trade %s left unprocessed", trade.ID)
		}
		if trade.Result != db.ResultWin && trade.Result != db.ResultLoss && trade.Result != db.ResultDraw {
			t.Errorf("trade %s has result %q", trade.ID, trade.Result)
		}
	}

	for _, name := range accounts {
		if n := s.registry.InFlight(name); n != 0 {
			t.Errorf("account %s in-flight = %d after burst", name, n)
		}
	}
	if got := s.registry.Count(); got != 0 {
		t.Errorf("registry count = %d after burst, want 0", got)
	}
}
