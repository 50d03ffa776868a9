package main

import (
	"log"
	"testing"
	"time"

	"options-core/internal/monitor"
	"options-core/internal/orchestrator"
	"options-core/pkg/broker"
	"options-core/pkg/db"
)

// TestSubmitTimeoutReleasesSlot drives a buy into a broker slower than the
// submit budget. The order must fail, the policy slot must be freed, and
// nothing may reach the ledger.
func TestSubmitTimeoutReleasesSlot(t *testing.T) {
	log.Println("[TEST] submit timeout releases slot")

	s := newStack(t, stackOptions{
		accounts: []string{"slow"},
		sim: &broker.SimConfig{
			InitialBalance: 1000,
			WinRate:        0,
			Payout:         0.8,
			MinLatency:     400 * time.Millisecond,
			MaxLatency:     600 * time.Millisecond,
		},
		orchCfg: &orchestrator.Config{
			SubmitTimeout: 100 * time.Millisecond,
			MaxSignalAge:  time.Minute,
			MaxParallel:   8,
			DefaultExpiry: 1,
		},
	})

	execs := s.exec(sig("EURUSD", "slow"))
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].Err == nil {
		t.Fatalf("slow buy did not fail: %+v", execs[0])
	}

	if n := s.registry.InFlight("slow"); n != 0 {
		t.Errorf("in-flight = %d after timeout, want 0", n)
	}
	open, err := s.db.ListOpenTrades(s.ctx, "slow")
	if err != nil {
		t.Fatalf("list open trades: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("%d trades in ledger after timed-out submit", len(open))
	}
}

// TestOfflineSessionResolvesAsTimedOutLoss places a trade, drops the broker
// connection, and expects the grace deadline to settle the trade as a
// timed-out loss instead of leaving it open forever.
func TestOfflineSessionResolvesAsTimedOutLoss(t *testing.T) {
	log.Println("[TEST] offline session grace loss")

	s := newStack(t, stackOptions{
		accounts: []string{"main"},
		monitorCfg: &monitor.Config{
			Lead:          2 * time.Second,
			Interval:      50 * time.Millisecond,
			Grace:         2 * time.Second,
			CheckTimeout:  500 * time.Millisecond,
			SweepInterval: 250 * time.Millisecond,
		},
	})

	exec := s.placed(s.exec(sig("EURUSD", "main")))
	s.tap.last("main").SetOnline(false)

	trade := s.waitResolved(exec.TradeID, 15*time.Second)
	if trade.Result != db.ResultLoss || !trade.TimedOut {
		t.Fatalf("result = %s timedOut=%v, want timed-out loss", trade.Result, trade.TimedOut)
	}
	if n := s.registry.InFlight("main"); n != 0 {
		t.Errorf("in-flight = %d after grace loss, want 0", n)
	}
}
