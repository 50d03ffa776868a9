package main

import (
	"log"
	"path/filepath"
	"testing"
	"time"

	"options-core/internal/monitor"
	"options-core/pkg/db"
)

// TestRestartResumesOpenTrades simulates a process crash between placement
// and resolution. The restarted core must adopt the open trade from the
// ledger and, when the new broker session has no memory of it, settle it as
// a timed-out loss that still opens the recovery lane.
func TestRestartResumesOpenTrades(t *testing.T) {
	log.Println("[TEST] restart durability")

	dbPath := filepath.Join(t.TempDir(), "core.db")

	s1 := newStack(t, stackOptions{dbPath: dbPath, accounts: []string{"main"}})
	exec := s1.placed(s1.exec(sig("EURUSD", "main")))
	// Crash before the result comes back.
	s1.stop()

	s2 := newStack(t, stackOptions{
		dbPath:   dbPath,
		accounts: []string{"main"},
		monitorCfg: &monitor.Config{
			Lead:          2 * time.Second,
			Interval:      50 * time.Millisecond,
			Grace:         2 * time.Second,
			CheckTimeout:  time.Second,
			SweepInterval: 250 * time.Millisecond,
		},
	})

	if n := s2.registry.InFlight("main"); n != 1 {
		t.Errorf("restarted registry in-flight = %d, want 1", n)
	}

	// The fresh sim session reports the trade as unknown, so resolution can
	// only come from the grace deadline.
	trade := s2.waitResolved(exec.TradeID, 15*time.Second)
	if trade.Result != db.ResultLoss || !trade.TimedOut {
		t.Fatalf("result = %s timedOut=%v, want timed-out loss", trade.Result, trade.TimedOut)
	}

	lanes, err := s2.db.Queries().ListActiveLanes(s2.ctx, "main")
	if err != nil {
		t.Fatalf("list lanes: %v", err)
	}
	if len(lanes) != 1 || lanes[0].CurrentLevel != 1 {
		t.Fatalf("expected one level-1 lane after timed-out base loss, got %+v", lanes)
	}
	if n := s2.registry.InFlight("main"); n != 0 {
		t.Errorf("in-flight = %d after resolution, want 0", n)
	}
}
