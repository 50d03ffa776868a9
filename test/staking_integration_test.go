package main

import (
	"log"
	"sync"
	"testing"
	"time"

	"options-core/pkg/db"
)

// TestMartingaleEscalationToExhaustion drives one lane from base loss to the
// level cap with nothing but signals: 1.00 -> 2.20 -> 4.84 -> 10.65, then the
// lane closes as exhausted.
func TestMartingaleEscalationToExhaustion(t *testing.T) {
	log.Println("[TEST] escalation to exhaustion")

	s := newStack(t, stackOptions{accounts: []string{"main"}})
	s.setSettings("main", func(st *db.Settings) {
		st.MaxLevel = 4
	})

	wantAmounts := []float64{1.00, 2.20, 4.84, 10.65}
	wantLevels := []int{0, 1, 2, 3}

	for i, want := range wantAmounts {
		exec := s.placed(s.exec(sig("EURUSD", "main")))
		if exec.Amount != want {
			t.Fatalf("trade %d stake = %.2f, want %.2f", i+1, exec.Amount, want)
		}
		if exec.Level != wantLevels[i] {
			t.Errorf("trade %d level = %d, want %d", i+1, exec.Level, wantLevels[i])
		}
		if i > 0 && !exec.Recovery {
			t.Errorf("trade %d not marked as recovery", i+1)
		}

		trade := s.waitResolved(exec.TradeID, 10*time.Second)
		if trade.Result != db.ResultLoss {
			t.Fatalf("trade %d result = %s, want loss", i+1, trade.Result)
		}
	}

	active, err := s.db.Queries().ListActiveLanes(s.ctx, "main")
	if err != nil {
		t.Fatalf("list active lanes: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("%d lanes still active after exhaustion", len(active))
	}

	lanes, err := s.db.Queries().ListLanes(s.ctx, "main", db.LaneStatusCompleted, 10)
	if err != nil {
		t.Fatalf("list completed lanes: %v", err)
	}
	if len(lanes) != 1 {
		t.Fatalf("expected 1 completed lane, got %d", len(lanes))
	}
	lane := lanes[0]
	if lane.CompletionReason != "exhausted" {
		t.Errorf("completion reason = %s, want exhausted", lane.CompletionReason)
	}
	if lane.TradesCount != 4 {
		t.Errorf("lane trades = %d, want 4", lane.TradesCount)
	}
	if lane.TotalInvested != 18.69 {
		t.Errorf("total invested = %.2f, want 18.69", lane.TotalInvested)
	}
}

// TestLaneRecoveredOnWin checks that a recovery win closes the lane.
func TestLaneRecoveredOnWin(t *testing.T) {
	log.Println("[TEST] lane recovered on win")

	s := newStack(t, stackOptions{accounts: []string{"main"}})

	base := s.placed(s.exec(sig("GBPUSD", "main")))
	if trade := s.waitResolved(base.TradeID, 10*time.Second); trade.Result != db.ResultLoss {
		t.Fatalf("base result = %s, want loss", trade.Result)
	}

	s.tap.last("main").ForceResults("win")
	recovery := s.placed(s.exec(sig("GBPUSD", "main")))
	if recovery.Amount != 2.20 || !recovery.Recovery {
		t.Fatalf("recovery stake = %.2f recovery=%v, want 2.20 true", recovery.Amount, recovery.Recovery)
	}

	trade := s.waitResolved(recovery.TradeID, 10*time.Second)
	if trade.Result != db.ResultWin {
		t.Fatalf("recovery result = %s, want win", trade.Result)
	}
	if !approx(trade.Profit, 1.76) {
		t.Errorf("recovery profit = %.2f, want 1.76", trade.Profit)
	}

	lanes, err := s.db.Queries().ListLanes(s.ctx, "main", db.LaneStatusCompleted, 10)
	if err != nil {
		t.Fatalf("list lanes: %v", err)
	}
	if len(lanes) != 1 || lanes[0].CompletionReason != "win" {
		t.Fatalf("expected one lane completed on win, got %+v", lanes)
	}
	if active, _ := s.db.Queries().ListActiveLanes(s.ctx, "main"); len(active) != 0 {
		t.Errorf("%d lanes still active after recovery", len(active))
	}
}

// TestQueueModeStaking runs the account-global recovery queue: each loss
// queues the next escalated stake, a win clears everything.
func TestQueueModeStaking(t *testing.T) {
	log.Println("[TEST] queue mode staking")

	s := newStack(t, stackOptions{accounts: []string{"legacy"}})
	s.setSettings("legacy", func(st *db.Settings) {
		st.StakingMode = db.StakingModeQueue
	})

	steps := []struct {
		amount float64
		result string
	}{
		{1.00, "loss"},
		{2.20, "loss"},
		{4.84, "win"},
	}

	for i, step := range steps {
		if step.result == "win" {
			s.tap.last("legacy").ForceResults("win")
		}
		exec := s.placed(s.exec(sig("USDJPY", "legacy")))
		if exec.Amount != step.amount {
			t.Fatalf("step %d stake = %.2f, want %.2f", i+1, exec.Amount, step.amount)
		}
		trade := s.waitResolved(exec.TradeID, 10*time.Second)
		if trade.Result != step.result {
			t.Fatalf("step %d result = %s, want %s", i+1, trade.Result, step.result)
		}
	}

	qs, err := s.db.Queries().GetQueueState(s.ctx, "legacy")
	if err != nil {
		t.Fatalf("queue state: %v", err)
	}
	if qs.ConsecutiveLosses != 0 || len(qs.QueuedAmounts) != 0 {
		t.Errorf("queue not cleared after win: losses=%d queued=%v",
			qs.ConsecutiveLosses, qs.QueuedAmounts)
	}
}

// TestPolicyBlocksSecondInFlight verifies the single in-flight rule: while a
// trade is open, the next signal for the account is skipped, not queued.
func TestPolicyBlocksSecondInFlight(t *testing.T) {
	log.Println("[TEST] in-flight policy block")

	s := newStack(t, stackOptions{accounts: []string{"main"}})

	first := sig("EURUSD", "main")
	first.ExpirySeconds = 5
	s.placed(s.exec(first))

	execs := s.exec(sig("EURUSD", "main"))
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if !execs[0].Skipped {
		t.Fatalf("second signal not skipped: %+v", execs[0])
	}
	if execs[0].Reason != "trade already in flight" {
		t.Errorf("skip reason = %q", execs[0].Reason)
	}
	if n := s.registry.InFlight("main"); n != 1 {
		t.Errorf("in-flight = %d, want 1", n)
	}
}

// TestCooldownBlocksNextTrade checks the per-account cooldown window.
func TestCooldownBlocksNextTrade(t *testing.T) {
	log.Println("[TEST] cooldown block")

	s := newStack(t, stackOptions{accounts: []string{"main"}})
	s.setSettings("main", func(st *db.Settings) {
		st.CooldownSeconds = 300
	})

	exec := s.placed(s.exec(sig("EURUSD", "main")))
	s.waitResolved(exec.TradeID, 10*time.Second)

	execs := s.exec(sig("EURUSD", "main"))
	if !execs[0].Skipped {
		t.Fatalf("signal inside cooldown not skipped: %+v", execs[0])
	}
	if got := execs[0].Reason; len(got) < 8 || got[:8] != "cooldown" {
		t.Errorf("skip reason = %q, want cooldown", got)
	}
}

// TestEscalationScenarioMultiplier25 walks the documented 2.5x scenario:
// $1.00 loss opens the lane at $2.50, a second loss escalates to $6.25, the
// win closes the lane, and the next signal starts fresh at the base stake.
func TestEscalationScenarioMultiplier25(t *testing.T) {
	log.Println("[TEST] 2.5x escalation scenario")

	s := newStack(t, stackOptions{accounts: []string{"main"}})
	s.setSettings("main", func(st *db.Settings) {
		st.Multiplier = 2.5
	})

	steps := []struct {
		amount   float64
		recovery bool
		result   string
	}{
		{1.00, false, "loss"},
		{2.50, true, "loss"},
		{6.25, true, "win"},
		{1.00, false, "loss"},
	}

	for i, step := range steps {
		if step.result == "win" {
			s.tap.last("main").ForceResults("win")
		}
		exec := s.placed(s.exec(sig("EURUSD", "main")))
		if exec.Amount != step.amount || exec.Recovery != step.recovery {
			t.Fatalf("step %d stake=%.2f recovery=%v, want %.2f %v",
				i+1, exec.Amount, exec.Recovery, step.amount, step.recovery)
		}
		trade := s.waitResolved(exec.TradeID, 10*time.Second)
		if trade.Result != step.result {
			t.Fatalf("step %d result = %s, want %s", i+1, trade.Result, step.result)
		}
	}
}

// TestThreeConcurrentLanesOneAccount fills the lane cap on one account and
// fires three overlapping signals: each must claim a different lane.
func TestThreeConcurrentLanesOneAccount(t *testing.T) {
	log.Println("[TEST] three concurrent lanes")

	s := newStack(t, stackOptions{accounts: []string{"main"}})
	s.setSettings("main", func(st *db.Settings) {
		st.ConcurrentTrading = true
	})

	symbols := []string{"EURUSD", "GBPUSD", "USDJPY"}
	for _, symbol := range symbols {
		exec := s.placed(s.exec(sig(symbol, "main")))
		s.waitResolved(exec.TradeID, 10*time.Second)
	}
	if active, _ := s.db.Queries().ListActiveLanes(s.ctx, "main"); len(active) != 3 {
		t.Fatalf("expected 3 active lanes, got %d", len(active))
	}

	var (
		mu    sync.Mutex
		seen  = map[string]bool{}
		wg    sync.WaitGroup
		fails int
	)
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			execs := s.exec(sig(symbol, "main"))
			mu.Lock()
			defer mu.Unlock()
			e := execs[0]
			if e.Skipped || e.Err != nil || !e.Recovery || e.TradeID == "" {
				fails++
				return
			}
			trade, err := s.db.GetTrade(s.ctx, e.TradeID)
			if err != nil || trade == nil {
				fails++
				return
			}
			seen[trade.LaneID] = true
		}(symbol)
	}
	wg.Wait()

	if fails != 0 {
		t.Fatalf("%d of 3 concurrent signals failed to place", fails)
	}
	if len(seen) != 3 {
		t.Fatalf("concurrent signals shared lanes: %d distinct", len(seen))
	}
	s.waitNoOpen(15 * time.Second)
}
