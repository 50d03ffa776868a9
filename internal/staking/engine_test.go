package staking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"options-core/internal/events"
	"options-core/internal/policy"
	"options-core/internal/state"
	"options-core/pkg/db"
)

func newTestEngine(t *testing.T, s db.Settings) (*Engine, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.ApplyMigrations(); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.UpsertSettings(context.Background(), s); err != nil {
		t.Fatalf("settings: %v", err)
	}
	eng := NewEngine(database, policy.NewManager(database), state.NewRegistry(database), events.NewBus())
	return eng, database
}

// recoverySettings is the reference configuration: $1 base, 2.5x multiplier,
// seven levels, lanes mode.
func recoverySettings(account string) db.Settings {
	s := policy.Defaults()
	s.Account = account
	s.BaseAmount = 1.00
	s.Multiplier = 2.5
	s.MaxLevel = 7
	s.MaxConcurrentLanes = 3
	s.MaxLanesPerDay = 10
	return s
}

var tradeSeq int

// place runs a decision through the full placement path and returns the
// ledger row the way the orchestrator would have written it.
func place(t *testing.T, eng *Engine, database *db.Database, account, symbol string) (db.Trade, Decision) {
	t.Helper()
	ctx := context.Background()

	dec, err := eng.Decide(ctx, account, symbol)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Blocked {
		t.Fatalf("decision unexpectedly blocked: %s", dec.Reason)
	}

	tradeSeq++
	now := time.Now().UTC()
	trade := db.Trade{
		ID:            fmt.Sprintf("t-%d", tradeSeq),
		TrackingID:    fmt.Sprintf("trade_%d_%08d", now.Unix(), tradeSeq),
		Account:       account,
		Symbol:        symbol,
		Action:        "call",
		Amount:        dec.Amount,
		ExpirySeconds: 60,
		Level:         dec.Level,
		IsRecovery:    dec.Recovery,
		LaneID:        dec.LaneID,
		Status:        db.TradeStatusOpen,
		OpenedAt:      now,
		ExpiresAt:     now.Add(time.Minute),
	}
	if err := database.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if err := eng.OnTradePlaced(ctx, Placement{
		ReservationID: dec.ReservationID,
		TradeID:       trade.ID,
		TrackingID:    trade.TrackingID,
		Account:       account,
		Symbol:        symbol,
		Action:        trade.Action,
		Amount:        trade.Amount,
		LaneID:        trade.LaneID,
		Level:         trade.Level,
		Recovery:      trade.IsRecovery,
		OpenedAt:      trade.OpenedAt,
		ExpiresAt:     trade.ExpiresAt,
	}); err != nil {
		t.Fatalf("on trade placed: %v", err)
	}
	return trade, dec
}

func lose(t *testing.T, eng *Engine, trade db.Trade) {
	t.Helper()
	applied, err := eng.OnTradeResult(context.Background(), trade, db.ResultLoss, -trade.Amount, false)
	if err != nil {
		t.Fatalf("loss result: %v", err)
	}
	if !applied {
		t.Fatalf("loss for %s was not applied", trade.ID)
	}
}

func win(t *testing.T, eng *Engine, trade db.Trade) {
	t.Helper()
	applied, err := eng.OnTradeResult(context.Background(), trade, db.ResultWin, trade.Amount*0.85, false)
	if err != nil {
		t.Fatalf("win result: %v", err)
	}
	if !applied {
		t.Fatalf("win for %s was not applied", trade.ID)
	}
}

func activeLanes(t *testing.T, database *db.Database, account string) []db.Lane {
	t.Helper()
	lanes, err := database.Queries().ListActiveLanes(context.Background(), account)
	if err != nil {
		t.Fatalf("list lanes: %v", err)
	}
	return lanes
}

// TestEscalationScenario walks the reference sequence: a $1 base trade loses
// and opens a lane, the lane escalates through $2.50 and $6.25, the $6.25
// win completes it, and the next stake is a fresh $1 base.
func TestEscalationScenario(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))

	t1, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 1.00 || dec.LaneID != "" || dec.Recovery {
		t.Fatalf("first stake = %+v, want $1.00 base", dec)
	}
	lose(t, eng, t1)

	lanes := activeLanes(t, database, "demo")
	if len(lanes) != 1 {
		t.Fatalf("lanes after base loss = %d, want 1", len(lanes))
	}
	lane := lanes[0]
	if lane.CurrentLevel != 1 || lane.CurrentAmount != 2.50 {
		t.Fatalf("lane = level %d amount %.2f, want level 1 amount 2.50", lane.CurrentLevel, lane.CurrentAmount)
	}
	if lane.TradesCount != 1 || lane.TotalInvested != 1.00 {
		t.Fatalf("lane should start with the lost base trade: count %d invested %.2f", lane.TradesCount, lane.TotalInvested)
	}

	t2, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 2.50 || dec.LaneID != lane.ID || dec.Level != 1 || !dec.Recovery {
		t.Fatalf("second stake = %+v, want $2.50 on lane %s level 1", dec, lane.ID)
	}
	lose(t, eng, t2)

	t3, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 6.25 || dec.Level != 2 {
		t.Fatalf("third stake = %+v, want $6.25 level 2", dec)
	}
	win(t, eng, t3)

	if got := activeLanes(t, database, "demo"); len(got) != 0 {
		t.Fatalf("lane should be completed after win, still active: %+v", got)
	}
	closed, err := database.Queries().GetLane(context.Background(), lane.ID)
	if err != nil {
		t.Fatalf("get lane: %v", err)
	}
	if closed.Status != db.LaneStatusCompleted || closed.CompletionReason != ReasonWin {
		t.Fatalf("lane end state = %s/%s, want completed/win", closed.Status, closed.CompletionReason)
	}
	if closed.TradesCount != 3 || closed.TotalInvested != 9.75 {
		t.Fatalf("lane totals = %d trades %.2f invested, want 3 and 9.75", closed.TradesCount, closed.TotalInvested)
	}

	_, dec = place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 1.00 || dec.Recovery {
		t.Fatalf("stake after recovery = %+v, want fresh $1.00 base", dec)
	}
}

// TestLaneExhaustion drives a lane through every level until the cap closes
// it at a loss, then checks it is never selected again.
func TestLaneExhaustion(t *testing.T) {
	s := recoverySettings("demo")
	s.MaxLevel = 3
	eng, database := newTestEngine(t, s)

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1) // opens lane at level 1

	t2, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Level != 1 || dec.Amount != 2.50 {
		t.Fatalf("level 1 stake = %+v", dec)
	}
	lose(t, eng, t2) // level 1 loses, level 2 would be 6.25

	t3, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Level != 2 || dec.Amount != 6.25 {
		t.Fatalf("level 2 stake = %+v", dec)
	}
	lose(t, eng, t3) // 2+1 >= 3: exhausted

	if got := activeLanes(t, database, "demo"); len(got) != 0 {
		t.Fatalf("exhausted lane still active: %+v", got)
	}
	lanes, err := database.Queries().ListLanes(context.Background(), "demo", db.LaneStatusCompleted, 10)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(lanes) != 1 || lanes[0].CompletionReason != ReasonExhausted {
		t.Fatalf("completed lanes = %+v, want one exhausted lane", lanes)
	}

	_, dec = place(t, eng, database, "demo", "EURUSD")
	if dec.Recovery || dec.Amount != 1.00 {
		t.Fatalf("stake after exhaustion = %+v, want fresh base", dec)
	}
}

// TestWinResetsExactlyOneScope: completing one lane must not touch another
// account's or another lane's escalation.
func TestWinResetsExactlyOneScope(t *testing.T) {
	s := recoverySettings("demo")
	s.ConcurrentTrading = true
	eng, database := newTestEngine(t, s)

	a1, _ := place(t, eng, database, "demo", "EURUSD")
	b1, _ := place(t, eng, database, "demo", "GBPUSD")
	lose(t, eng, a1)
	lose(t, eng, b1)

	lanes := activeLanes(t, database, "demo")
	if len(lanes) != 2 {
		t.Fatalf("lanes = %d, want 2", len(lanes))
	}

	// Win the EURUSD lane.
	a2, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.LaneID == "" {
		t.Fatal("expected lane assignment")
	}
	winLane := dec.LaneID
	win(t, eng, a2)

	lanes = activeLanes(t, database, "demo")
	if len(lanes) != 1 {
		t.Fatalf("lanes after win = %d, want 1 survivor", len(lanes))
	}
	if lanes[0].ID == winLane {
		t.Fatal("the completed lane is still active")
	}
	if lanes[0].Symbol != "GBPUSD" || lanes[0].CurrentLevel != 1 {
		t.Fatalf("surviving lane changed: %+v", lanes[0])
	}
}

// TestResultAppliedAtMostOnce delivers the same loss twice and expects a
// single escalation.
func TestResultAppliedAtMostOnce(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)

	t2, _ := place(t, eng, database, "demo", "EURUSD")
	applied, err := eng.OnTradeResult(ctx, t2, db.ResultLoss, -t2.Amount, false)
	if err != nil || !applied {
		t.Fatalf("first delivery = %v/%v, want applied", applied, err)
	}
	applied, err = eng.OnTradeResult(ctx, t2, db.ResultLoss, -t2.Amount, false)
	if err != nil {
		t.Fatalf("second delivery errored: %v", err)
	}
	if applied {
		t.Fatal("second delivery was applied")
	}

	lanes := activeLanes(t, database, "demo")
	if len(lanes) != 1 || lanes[0].CurrentLevel != 2 {
		t.Fatalf("lane level = %+v, want exactly level 2 after one loss", lanes)
	}
}

// flakySettings fails the next Resolve calls a fixed number of times, then
// delegates to the real manager.
type flakySettings struct {
	inner    SettingsSource
	failures int
}

func (f *flakySettings) Resolve(ctx context.Context, account string) (db.Settings, error) {
	if f.failures > 0 {
		f.failures--
		return db.Settings{}, errors.New("settings temporarily unavailable")
	}
	return f.inner.Resolve(ctx, account)
}

// TestResultRedeliveredAfterTransientError: an error while a loss is being
// settled must not consume the once-only result claim. The trade has to stay
// open so the monitor redelivers, and the redelivery applies the escalation.
func TestResultRedeliveredAfterTransientError(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)
	t2, _ := place(t, eng, database, "demo", "EURUSD")

	eng.settings = &flakySettings{inner: eng.settings, failures: 1}

	applied, err := eng.OnTradeResult(ctx, t2, db.ResultLoss, -t2.Amount, false)
	if err == nil {
		t.Fatal("expected the transient error to surface")
	}
	if applied {
		t.Fatal("failed delivery must not report applied")
	}

	row, err := database.GetTrade(ctx, t2.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if row.ResultProcessed || row.Status != db.TradeStatusOpen {
		t.Fatalf("failed delivery consumed the claim: status=%s processed=%v", row.Status, row.ResultProcessed)
	}
	lanes := activeLanes(t, database, "demo")
	if len(lanes) != 1 || lanes[0].CurrentLevel != 1 {
		t.Fatalf("lane moved on a failed delivery: %+v", lanes)
	}

	applied, err = eng.OnTradeResult(ctx, t2, db.ResultLoss, -t2.Amount, false)
	if err != nil || !applied {
		t.Fatalf("redelivery = %v/%v, want applied", applied, err)
	}
	lanes = activeLanes(t, database, "demo")
	if len(lanes) != 1 || lanes[0].CurrentLevel != 2 {
		t.Fatalf("lane after redelivery = %+v, want level 2", lanes)
	}
}

// TestSingleTradePolicy: with concurrent trading off, a second signal is
// blocked from decision time until the first trade's result lands.
func TestSingleTradePolicy(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))
	ctx := context.Background()

	dec, err := eng.Decide(ctx, "demo", "EURUSD")
	if err != nil || dec.Blocked {
		t.Fatalf("first decision = %+v/%v", dec, err)
	}

	blocked, err := eng.Decide(ctx, "demo", "GBPUSD")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !blocked.Blocked {
		t.Fatal("reservation should already block a second signal")
	}

	// Submission failed: slot frees up immediately.
	eng.Release("demo", dec.ReservationID)
	dec, err = eng.Decide(ctx, "demo", "GBPUSD")
	if err != nil || dec.Blocked {
		t.Fatalf("decision after release = %+v/%v, want allowed", dec, err)
	}
	eng.Release("demo", dec.ReservationID)

	trade, _ := place(t, eng, database, "demo", "EURUSD")
	blocked, err = eng.Decide(ctx, "demo", "EURUSD")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !blocked.Blocked || blocked.Reason != "trade already in flight" {
		t.Fatalf("decision with open trade = %+v, want blocked", blocked)
	}

	win(t, eng, trade)
	dec, err = eng.Decide(ctx, "demo", "EURUSD")
	if err != nil || dec.Blocked {
		t.Fatalf("decision after result = %+v/%v, want allowed", dec, err)
	}
}

// TestThreeConcurrentSignals: three instruments, concurrent trading allowed,
// lane cap 3. All three must place at the base amount.
func TestThreeConcurrentSignals(t *testing.T) {
	s := recoverySettings("demo")
	s.ConcurrentTrading = true
	eng, _ := newTestEngine(t, s)

	symbols := []string{"EURUSD", "GBPUSD", "USDJPY"}
	decisions := make([]Decision, len(symbols))
	errs := make([]error, len(symbols))

	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			decisions[i], errs[i] = eng.Decide(context.Background(), "demo", sym)
		}(i, sym)
	}
	wg.Wait()

	for i, dec := range decisions {
		if errs[i] != nil {
			t.Fatalf("decide %s: %v", symbols[i], errs[i])
		}
		if dec.Blocked {
			t.Fatalf("signal %s blocked: %s", symbols[i], dec.Reason)
		}
		if dec.Amount != 1.00 {
			t.Fatalf("signal %s amount = %.2f, want 1.00", symbols[i], dec.Amount)
		}
	}
}

// TestLaneCapBlocksWhenAllLanesBusy: with every lane waiting on a result and
// the cap reached, the decision must be a block, not a fourth exposure.
func TestLaneCapBlocksWhenAllLanesBusy(t *testing.T) {
	s := recoverySettings("demo")
	s.ConcurrentTrading = true
	eng, database := newTestEngine(t, s)
	ctx := context.Background()

	// Three base trades first (no lanes exist yet), then three losses, so
	// each loss opens its own lane.
	var open []db.Trade
	for _, sym := range []string{"EURUSD", "GBPUSD", "USDJPY"} {
		tr, _ := place(t, eng, database, "demo", sym)
		open = append(open, tr)
	}
	for _, tr := range open {
		lose(t, eng, tr)
	}
	if got := activeLanes(t, database, "demo"); len(got) != 3 {
		t.Fatalf("lanes = %d, want 3", len(got))
	}

	// Occupy all three lanes with in-flight recovery trades.
	for i := 0; i < 3; i++ {
		dec, err := eng.Decide(ctx, "demo", "EURUSD")
		if err != nil || dec.Blocked {
			t.Fatalf("recovery decision %d = %+v/%v", i, dec, err)
		}
		if dec.LaneID == "" {
			t.Fatalf("recovery decision %d got no lane", i)
		}
	}

	dec, err := eng.Decide(ctx, "demo", "AUDCAD")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.Blocked || dec.Reason != "lane cap reached" {
		t.Fatalf("decision = %+v, want lane cap block", dec)
	}
}

// TestRoundRobinSpreadsAcrossLanes: the least-fed lane takes the next trade.
func TestRoundRobinSpreadsAcrossLanes(t *testing.T) {
	s := recoverySettings("demo")
	s.ConcurrentTrading = true
	s.LaneStrategy = policy.StrategyRoundRobin
	eng, database := newTestEngine(t, s)

	a1, _ := place(t, eng, database, "demo", "EURUSD")
	b1, _ := place(t, eng, database, "demo", "GBPUSD")
	lose(t, eng, a1)
	lose(t, eng, b1)

	// Feed the first lane one more trade so counts diverge.
	d1, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.LaneID == "" {
		t.Fatal("expected lane")
	}
	lose(t, eng, d1)

	_, dec2 := place(t, eng, database, "demo", "USDJPY")
	if dec2.LaneID == "" {
		t.Fatal("expected lane")
	}
	lanes := activeLanes(t, database, "demo")
	var gbp db.Lane
	for _, l := range lanes {
		if l.Symbol == "GBPUSD" {
			gbp = l
		}
	}
	if dec2.LaneID != gbp.ID {
		t.Fatalf("round robin picked %s, want the lighter GBPUSD lane %s", dec2.LaneID, gbp.ID)
	}
}

// TestSymbolPriorityPrefersMatchingLane: a signal extends the lane of its own
// instrument when one exists.
func TestSymbolPriorityPrefersMatchingLane(t *testing.T) {
	s := recoverySettings("demo")
	s.ConcurrentTrading = true
	s.LaneStrategy = policy.StrategySymbolPriority
	eng, database := newTestEngine(t, s)

	a1, _ := place(t, eng, database, "demo", "EURUSD")
	b1, _ := place(t, eng, database, "demo", "GBPUSD")
	lose(t, eng, a1)
	lose(t, eng, b1)

	_, dec := place(t, eng, database, "demo", "GBPUSD")
	lanes := activeLanes(t, database, "demo")
	var gbp db.Lane
	for _, l := range lanes {
		if l.Symbol == "GBPUSD" {
			gbp = l
		}
	}
	if dec.LaneID != gbp.ID {
		t.Fatalf("symbol priority picked %s, want GBPUSD lane %s", dec.LaneID, gbp.ID)
	}
}

// TestRestartRestoresLaneProgress rebuilds the engine over the same database
// and expects the next stake to continue the escalation, not restart it.
func TestRestartRestoresLaneProgress(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)
	t2, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t2) // lane now at level 2

	// Fresh process: new registry seeded from the ledger, new engine.
	reg := state.NewRegistry(database)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	eng2 := NewEngine(database, policy.NewManager(database), reg, events.NewBus())

	dec, err := eng2.Decide(context.Background(), "demo", "EURUSD")
	if err != nil {
		t.Fatalf("decide after restart: %v", err)
	}
	if dec.Blocked {
		t.Fatalf("blocked after restart: %s", dec.Reason)
	}
	if dec.Amount != 6.25 || dec.Level != 2 || !dec.Recovery {
		t.Fatalf("stake after restart = %+v, want $6.25 at level 2", dec)
	}
}

// TestQueueMode runs the legacy single-queue model end to end.
func TestQueueMode(t *testing.T) {
	s := recoverySettings("demo")
	s.StakingMode = db.StakingModeQueue
	eng, database := newTestEngine(t, s)
	ctx := context.Background()

	t1, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 1.00 || dec.Recovery {
		t.Fatalf("first stake = %+v", dec)
	}
	lose(t, eng, t1)

	qs, err := database.Queries().GetQueueState(ctx, "demo")
	if err != nil {
		t.Fatalf("queue state: %v", err)
	}
	if qs.ConsecutiveLosses != 1 || len(qs.QueuedAmounts) != 1 || qs.QueuedAmounts[0] != 2.50 {
		t.Fatalf("queue after loss = %+v", qs)
	}

	t2, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 2.50 || !dec.Recovery {
		t.Fatalf("queued stake = %+v, want popped $2.50", dec)
	}
	lose(t, eng, t2)

	qs, _ = database.Queries().GetQueueState(ctx, "demo")
	if qs.ConsecutiveLosses != 2 || len(qs.QueuedAmounts) != 1 || qs.QueuedAmounts[0] != 6.25 {
		t.Fatalf("queue after second loss = %+v", qs)
	}

	t3, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 6.25 {
		t.Fatalf("third stake = %+v", dec)
	}
	win(t, eng, t3)

	qs, _ = database.Queries().GetQueueState(ctx, "demo")
	if qs.ConsecutiveLosses != 0 || len(qs.QueuedAmounts) != 0 {
		t.Fatalf("queue should be cleared by the win, got %+v", qs)
	}

	_, dec = place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 1.00 || dec.Recovery {
		t.Fatalf("stake after recovery = %+v, want fresh base", dec)
	}
}

// TestLaneDeniedFallsBackToQueue: with auto-create off, losses escalate
// through the queue even in lanes mode.
func TestLaneDeniedFallsBackToQueue(t *testing.T) {
	s := recoverySettings("demo")
	s.AutoCreateLanes = false
	eng, database := newTestEngine(t, s)
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)

	if got := activeLanes(t, database, "demo"); len(got) != 0 {
		t.Fatalf("no lane should be created, got %+v", got)
	}
	qs, _ := database.Queries().GetQueueState(ctx, "demo")
	if len(qs.QueuedAmounts) != 1 || qs.QueuedAmounts[0] != 2.50 {
		t.Fatalf("queue = %+v, want [2.50]", qs.QueuedAmounts)
	}

	_, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 2.50 || !dec.Recovery || dec.LaneID != "" {
		t.Fatalf("fallback stake = %+v, want queued $2.50 without a lane", dec)
	}
}

// TestDailyLaneCapFallsBackToQueue: once the day's lane budget is spent,
// further base losses queue up instead of opening lanes.
func TestDailyLaneCapFallsBackToQueue(t *testing.T) {
	s := recoverySettings("demo")
	s.ConcurrentTrading = true
	s.MaxLanesPerDay = 1
	eng, database := newTestEngine(t, s)
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)
	if got := activeLanes(t, database, "demo"); len(got) != 1 {
		t.Fatalf("lanes = %d, want 1", len(got))
	}

	// Keep the lane busy with an in-flight recovery trade so the next signal
	// becomes a plain base trade.
	rec, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.LaneID == "" {
		t.Fatalf("expected recovery trade on the lane, got %+v", dec)
	}

	t2, dec := place(t, eng, database, "demo", "GBPUSD")
	if dec.LaneID != "" {
		t.Fatalf("expected base trade while the lane is busy, got lane %s", dec.LaneID)
	}
	lose(t, eng, t2)

	if got := activeLanes(t, database, "demo"); len(got) != 1 {
		t.Fatalf("daily cap breached: %d lanes", len(got))
	}
	qs, _ := database.Queries().GetQueueState(ctx, "demo")
	if len(qs.QueuedAmounts) != 1 {
		t.Fatalf("queue = %+v, want the denied escalation", qs.QueuedAmounts)
	}
	win(t, eng, rec)
}

// TestStakingDisabled: flat base stakes, no lanes, no queue growth.
func TestStakingDisabled(t *testing.T) {
	s := recoverySettings("demo")
	s.MartingaleEnabled = false
	eng, database := newTestEngine(t, s)
	ctx := context.Background()

	t1, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 1.00 || dec.Recovery {
		t.Fatalf("stake = %+v, want plain base", dec)
	}
	lose(t, eng, t1)

	if got := activeLanes(t, database, "demo"); len(got) != 0 {
		t.Fatalf("lanes created while staking disabled: %+v", got)
	}
	qs, _ := database.Queries().GetQueueState(ctx, "demo")
	if len(qs.QueuedAmounts) != 0 {
		t.Fatalf("queue grew while staking disabled: %+v", qs.QueuedAmounts)
	}

	_, dec = place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 1.00 {
		t.Fatalf("stake = %+v, want base again", dec)
	}
}

// TestCooldownBlocksPlacement: a trade inside the cooldown window is blocked
// and the block clears once the window passes.
func TestCooldownBlocksPlacement(t *testing.T) {
	s := recoverySettings("demo")
	s.CooldownSeconds = 30
	eng, database := newTestEngine(t, s)
	ctx := context.Background()

	tr, _ := place(t, eng, database, "demo", "EURUSD")
	win(t, eng, tr)

	dec, err := eng.Decide(ctx, "demo", "EURUSD")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.Blocked {
		t.Fatal("expected cooldown block")
	}

	eng.mu.Lock()
	eng.lastPlaced["demo"] = time.Now().Add(-time.Minute)
	eng.mu.Unlock()

	dec, err = eng.Decide(ctx, "demo", "EURUSD")
	if err != nil || dec.Blocked {
		t.Fatalf("decision after window = %+v/%v, want allowed", dec, err)
	}
}

// TestTimedOutLossEscalates: a monitor timeout arrives as a loss and drives
// the lane like any other loss.
func TestTimedOutLossEscalates(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	applied, err := eng.OnTradeResult(ctx, t1, db.ResultLoss, -t1.Amount, true)
	if err != nil || !applied {
		t.Fatalf("timed out result = %v/%v", applied, err)
	}

	row, err := database.GetTrade(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if !row.TimedOut || row.Result != db.ResultLoss {
		t.Fatalf("trade row = result %q timedOut %v, want loss with timeout flag", row.Result, row.TimedOut)
	}
	if got := activeLanes(t, database, "demo"); len(got) != 1 {
		t.Fatalf("timeout loss should open a lane, got %d", len(got))
	}
}

// TestDrawLeavesStateUntouched: a push returns the stake and neither
// escalates nor completes anything.
func TestDrawLeavesStateUntouched(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)
	t2, _ := place(t, eng, database, "demo", "EURUSD")

	applied, err := eng.OnTradeResult(ctx, t2, db.ResultDraw, 0, false)
	if err != nil || !applied {
		t.Fatalf("draw result = %v/%v", applied, err)
	}

	lanes := activeLanes(t, database, "demo")
	if len(lanes) != 1 || lanes[0].CurrentLevel != 1 {
		t.Fatalf("lane after draw = %+v, want still level 1", lanes)
	}

	_, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Amount != 2.50 || dec.Level != 1 {
		t.Fatalf("stake after draw = %+v, want the same $2.50 step", dec)
	}
}

// TestForceCompleteLane closes a lane by hand and verifies it stays closed.
func TestForceCompleteLane(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))
	ctx := context.Background()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)
	lane := activeLanes(t, database, "demo")[0]

	if err := eng.ForceCompleteLane(ctx, lane.ID); err != nil {
		t.Fatalf("force complete: %v", err)
	}
	closed, _ := database.Queries().GetLane(ctx, lane.ID)
	if closed.Status != db.LaneStatusCompleted || closed.CompletionReason != ReasonManual {
		t.Fatalf("lane = %s/%s, want completed/manual", closed.Status, closed.CompletionReason)
	}

	if err := eng.ForceCompleteLane(ctx, lane.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("second completion = %v, want ErrNotFound", err)
	}

	_, dec := place(t, eng, database, "demo", "EURUSD")
	if dec.Recovery {
		t.Fatalf("stake after manual close = %+v, want fresh base", dec)
	}
}

// TestLaneEventsPublished subscribes to the bus and checks the lane
// lifecycle is announced.
func TestLaneEventsPublished(t *testing.T) {
	eng, database := newTestEngine(t, recoverySettings("demo"))

	ch, unsub := eng.bus.Subscribe(events.EventLaneCreated, 4)
	defer unsub()

	t1, _ := place(t, eng, database, "demo", "EURUSD")
	lose(t, eng, t1)

	select {
	case msg := <-ch:
		evt, ok := msg.(events.LaneEvent)
		if !ok {
			t.Fatalf("payload type %T", msg)
		}
		if evt.Account != "demo" || evt.Symbol != "EURUSD" || evt.Level != 1 || evt.NextAmount != 2.50 {
			t.Fatalf("lane event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no lane.created event published")
	}
}
