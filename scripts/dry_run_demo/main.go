package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"options-core/internal/events"
	"options-core/internal/policy"
	"options-core/internal/staking"
	"options-core/internal/state"
	"options-core/pkg/db"
)

// dry_run_demo walks one Martingale lane end to end against an in-memory
// ledger: a base loss opens the lane, each further loss escalates the stake,
// and a win recovers the lane. No broker traffic, no files on disk.
//
// Usage:
//
//	go run ./scripts/dry_run_demo
func main() {
	log.Println("=== lane walkthrough starting ===")

	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := database.ApplyMigrations(); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	account := "demo"
	if err := database.UpsertAccount(ctx, db.Account{Name: account, SSID: "demo-ssid", IsDemo: true, Enabled: true}); err != nil {
		log.Fatalf("upsert account: %v", err)
	}

	policyMgr := policy.NewManager(database)
	if err := policyMgr.EnsureDefaults(ctx); err != nil {
		log.Fatalf("defaults: %v", err)
	}

	registry := state.NewRegistry(database)
	bus := events.NewBus()
	engine := staking.NewEngine(database, policyMgr, registry, bus)

	symbol := "EURUSD"
	results := []string{"loss", "loss", "loss", "win"}

	for i, result := range results {
		decision, err := engine.Decide(ctx, account, symbol)
		if err != nil {
			log.Fatalf("decide: %v", err)
		}
		if decision.Blocked {
			log.Fatalf("unexpected block: %s", decision.Reason)
		}
		log.Printf("[%d] stake %.2f (lane=%q level=%d recovery=%v)",
			i+1, decision.Amount, decision.LaneID, decision.Level, decision.Recovery)

		trade := db.Trade{
			ID:            fmt.Sprintf("trade_%d_%s", time.Now().Unix(), uuid.NewString()[:8]),
			TrackingID:    uuid.NewString(),
			Account:       account,
			Symbol:        symbol,
			Action:        "call",
			Amount:        decision.Amount,
			ExpirySeconds: 60,
			PayoutRate:    0.8,
			Level:         decision.Level,
			IsRecovery:    decision.Recovery,
			LaneID:        decision.LaneID,
			Status:        db.TradeStatusOpen,
			OpenedAt:      time.Now(),
			ExpiresAt:     time.Now().Add(time.Minute),
		}
		if err := database.CreateTrade(ctx, trade); err != nil {
			log.Fatalf("create trade: %v", err)
		}
		if err := engine.OnTradePlaced(ctx, staking.Placement{
			ReservationID: decision.ReservationID,
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
			log.Fatalf("on placed: %v", err)
		}

		profit := -trade.Amount
		if result == db.ResultWin {
			profit = trade.Amount * trade.PayoutRate
		}
		if _, err := engine.OnTradeResult(ctx, trade, result, profit, false); err != nil {
			log.Fatalf("on result: %v", err)
		}
		log.Printf("[%d] %s resolved %s (profit %.2f)", i+1, trade.ID, result, profit)
	}

	lanes, err := database.Queries().ListLanes(ctx, account, "", 10)
	if err != nil {
		log.Fatalf("list lanes: %v", err)
	}
	for _, lane := range lanes {
		log.Printf("lane %s: status=%s level=%d trades=%d invested=%.2f",
			lane.ID, lane.Status, lane.CurrentLevel, lane.TradesCount, lane.TotalInvested)
	}

	log.Println("=== lane walkthrough finished ===")
}
