package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastSimConfig() SimConfig {
	return SimConfig{
		InitialBalance: 100,
		WinRate:        0.5,
		Payout:         0.8,
		Seed:           42,
	}
}

func TestSimBuyEscrowsStake(t *testing.T) {
	s := NewSimSession(fastSimConfig(), Credentials{Account: "demo"})
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := s.Buy(ctx, OrderRequest{Symbol: "EURUSD", Action: ActionCall, Amount: 10, ExpirySeconds: 60})
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if res.TradeID == "" {
		t.Fatal("expected a trade id")
	}
	if !res.ExpiresAt.After(res.OpenedAt) {
		t.Errorf("expiry must follow open: %v vs %v", res.ExpiresAt, res.OpenedAt)
	}

	bal, err := s.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal != 90 {
		t.Errorf("expected escrowed balance 90, got %v", bal)
	}
}

func TestSimInsufficientBalance(t *testing.T) {
	s := NewSimSession(fastSimConfig(), Credentials{Account: "demo"})
	ctx := context.Background()
	s.SetOnline(true)

	_, err := s.Buy(ctx, OrderRequest{Symbol: "EURUSD", Action: ActionPut, Amount: 1000, ExpirySeconds: 60})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestSimCheckWinPendingThenSettled(t *testing.T) {
	s := NewSimSession(fastSimConfig(), Credentials{Account: "demo"})
	ctx := context.Background()
	s.SetOnline(true)
	s.ForceResults("win")

	res, err := s.Buy(ctx, OrderRequest{Symbol: "EURUSD", Action: ActionCall, Amount: 10, ExpirySeconds: 1})
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	out, err := s.CheckWin(ctx, res.TradeID)
	if err != nil {
		t.Fatalf("CheckWin failed: %v", err)
	}
	if out.Resolved {
		t.Fatal("contract must be pending before expiry")
	}

	time.Sleep(1100 * time.Millisecond)

	out, err = s.CheckWin(ctx, res.TradeID)
	if err != nil {
		t.Fatalf("CheckWin failed: %v", err)
	}
	if !out.Resolved || out.Result != "win" {
		t.Fatalf("expected resolved win, got %+v", out)
	}
	if out.Profit != 8 {
		t.Errorf("expected profit 8, got %v", out.Profit)
	}

	// Settling twice must not double-credit.
	bal1, _ := s.Balance(ctx)
	if _, err := s.CheckWin(ctx, res.TradeID); err != nil {
		t.Fatalf("second CheckWin failed: %v", err)
	}
	bal2, _ := s.Balance(ctx)
	if bal1 != bal2 {
		t.Errorf("balance changed on repeat settle: %v -> %v", bal1, bal2)
	}
	if bal2 != 108 {
		t.Errorf("expected 108 after win, got %v", bal2)
	}
}

func TestSimForcedSequence(t *testing.T) {
	s := NewSimSession(fastSimConfig(), Credentials{Account: "demo"})
	ctx := context.Background()
	s.SetOnline(true)
	s.ForceResults("loss", "loss", "win")

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := s.Buy(ctx, OrderRequest{Symbol: "EURUSD", Action: ActionCall, Amount: 1, ExpirySeconds: 1})
		if err != nil {
			t.Fatalf("Buy %d failed: %v", i, err)
		}
		ids = append(ids, res.TradeID)
	}

	time.Sleep(1100 * time.Millisecond)

	want := []string{"loss", "loss", "win"}
	for i, id := range ids {
		out, err := s.CheckWin(ctx, id)
		if err != nil {
			t.Fatalf("CheckWin %d failed: %v", i, err)
		}
		if out.Result != want[i] {
			t.Errorf("trade %d: expected %s, got %s", i, want[i], out.Result)
		}
	}
}

func TestSimOfflineRejectsCalls(t *testing.T) {
	s := NewSimSession(fastSimConfig(), Credentials{Account: "demo"})
	ctx := context.Background()

	if _, err := s.Buy(ctx, OrderRequest{Symbol: "EURUSD", Action: ActionCall, Amount: 1, ExpirySeconds: 60}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed before Connect, got %v", err)
	}

	s.SetOnline(true)
	if _, err := s.Balance(ctx); err != nil {
		t.Fatalf("Balance failed while online: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Balance(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after Close, got %v", err)
	}
}

func TestSimClosedAsset(t *testing.T) {
	s := NewSimSession(fastSimConfig(), Credentials{Account: "demo"})
	ctx := context.Background()
	s.SetOnline(true)
	s.SetAssetOpen("EURUSD", false)

	if _, err := s.Buy(ctx, OrderRequest{Symbol: "EURUSD", Action: ActionCall, Amount: 1, ExpirySeconds: 60}); !errors.Is(err, ErrAssetClosed) {
		t.Errorf("expected ErrAssetClosed, got %v", err)
	}

	assets, err := s.Assets(ctx)
	if err != nil {
		t.Fatalf("Assets failed: %v", err)
	}
	for _, a := range assets {
		if a.Symbol == "EURUSD" && a.Open {
			t.Error("EURUSD should be reported closed")
		}
	}
}
