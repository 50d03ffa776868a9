// Package broker defines the session surface a binary options provider
// exposes: buy a contract, poll its outcome, read balance and asset payouts.
package broker

import (
	"context"
	"errors"
	"time"
)

// Action is the contract direction.
type Action string

const (
	ActionCall Action = "call"
	ActionPut  Action = "put"
)

var (
	ErrSessionClosed       = errors.New("broker session closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAssetClosed         = errors.New("asset closed for trading")
	ErrTradeNotFound       = errors.New("trade not found")
)

// OrderRequest describes one contract purchase.
type OrderRequest struct {
	Symbol        string
	Action        Action
	Amount        float64
	ExpirySeconds int
}

// OrderResult is the broker's acknowledgement of an accepted contract.
type OrderResult struct {
	TradeID   string
	OpenedAt  time.Time
	ExpiresAt time.Time
	Payout    float64
}

// Outcome is the settlement state of a contract. Resolved is false while
// the contract has not expired (or the broker has not settled it yet).
type Outcome struct {
	TradeID  string
	Resolved bool
	Result   string // win | loss | draw
	Profit   float64
}

// Asset is a tradable symbol with its current payout fraction.
type Asset struct {
	Symbol string
	Payout float64
	Open   bool
}

// Credentials identifies one broker account.
type Credentials struct {
	Account string
	SSID    string
	Demo    bool
}

// Session is a single authenticated broker connection. Implementations are
// driven by exactly one worker goroutine; they do not need to be safe for
// concurrent use.
type Session interface {
	Connect(ctx context.Context) error
	Buy(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CheckWin(ctx context.Context, tradeID string) (*Outcome, error)
	Balance(ctx context.Context) (float64, error)
	Assets(ctx context.Context) ([]Asset, error)
	Close() error
}

// Dialer opens a Session for an account. The simulator is the only dialer
// built in; a live provider plugs in here.
type Dialer func(creds Credentials) (Session, error)
