// Package worker runs one supervised goroutine per broker account. All
// broker I/O for an account flows through its worker, so the session never
// sees concurrent calls. Callers talk to workers over a typed command
// channel with per-request correlation and one bounded timeout that covers
// both queueing and execution.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/pkg/broker"
)

// Action names the broker operations a worker can perform.
type Action string

const (
	ActionBuy      Action = "buy"
	ActionCheckWin Action = "check_win"
	ActionBalance  Action = "get_balance"
	ActionAssets   Action = "get_assets"
)

var (
	// ErrTimeout means the bounded wait elapsed. It is deliberately distinct
	// from any broker error: the order may or may not exist upstream.
	ErrTimeout = errors.New("command timed out")

	// ErrUnavailable means the account has no live worker right now.
	ErrUnavailable = errors.New("account unavailable")

	// ErrStale means a buy sat in the queue past its useful life and was
	// discarded without touching the broker.
	ErrStale = errors.New("stale buy command discarded")
)

// Params carries the arguments of a command. Only the fields relevant to the
// action are set.
type Params struct {
	Symbol    string
	Direction broker.Action
	Amount    float64
	ExpirySec int
	TradeID   string
}

// Request is one command in flight to a worker. Deadline is the sender's
// give-up time; the worker will not start work on a request whose sender has
// already moved on.
type Request struct {
	ID       string
	Action   Action
	Params   Params
	At       time.Time
	Deadline time.Time
}

// Response is the worker's answer. Err carries broker-side failures;
// transport-level failures (timeout, no worker) surface as Send's error
// instead.
type Response struct {
	ID      string
	Err     error
	Order   *broker.OrderResult
	Outcome *broker.Outcome
	Balance float64
	Assets  []broker.Asset
}

// Channel is the command pipe of a single worker. Requests are correlated to
// their reply slot by id, so a reply that arrives after the sender gave up
// can only be dropped, never delivered to a later request.
type Channel struct {
	account string
	reqs    chan Request

	mu      sync.Mutex
	pending map[string]chan Response
}

func newChannel(account string, buffer int) *Channel {
	if buffer <= 0 {
		buffer = 32
	}
	return &Channel{
		account: account,
		reqs:    make(chan Request, buffer),
		pending: make(map[string]chan Response),
	}
}

// Send enqueues a command and waits for its reply. One timer bounds the
// whole round trip. On timeout the pending slot is dropped first, so a
// straggling reply is logged and discarded by deliver.
func (c *Channel) Send(ctx context.Context, action Action, params Params, timeout time.Duration) (Response, error) {
	id := uuid.NewString()
	respCh := make(chan Response, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer c.forget(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	req := Request{
		ID:       id,
		Action:   action,
		Params:   params,
		At:       time.Now(),
		Deadline: time.Now().Add(timeout),
	}

	select {
	case c.reqs <- req:
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-respCh:
		return resp, resp.Err
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliver routes a reply back to its waiting sender. Unmatched replies are
// dropped: the sender timed out and its request id is gone.
func (c *Channel) deliver(id string, resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		log.Printf("worker %s: discarding late reply for request %s", c.account, id)
		return
	}
	resp.ID = id
	ch <- resp
}

// Len reports how many commands are queued, for status endpoints.
func (c *Channel) Len() int {
	return len(c.reqs)
}
