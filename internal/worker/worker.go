package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"options-core/pkg/broker"
)

// Config tunes worker call behavior and supervision.
type Config struct {
	ConnectTimeout   time.Duration // session connect budget on (re)start
	CallTimeout      time.Duration // per-attempt broker call budget
	CallRetries      int           // extra attempts after the first
	CallRetryDelay   time.Duration
	CommandBuffer    int
	FailureThreshold int // probe failures before a restart
	ProbeInterval    time.Duration
	RestartBackoff   time.Duration
}

// DefaultConfig returns the supervision defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   30 * time.Second,
		CallTimeout:      8 * time.Second,
		CallRetries:      2,
		CallRetryDelay:   time.Second,
		CommandBuffer:    32,
		FailureThreshold: 3,
		ProbeInterval:    time.Minute,
		RestartBackoff:   5 * time.Second,
	}
}

// Worker owns one broker session and executes commands for it sequentially.
type Worker struct {
	account string
	session broker.Session
	channel *Channel
	cfg     Config

	stopCh chan struct{}
	done   chan struct{}
}

func newWorker(account string, session broker.Session, channel *Channel, cfg Config) *Worker {
	return &Worker{
		account: account,
		session: session,
		channel: channel,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case req := <-w.channel.reqs:
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// handle executes one command. A panic answers the request with an error
// instead of killing the worker.
func (w *Worker) handle(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker %s: panic during %s: %v", w.account, req.Action, r)
			w.channel.deliver(req.ID, Response{Err: fmt.Errorf("worker panic: %v", r)})
		}
	}()

	// A request whose sender already gave up is dead weight; for buys it
	// would place an order nobody is tracking.
	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		if req.Action == ActionBuy {
			log.Printf("worker %s: buy for %s queued past its deadline, skipping", w.account, req.Params.Symbol)
		}
		w.channel.deliver(req.ID, Response{Err: ErrStale})
		return
	}

	var resp Response
	switch req.Action {
	case ActionBuy:
		resp.Err = w.withRetry(ctx, func(cctx context.Context) error {
			order, err := w.session.Buy(cctx, broker.OrderRequest{
				Symbol:        req.Params.Symbol,
				Action:        req.Params.Direction,
				Amount:        req.Params.Amount,
				ExpirySeconds: req.Params.ExpirySec,
			})
			if err == nil {
				resp.Order = order
			}
			return err
		})
	case ActionCheckWin:
		resp.Err = w.withRetry(ctx, func(cctx context.Context) error {
			out, err := w.session.CheckWin(cctx, req.Params.TradeID)
			if err == nil {
				resp.Outcome = out
			}
			return err
		})
	case ActionBalance:
		resp.Err = w.withRetry(ctx, func(cctx context.Context) error {
			bal, err := w.session.Balance(cctx)
			if err == nil {
				resp.Balance = bal
			}
			return err
		})
	case ActionAssets:
		resp.Err = w.withRetry(ctx, func(cctx context.Context) error {
			assets, err := w.session.Assets(cctx)
			if err == nil {
				resp.Assets = assets
			}
			return err
		})
	default:
		resp.Err = fmt.Errorf("unknown action %q", req.Action)
	}

	w.channel.deliver(req.ID, resp)
}

// withRetry gives each attempt its own call budget and stops early on
// terminal broker rejections, which retrying cannot fix.
func (w *Worker) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= w.cfg.CallRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.cfg.CallRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		err = fn(cctx)
		cancel()
		if err == nil || isTerminal(err) {
			return err
		}
	}
	return err
}

func isTerminal(err error) bool {
	return errors.Is(err, broker.ErrInsufficientBalance) ||
		errors.Is(err, broker.ErrAssetClosed) ||
		errors.Is(err, broker.ErrTradeNotFound) ||
		errors.Is(err, broker.ErrSessionClosed)
}
