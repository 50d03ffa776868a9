package signal

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"options-core/pkg/i18n"
)

const (
	feedDialTimeout  = 10 * time.Second
	feedReadDeadline = 90 * time.Second
	feedPingInterval = 30 * time.Second
	feedMaxBackoff   = 60 * time.Second
)

// Feed consumes structured signals from an upstream websocket provider and
// hands each one to a handler. The connection is redialed with exponential
// backoff; a healthy read resets the backoff.
type Feed struct {
	url     string
	handler func(Signal)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a feed client for url. Signals are delivered to handler
// sequentially from the read loop.
func NewFeed(url string, handler func(Signal)) *Feed {
	return &Feed{url: url, handler: handler}
}

// Start begins dialing in the background.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop tears down the connection and waits for the loop to exit.
func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf(i18n.Get("SignalFeedRetry"), err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > feedMaxBackoff {
			backoff = feedMaxBackoff
		}
	}
}

// consume holds one connection until it fails.
func (f *Feed) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, feedDialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf(i18n.Get("SignalFeedConnected"), f.url)

	conn.SetReadDeadline(time.Now().Add(feedReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedReadDeadline))
	})

	// Close the socket when ctx ends so ReadMessage unblocks.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-connDone:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(feedReadDeadline))

		var s Signal
		if err := json.Unmarshal(data, &s); err != nil {
			// Providers interleave keepalives with signals; skip anything
			// that is not a signal document.
			continue
		}
		if s.Symbol == "" || s.Direction == "" {
			continue
		}
		if s.Source == "" {
			s.Source = "feed"
		}
		f.handler(s)
	}
}
