package signal

import (
	"log"
	"sync"
	"sync/atomic"

	"options-core/pkg/i18n"
)

// Intake sits between the feed and execution. A single worker drains a
// buffered channel, so a slow placement never back-pressures the websocket
// read loop; when the buffer is full the signal is dropped and counted
// instead.
type Intake struct {
	ch      chan Signal
	handler func(Signal)
	done    chan struct{}
	once    sync.Once

	dropped atomic.Uint64
}

// NewIntake starts the worker. buffer <= 0 falls back to a small default.
func NewIntake(buffer int, handler func(Signal)) *Intake {
	if buffer <= 0 {
		buffer = 100
	}
	in := &Intake{
		ch:      make(chan Signal, buffer),
		handler: handler,
		done:    make(chan struct{}),
	}
	go in.run()
	return in
}

func (in *Intake) run() {
	defer close(in.done)
	for s := range in.ch {
		in.handler(s)
	}
}

// Enqueue hands a signal to the worker without blocking. Must not be called
// after Close.
func (in *Intake) Enqueue(s Signal) {
	select {
	case in.ch <- s:
	default:
		in.dropped.Add(1)
		log.Printf(i18n.Get("SignalBufferFull"), s.Symbol)
	}
}

// Dropped returns how many signals were discarded on a full buffer.
func (in *Intake) Dropped() uint64 {
	return in.dropped.Load()
}

// Close stops accepting signals and waits for the queued ones to finish.
// The producer must already be stopped.
func (in *Intake) Close() {
	in.once.Do(func() { close(in.ch) })
	<-in.done
}
