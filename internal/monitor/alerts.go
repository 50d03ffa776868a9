package monitor

import (
	"fmt"
	"log"

	"options-core/internal/events"
)

// AlertSink is a pluggable alert delivery target.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. The default when no external
// sink is configured.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("[ALERT] %s", message)
	return nil
}

// Alerter turns selected bus events into operator alerts: an exhausted lane
// means realized loss, a restarting worker means a broker connection is
// flapping, and a timed-out trade means results stopped arriving.
type Alerter struct {
	sink AlertSink
	stop func()
	done chan struct{}
}

// NewAlerter subscribes to the bus and starts forwarding alerts to sink.
func NewAlerter(bus *events.Bus, sink AlertSink) *Alerter {
	if sink == nil {
		sink = LogSink{}
	}
	ch, unsub := bus.SubscribeMany([]events.Event{
		events.EventLaneCompleted,
		events.EventTradeResolved,
		events.EventWorkerState,
	}, 64)

	a := &Alerter{sink: sink, stop: unsub, done: make(chan struct{})}
	go a.run(ch)
	return a
}

func (a *Alerter) run(ch <-chan events.Envelope) {
	defer close(a.done)
	for env := range ch {
		if msg, ok := alertMessage(env); ok {
			if err := a.sink.Send(msg); err != nil {
				log.Printf("alert delivery failed: %v", err)
			}
		}
	}
}

func alertMessage(env events.Envelope) (string, bool) {
	switch env.Event {
	case events.EventLaneCompleted:
		ev, ok := env.Payload.(events.LaneEvent)
		if !ok || ev.Reason != "exhausted" {
			return "", false
		}
		return fmt.Sprintf("lane %s on %s exhausted at level %d, %.2f lost (%s)",
			ev.LaneID, ev.Symbol, ev.Level, ev.TotalRisk, ev.Account), true
	case events.EventTradeResolved:
		ev, ok := env.Payload.(events.TradeEvent)
		if !ok || !ev.TimedOut {
			return "", false
		}
		return fmt.Sprintf("trade %s on %s never resolved, recorded as loss (%s)",
			ev.TradeID, ev.Symbol, ev.Account), true
	case events.EventWorkerState:
		ev, ok := env.Payload.(events.WorkerEvent)
		if !ok || ev.State != "restarting" {
			return "", false
		}
		return fmt.Sprintf("worker for %s restarting: %s", ev.Account, ev.Detail), true
	}
	return "", false
}

// Close detaches from the bus and drains in-flight alerts.
func (a *Alerter) Close() {
	a.stop()
	<-a.done
}
