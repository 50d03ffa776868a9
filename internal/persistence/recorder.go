package persistence

import (
	"log"
	"time"

	"options-core/internal/events"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
)

// statUpsert folds one resolved trade into its account-day performance row.
// Mirrors StakingQueries.AddDailyStat but routed through the batch writer so
// settlement never waits on bookkeeping.
const statUpsert = `
	INSERT INTO performance (account, date, trades, wins, losses, draws, profit, volume)
	VALUES (?, ?, 1, ?, ?, ?, ?, ?)
	ON CONFLICT(account, date) DO UPDATE SET
		trades = trades + 1,
		wins = wins + excluded.wins,
		losses = losses + excluded.losses,
		draws = draws + excluded.draws,
		profit = profit + excluded.profit,
		volume = volume + excluded.volume`

// Recorder listens for resolved trades and accumulates daily performance
// stats per account.
type Recorder struct {
	writer *Writer
	stop   func()
	done   chan struct{}
}

// NewRecorder subscribes to trade resolutions and starts recording.
func NewRecorder(writer *Writer, bus *events.Bus) *Recorder {
	ch, unsub := bus.Subscribe(events.EventTradeResolved, 64)
	r := &Recorder{
		writer: writer,
		stop:   unsub,
		done:   make(chan struct{}),
	}
	go r.run(ch)
	log.Println(i18n.Get("StatsRecorderStarted"))
	return r
}

func (r *Recorder) run(ch <-chan any) {
	defer close(r.done)
	for payload := range ch {
		ev, ok := payload.(events.TradeEvent)
		if !ok {
			continue
		}
		r.record(ev)
	}
}

func (r *Recorder) record(ev events.TradeEvent) {
	wins, losses, draws := 0, 0, 0
	switch ev.Result {
	case db.ResultWin:
		wins = 1
	case db.ResultLoss:
		losses = 1
	case db.ResultDraw:
		draws = 1
	default:
		return
	}
	date := ev.At.UTC().Format("2006-01-02")
	if ev.At.IsZero() {
		date = time.Now().UTC().Format("2006-01-02")
	}
	r.writer.Enqueue(statUpsert, ev.Account, date, wins, losses, draws, ev.Profit, ev.Amount)
}

// Close unsubscribes and waits for in-flight events to drain.
func (r *Recorder) Close() {
	r.stop()
	<-r.done
}
