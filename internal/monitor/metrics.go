package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"options-core/internal/events"
	"options-core/pkg/db"
)

// SystemMetrics tracks signal, order, and settlement counters plus order
// submission latency. Counters are fed from the event bus so the hot path
// never touches them directly.
type SystemMetrics struct {
	startedAt time.Time

	OrderLatency *LatencyHistogram

	signalsReceived uint64
	signalsRejected uint64
	ordersPlaced    uint64
	ordersRejected  uint64
	wins            uint64
	losses          uint64
	draws           uint64
	timeouts        uint64
	workerRestarts  uint64

	unsubscribe func()
	done        chan struct{}
}

// NewSystemMetrics creates a metrics instance with an empty latency window.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		startedAt:    time.Now(),
		OrderLatency: NewLatencyHistogram(1000),
	}
}

// Observe subscribes to the bus and counts lifecycle events until Close.
func (m *SystemMetrics) Observe(bus *events.Bus) {
	ch, unsub := bus.SubscribeMany([]events.Event{
		events.EventSignalReceived,
		events.EventSignalRejected,
		events.EventOrderSubmitted,
		events.EventOrderRejected,
		events.EventTradeResolved,
		events.EventWorkerState,
	}, 128)
	m.unsubscribe = unsub
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for env := range ch {
			m.count(env)
		}
	}()
}

// Close detaches from the bus and waits for the counting goroutine.
func (m *SystemMetrics) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		<-m.done
	}
}

func (m *SystemMetrics) count(env events.Envelope) {
	switch env.Event {
	case events.EventSignalReceived:
		atomic.AddUint64(&m.signalsReceived, 1)
	case events.EventSignalRejected:
		atomic.AddUint64(&m.signalsRejected, 1)
	case events.EventOrderSubmitted:
		atomic.AddUint64(&m.ordersPlaced, 1)
	case events.EventOrderRejected:
		atomic.AddUint64(&m.ordersRejected, 1)
	case events.EventTradeResolved:
		evt, ok := env.Payload.(events.TradeEvent)
		if !ok {
			return
		}
		if evt.TimedOut {
			atomic.AddUint64(&m.timeouts, 1)
		}
		switch evt.Result {
		case db.ResultWin:
			atomic.AddUint64(&m.wins, 1)
		case db.ResultLoss:
			atomic.AddUint64(&m.losses, 1)
		case db.ResultDraw:
			atomic.AddUint64(&m.draws, 1)
		}
	case events.EventWorkerState:
		evt, ok := env.Payload.(events.WorkerEvent)
		if ok && evt.State == "restarting" {
			atomic.AddUint64(&m.workerRestarts, 1)
		}
	}
}

// MetricsSnapshot is a point-in-time view served at /api/metrics.
type MetricsSnapshot struct {
	UptimeSeconds   int64        `json:"uptime_seconds"`
	SignalsReceived uint64       `json:"signals_received"`
	SignalsRejected uint64       `json:"signals_rejected"`
	OrdersPlaced    uint64       `json:"orders_placed"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	Wins            uint64       `json:"wins"`
	Losses          uint64       `json:"losses"`
	Draws           uint64       `json:"draws"`
	Timeouts        uint64       `json:"timeouts"`
	WorkerRestarts  uint64       `json:"worker_restarts"`
	OrderLatency    LatencyStats `json:"order_latency_ms"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Snapshot returns current counter values.
func (m *SystemMetrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		UptimeSeconds:   int64(time.Since(m.startedAt).Seconds()),
		SignalsReceived: atomic.LoadUint64(&m.signalsReceived),
		SignalsRejected: atomic.LoadUint64(&m.signalsRejected),
		OrdersPlaced:    atomic.LoadUint64(&m.ordersPlaced),
		OrdersRejected:  atomic.LoadUint64(&m.ordersRejected),
		Wins:            atomic.LoadUint64(&m.wins),
		Losses:          atomic.LoadUint64(&m.losses),
		Draws:           atomic.LoadUint64(&m.draws),
		Timeouts:        atomic.LoadUint64(&m.timeouts),
		WorkerRestarts:  atomic.LoadUint64(&m.workerRestarts),
		OrderLatency:    m.OrderLatency.Stats(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of latency samples. Stats are
// recomputed lazily, only when samples changed since the last call.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99 over the current window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}
