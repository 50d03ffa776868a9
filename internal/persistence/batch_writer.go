// Package persistence batches low-priority ledger writes. Decision-path
// writes go straight through pkg/db so a failed write can block a trade;
// everything here is bookkeeping that must not sit on that path.
package persistence

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"options-core/pkg/db"
)

// Op is one buffered write.
type Op struct {
	Query string
	Args  []any
}

// WriterMetrics counts batch activity for the metrics endpoint.
type WriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushAt   time.Time `json:"last_flush_at"`
}

// Writer buffers writes and flushes them in one transaction, either when
// the buffer fills or on a timer. SQLite pays per transaction, not per
// statement, so folding stat updates into one commit keeps the single
// connection free for the decision path.
type Writer struct {
	db          *db.Database
	maxSize     int
	flushIntval time.Duration

	mu     sync.Mutex
	buffer []Op

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastMu       sync.Mutex
	lastSize     int
	lastFlush    time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter starts a batch writer flushing at maxSize ops or every interval.
func NewWriter(database *db.Database, maxSize int, interval time.Duration) *Writer {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &Writer{
		db:          database,
		maxSize:     maxSize,
		flushIntval: interval,
		buffer:      make([]Op, 0, maxSize),
		done:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue buffers one write. It never blocks on the database.
func (w *Writer) Enqueue(query string, args ...any) {
	w.mu.Lock()
	w.buffer = append(w.buffer, Op{Query: query, Args: args})
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			log.Printf("[persistence] flush on full buffer: %v", err)
		}
	}
}

// Flush writes all buffered ops in a single transaction.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	ops := w.buffer
	w.buffer = make([]Op, 0, w.maxSize)
	w.mu.Unlock()

	w.totalWrites.Add(uint64(len(ops)))
	w.totalBatches.Add(1)
	w.lastMu.Lock()
	w.lastSize = len(ops)
	w.lastFlush = time.Now()
	w.lastMu.Unlock()

	tx, err := w.db.DB.Begin()
	if err != nil {
		w.totalErrors.Add(1)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			tx.Rollback()
			w.totalErrors.Add(1)
			log.Printf("[persistence] batch statement failed, rolled back: %v", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		w.totalErrors.Add(1)
		return err
	}
	return nil
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				log.Printf("[persistence] background flush: %v", err)
			}
		case <-w.done:
			if err := w.Flush(); err != nil {
				log.Printf("[persistence] final flush: %v", err)
			}
			return
		}
	}
}

// Pending reports how many ops are buffered.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Metrics returns a snapshot of batch counters.
func (w *Writer) Metrics() WriterMetrics {
	w.lastMu.Lock()
	size, at := w.lastSize, w.lastFlush
	w.lastMu.Unlock()
	return WriterMetrics{
		TotalWrites:   w.totalWrites.Load(),
		TotalBatches:  w.totalBatches.Load(),
		TotalErrors:   w.totalErrors.Load(),
		LastBatchSize: size,
		LastFlushAt:   at,
	}
}

// Close flushes whatever remains and stops the loop.
func (w *Writer) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
	return nil
}
