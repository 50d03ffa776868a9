package signal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"options-core/pkg/i18n"
)

const (
	journalActionRecord   = "RECORD"
	journalActionComplete = "COMPLETE"
)

// journalEntry is one line in the journal file.
type journalEntry struct {
	Action string    `json:"action"`
	Signal Signal    `json:"signal"`
	At     time.Time `json:"at"`
}

// JournalMetrics counts journal activity.
type JournalMetrics struct {
	Written   uint64 `json:"written"`
	Completed uint64 `json:"completed"`
	Recovered uint64 `json:"recovered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Journal is an append-only log of accepted signals. Each signal is written
// before execution and marked complete after, so a crash mid-execution leaves
// a RECORD without a COMPLETE and Recover can replay it. Entries are JSON
// lines; recovery compacts the file down to still-pending records.
type Journal struct {
	path string

	mu      sync.Mutex
	file    *os.File
	pending map[string]bool
	closed  bool

	written   atomic.Uint64
	completed atomic.Uint64
	recovered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// OpenJournal opens (or creates) the signal journal under dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, "signals.journal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{
		path:    path,
		file:    file,
		pending: make(map[string]bool),
	}, nil
}

// Record appends a signal and syncs before returning. A signal that made it
// into the journal survives a crash; one that did not was never accepted.
func (j *Journal) Record(s Signal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal closed")
	}

	data, err := json.Marshal(journalEntry{Action: journalActionRecord, Signal: s, At: time.Now()})
	if err != nil {
		j.failed.Add(1)
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		j.failed.Add(1)
		return fmt.Errorf("write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		j.failed.Add(1)
		return fmt.Errorf("sync journal: %w", err)
	}
	j.pending[s.ID] = true
	j.written.Add(1)
	return nil
}

// Complete marks a signal as fully handled. Not synced; a crash here only
// costs a duplicate replay, and recovery skips any replay whose signal id
// already has a trade in the ledger.
func (j *Journal) Complete(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || !j.pending[id] {
		return
	}
	data, _ := json.Marshal(journalEntry{
		Action: journalActionComplete,
		Signal: Signal{ID: id},
		At:     time.Now(),
	})
	j.file.Write(append(data, '\n'))
	delete(j.pending, id)
	j.completed.Add(1)
}

// Recover replays the journal and returns signals that were recorded but
// never completed. Signals older than maxAge are dropped rather than
// replayed, the same staleness rule intake applies to live signals. The
// file is compacted to the surviving records.
func (j *Journal) Recover(maxAge time.Duration) ([]Signal, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for recovery: %w", err)
	}

	recorded := make(map[string]Signal)
	var order []string
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf(i18n.Get("JournalRecoveryError"), err)
			continue
		}
		switch entry.Action {
		case journalActionRecord:
			if _, seen := recorded[entry.Signal.ID]; !seen {
				order = append(order, entry.Signal.ID)
			}
			recorded[entry.Signal.ID] = entry.Signal
		case journalActionComplete:
			completed[entry.Signal.ID] = true
		}
	}
	scanErr := scanner.Err()
	file.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("scan journal: %w", scanErr)
	}

	cutoff := time.Now().Add(-maxAge)
	var survivors []Signal
	for _, id := range order {
		if completed[id] {
			continue
		}
		s := recorded[id]
		if maxAge > 0 && s.ReceivedAt.Before(cutoff) {
			j.dropped.Add(1)
			log.Printf(i18n.Get("SignalStale"), s.ID, time.Since(s.ReceivedAt).Round(time.Second))
			continue
		}
		survivors = append(survivors, s)
		j.pending[id] = true
	}
	j.recovered.Add(uint64(len(survivors)))

	if err := j.compact(survivors); err != nil {
		log.Printf(i18n.Get("JournalRecoveryError"), err)
	}
	return survivors, nil
}

// compact rewrites the journal with only the given records. Caller holds mu.
func (j *Journal) compact(survivors []Signal) error {
	tmp := j.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	for _, s := range survivors {
		if err := enc.Encode(journalEntry{Action: journalActionRecord, Signal: s, At: s.ReceivedAt}); err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	file.Close()

	j.file.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

// Pending reports how many recorded signals await completion.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Metrics returns a snapshot of journal counters.
func (j *Journal) Metrics() JournalMetrics {
	return JournalMetrics{
		Written:   j.written.Load(),
		Completed: j.completed.Load(),
		Recovered: j.recovered.Load(),
		Dropped:   j.dropped.Load(),
		Failed:    j.failed.Load(),
	}
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.file.Sync()
	return j.file.Close()
}
