package signal

import (
	"sync"
	"testing"
)

// TestIntakeDropsWhenFull: with the worker stuck inside the handler and the
// buffer at capacity, an extra signal is dropped rather than blocking the
// caller, and everything accepted before that is still delivered in order.
func TestIntakeDropsWhenFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	var (
		mu  sync.Mutex
		got []string
	)
	in := NewIntake(2, func(s Signal) {
		mu.Lock()
		got = append(got, s.Symbol)
		mu.Unlock()
		started <- struct{}{}
		<-release
	})

	in.Enqueue(Signal{Symbol: "EURUSD"})
	<-started // the worker now holds the first signal, buffer is empty

	in.Enqueue(Signal{Symbol: "GBPUSD"})
	in.Enqueue(Signal{Symbol: "USDJPY"})
	if n := in.Dropped(); n != 0 {
		t.Fatalf("dropped = %d before the buffer filled", n)
	}

	in.Enqueue(Signal{Symbol: "AUDUSD"})
	if n := in.Dropped(); n != 1 {
		t.Fatalf("dropped = %d, want 1", n)
	}

	close(release)
	<-started
	<-started
	in.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"EURUSD", "GBPUSD", "USDJPY"}
	if len(got) != len(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestIntakeCloseDrains: Close must wait until every queued signal ran.
func TestIntakeCloseDrains(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	in := NewIntake(8, func(Signal) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	for i := 0; i < 5; i++ {
		in.Enqueue(Signal{Symbol: "EURUSD"})
	}
	in.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("handled = %d, want 5", count)
	}
}
