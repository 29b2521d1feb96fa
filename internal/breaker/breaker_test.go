// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestTransitionsClosedOpenHalfOpenClosed(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}

	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after failure threshold crossed")
	}
	if cb.Allow() {
		t.Fatal("should not allow during cooldown")
	}

	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow exactly one probe once cooldown elapses")
	}

	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after a successful probe")
	}
}

// Only one probe at a time may pass through a half-open breaker, even under
// concurrent callers racing to dequeue the next job the moment the worker's
// pop loop reopens — the worker relies on this to avoid a thundering herd of
// retries all hitting a still-recovering store at once.
func TestHalfOpenAllowsOneProbeUnderConcurrentLoad(t *testing.T) {
	cb := New(20*time.Millisecond, 50*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after two failures")
	}

	probe := func(iteration int) {
		time.Sleep(60 * time.Millisecond)
		const n = 100
		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				if cb.Allow() {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if allowed != 1 {
			t.Fatalf("iteration %d: expected exactly 1 allowed probe, got %d", iteration, allowed)
		}
	}

	probe(1)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected open after failed probe, got %v", cb.State())
	}

	probe(2)
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %v", cb.State())
	}
}
