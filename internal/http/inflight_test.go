package http

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInFlightTracker_Counting(t *testing.T) {
	tr := &InFlightTracker{}
	tr.Increment()
	tr.Increment()
	if got := tr.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	tr.Decrement()
	if got := tr.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestInFlightTracker_ConcurrentBalance(t *testing.T) {
	tr := &InFlightTracker{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Increment()
			tr.Decrement()
		}()
	}
	wg.Wait()
	if got := tr.Count(); got != 0 {
		t.Errorf("Count = %d, want 0 after balanced inc/dec", got)
	}
}

func TestWaitForZero_ReturnsWhenDrained(t *testing.T) {
	tr := &InFlightTracker{}
	tr.Increment()
	go func() {
		time.Sleep(30 * time.Millisecond)
		tr.Decrement()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitForZero(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForZero: %v", err)
	}
}

func TestWaitForZero_ContextExpiry(t *testing.T) {
	tr := &InFlightTracker{}
	tr.Increment() // never drained

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tr.WaitForZero(ctx, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}
