// Package health tracks upstream request outcomes over a sliding window.
// The health handler uses the error rate to report a degraded state.
package health

import (
	"sync"
	"time"
)

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordSuccess records a successful upstream-backed request.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = append(t.successTimes, time.Now())
}

// RecordError records a failed upstream-backed request.
func (t *Tracker) RecordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorTimes = append(t.errorTimes, time.Now())
}

// ErrorRate returns (errorCount, totalCount) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	t.successTimes = prune(t.successTimes, cutoff)
	t.errorTimes = prune(t.errorTimes, cutoff)
	return len(t.errorTimes), len(t.errorTimes) + len(t.successTimes)
}

// Reset clears all recorded outcomes. For tests only.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
}

// prune drops timestamps at or before cutoff. Slices are append-only so the
// retained suffix is contiguous.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}
