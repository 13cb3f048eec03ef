package query

import (
	"context"
	"sync"
	"time"
)

// inFlightFetch tracks a single upstream fetch that multiple callers may wait for.
type inFlightFetch struct {
	mu      sync.Mutex
	result  any
	err     error
	done    bool
	waiters []chan struct{}
}

// coalescer collapses concurrent identical fetches into one call per key.
// The fetch function runs detached from any caller's context: if every caller
// cancels, the fetch still completes so its result can land in the cache.
type coalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration // max time a caller waits for a shared result
}

func newCoalescer(timeout time.Duration) *coalescer {
	return &coalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of the in-flight fetch for key, starting one with
// fn if none exists. joined is true when the caller shared another caller's
// fetch. Waiting respects ctx and the coalescer timeout.
func (c *coalescer) GetOrDo(ctx context.Context, key string, fn func() (any, error)) (result any, joined bool, err error) {
	c.mu.Lock()
	req, exists := c.inFlight[key]
	if !exists {
		req = &inFlightFetch{}
		c.inFlight[key] = req
		c.mu.Unlock()

		go func() {
			result, err := fn()

			req.mu.Lock()
			req.result = result
			req.err = err
			req.done = true
			waiters := req.waiters
			req.waiters = nil
			req.mu.Unlock()

			for _, notify := range waiters {
				close(notify)
			}

			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
		}()
	} else {
		c.mu.Unlock()
	}

	result, err = c.wait(ctx, req)
	return result, exists, err
}

// Active reports whether a fetch for key is currently in flight.
func (c *coalescer) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

// wait blocks until req completes, ctx is done, or the coalescer timeout fires.
func (c *coalescer) wait(ctx context.Context, req *inFlightFetch) (any, error) {
	req.mu.Lock()
	if req.done {
		result, err := req.result, req.err
		req.mu.Unlock()
		return result, err
	}
	notify := make(chan struct{})
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result, err := req.result, req.err
		req.mu.Unlock()
		return result, err
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}
