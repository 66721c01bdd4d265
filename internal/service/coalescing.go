package service

import (
	"context"
	"sync"
	"time"
)

// inFlightFetch tracks a single upstream fetch that multiple callers may
// wait on. done is closed exactly once, after payload and err are set.
type inFlightFetch struct {
	done    chan struct{}
	payload []byte
	err     error
}

// fetchCoalescer collapses concurrent fetches for the same key into one
// upstream call, with all callers awaiting the shared outcome. Prevents
// cold-key misses from multiplying upstream load under burst traffic.
type fetchCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

// newFetchCoalescer creates a fetchCoalescer with the specified wait timeout.
func newFetchCoalescer(timeout time.Duration) *fetchCoalescer {
	return &fetchCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of an in-flight fetch for key if one exists,
// otherwise starts fn and registers it. Waiting respects ctx cancellation
// and the coalescer timeout so callers never block indefinitely.
func (fc *fetchCoalescer) GetOrDo(ctx context.Context, key string, fn func() ([]byte, error)) ([]byte, error) {
	fc.mu.Lock()
	f, exists := fc.inFlight[key]
	if !exists {
		f = &inFlightFetch{done: make(chan struct{})}
		fc.inFlight[key] = f
		fc.mu.Unlock()

		go func() {
			f.payload, f.err = fn()
			close(f.done)

			fc.mu.Lock()
			delete(fc.inFlight, key)
			fc.mu.Unlock()
		}()
	} else {
		fc.mu.Unlock()
	}

	waitCtx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()
	select {
	case <-f.done:
		return f.payload, f.err
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}
