package backend

import (
	"context"
	"sync"

	"github.com/xraph/tether/future"
)

// Result is the backend's per-submission record: the future tracking
// the run, the caller's continuation, and a single-assignment slot the
// completion hook fills with the downloaded outcome.
type Result struct {
	fut          *future.Future
	continuation func(any)

	// ready is closed once the completion hook has finished fetching
	// (or failing to fetch) the outcome.
	ready chan struct{}

	mu      sync.Mutex
	value   any
	err     error
	fetched bool
}

func newResult(fut *future.Future, continuation func(any)) *Result {
	return &Result{
		fut:          fut,
		continuation: continuation,
		ready:        make(chan struct{}),
	}
}

// Future returns the future tracking this submission's run.
func (r *Result) Future() *future.Future { return r.fut }

// Get blocks until the outcome is available or ctx expires, then
// returns the downloaded value on success, the execution error on
// failure, or an error wrapping tether.ErrCancelled on cancellation.
// The outcome is fetched once by the completion hook; every Get call
// returns the cached value with no further side effects.
func (r *Result) Get(ctx context.Context) (any, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.value, nil
}

// Fetched reports whether the completion hook stored a usable outcome.
func (r *Result) Fetched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched
}

func (r *Result) setValue(v any) {
	r.mu.Lock()
	r.value = v
	r.fetched = true
	r.mu.Unlock()
}

func (r *Result) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}
