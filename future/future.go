// Package future implements the asynchronous tracker for one remote
// run. A Future merges two independent, unreliable completion signals —
// a best-effort push notification and a periodic poll — into a single
// consistent result with cancellation and automatic-retry semantics.
//
// Each Future owns one (job, run) pair at a time. The terminal
// transition happens exactly once per epoch; a retry tears down the
// epoch's polling and notification resources and arms fresh ones bound
// to a new run, all under the future's lock.
package future

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/tether"
	"github.com/xraph/tether/id"
	"github.com/xraph/tether/notify"
)

const (
	// DefaultPollInterval applies when no notification channel is
	// configured and no interval was given.
	DefaultPollInterval = 15 * time.Second

	// LongPollInterval applies when a notification channel is
	// configured: the push signal carries the latency-sensitive path
	// and polling is only the correctness backstop against missed
	// messages.
	LongPollInterval = 9*time.Minute + 30*time.Second
)

// Hooks observe future-internal events. Used by the executor to wire
// metrics; all fields are optional.
type Hooks struct {
	OnPoll  func()
	OnRetry func()
}

// Option configures a Future.
type Option func(*Future)

// WithPollInterval sets the poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(f *Future) { f.interval = d }
}

// WithMaxRetries sets how many times a failed run is automatically
// replaced by a new run before the failure surfaces.
func WithMaxRetries(n int) Option {
	return func(f *Future) { f.retriesLeft = n }
}

// WithChannel sets the push-notification channel. Without one the
// future relies on polling alone.
func WithChannel(ch notify.Channel) Option {
	return func(f *Future) { f.channel = ch }
}

// WithPollOnCreation controls whether the first poll happens
// immediately (the default) or only after one interval. Executors
// submitting many jobs at once disable it to avoid a poll burst.
func WithPollOnCreation(b bool) Option {
	return func(f *Future) { f.pollOnCreation = b }
}

// WithLimiter sets a rate limiter consulted before every poll.
// Typically shared across all futures of one executor so a large fleet
// cannot exceed the remote API's rate limit.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Future) { f.limiter = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Future) { f.logger = l }
}

// WithHooks sets observation hooks.
func WithHooks(h Hooks) Option {
	return func(f *Future) { f.hooks = h }
}

// Future tracks one remote run to completion.
type Future struct {
	svc     tether.RunService
	channel notify.Channel
	logger  *slog.Logger
	limiter *rate.Limiter
	hooks   Hooks

	interval       time.Duration
	pollOnCreation bool

	mu          sync.Mutex
	jobID       id.JobID
	runID       id.RunID
	state       tether.RunState
	retriesLeft int
	result      *tether.RunStatus
	err         error
	// lastPolled is the completion time of the newest status fetch.
	// Zero means no poll has finished yet, which is what Done consults
	// to decide whether a forced first poll is still needed.
	lastPolled time.Time
	loop       *pollLoop
	sub         notify.Subscription
	callbacks   []func(*Future)
	cbFired     bool

	// done is closed exactly once, on the terminal transition.
	done chan struct{}
}

// New creates a Future for an already-started run and begins tracking
// it in the background.
func New(svc tether.RunService, jobID id.JobID, runID id.RunID, opts ...Option) *Future {
	f := &Future{
		svc:            svc,
		logger:         slog.Default(),
		jobID:          jobID,
		runID:          runID,
		state:          tether.StateQueued,
		pollOnCreation: true,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.interval <= 0 {
		if f.channel != nil {
			f.interval = LongPollInterval
		} else {
			f.interval = DefaultPollInterval
		}
	}

	f.mu.Lock()
	f.loop = newPollLoop(f.pollAndCheck, f.interval, f.pollOnCreation)
	f.loop.start()
	if f.channel != nil {
		f.subscribeLocked()
	}
	f.mu.Unlock()

	return f
}

// JobID returns the job this future tracks.
func (f *Future) JobID() id.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobID
}

// RunID returns the currently tracked run. It changes when a retry
// replaces a failed run.
func (f *Future) RunID() id.RunID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runID
}

// State returns the last observed run state.
func (f *Future) State() tether.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Subscribed reports whether a notification subscription is live.
func (f *Future) Subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub != nil
}

// Err returns the terminal error without blocking, or nil while the
// future is still pending or ended in success.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Cancelled reports whether the future ended cancelled.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == tether.StateCancelled
}

// Succeeded reports whether the future ended successfully.
func (f *Future) Succeeded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == tether.StateSucceeded
}

// Done reports whether the future reached a terminal state. If the
// future was created with WithPollOnCreation(false) and has never
// polled, Done forces one immediate poll-and-check first — this is how
// an executor defers all polling until a caller actually looks.
func (f *Future) Done() bool {
	f.mu.Lock()
	if f.terminalLocked() {
		f.mu.Unlock()
		return true
	}
	neverPolled := f.lastPolled.IsZero() && !f.pollOnCreation
	f.mu.Unlock()

	if neverPolled {
		f.pollAndCheck()
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.terminalLocked()
	}
	return false
}

// Result blocks until the future reaches a terminal state or ctx
// expires. It returns the final run status on success, the execution
// error on failure, and an error wrapping tether.ErrCancelled on
// cancellation. A context deadline stops the wait only; it does not
// cancel the remote run. Repeated calls return the same outcome.
func (f *Future) Result(ctx context.Context) (*tether.RunStatus, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.result, f.err
	}
	return f.result, nil
}

// Cancel requests cancellation of the current run and records the
// cancelled terminal state. It reports whether the future ended up
// cancelled: false if another terminal state was reached first, or if
// the remote cancel request itself failed. Cancellation is never
// retried, regardless of remaining retry budget.
func (f *Future) Cancel(ctx context.Context) bool {
	f.mu.Lock()
	if f.terminalLocked() {
		cancelled := f.state == tether.StateCancelled
		f.mu.Unlock()
		return cancelled
	}

	jobID, runID := f.jobID, f.runID
	if err := f.svc.CancelRun(ctx, jobID, runID); err != nil {
		f.mu.Unlock()
		f.logger.Warn("cancel request failed",
			slog.String("job_id", jobID.String()),
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	f.err = fmt.Errorf("tether: run %s of job %s: %w", runID, jobID, tether.ErrCancelled)
	f.finishLocked(tether.StateCancelled)
	f.mu.Unlock()

	f.afterFinish()
	return true
}

// OnDone registers a callback invoked exactly once after the terminal
// transition, outside the future's lock. If the future is already
// terminal the callback runs immediately on the calling goroutine.
func (f *Future) OnDone(cb func(*Future)) {
	f.mu.Lock()
	if f.cbFired {
		f.mu.Unlock()
		cb(f)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// ──────────────────────────────────────────────────
// Internal completion path
// ──────────────────────────────────────────────────

// pollAndCheck fetches the authoritative run status and applies it to
// the state machine. It runs on the poll-loop goroutine, on
// notification delivery, and on a forced first poll from Done.
func (f *Future) pollAndCheck() {
	f.mu.Lock()
	if f.terminalLocked() {
		f.mu.Unlock()
		return
	}
	jobID, runID := f.jobID, f.runID
	f.mu.Unlock()

	if f.limiter != nil {
		if err := f.limiter.Wait(context.Background()); err != nil {
			return
		}
	}
	if f.hooks.OnPoll != nil {
		f.hooks.OnPoll()
	}

	st, err := f.svc.GetRunStatus(context.Background(), jobID, runID)
	f.apply(runID, st, err)
}

// apply performs the shared completion path: under the lock, map the
// polled outcome onto the state machine, intercept failures while retry
// budget remains, and perform at most one terminal transition. The
// polled run ID guards against results from a superseded epoch.
func (f *Future) apply(polled id.RunID, st *tether.RunStatus, pollErr error) {
	finish := false

	f.mu.Lock()
	if f.terminalLocked() || polled != f.runID {
		// Whoever got here first already transitioned, or a retry
		// rebound the future to a new run. Idempotent no-op.
		f.mu.Unlock()
		return
	}

	f.lastPolled = time.Now()

	switch {
	case pollErr != nil:
		if f.rearmLocked(pollErr) {
			f.mu.Unlock()
			return
		}
		f.err = pollErr
		f.finishLocked(tether.StateFailed)
		finish = true

	case st.State == tether.StateSucceeded:
		f.result = st
		f.finishLocked(tether.StateSucceeded)
		finish = true

	case st.State == tether.StateFailed:
		cause := &tether.ExecutionError{JobID: f.jobID, RunID: f.runID, Detail: st.Error}
		if f.rearmLocked(cause) {
			f.mu.Unlock()
			return
		}
		f.result = st
		f.err = cause
		f.finishLocked(tether.StateFailed)
		finish = true

	case st.State == tether.StateCancelled:
		f.result = st
		f.err = fmt.Errorf("tether: run %s of job %s: %w", f.runID, f.jobID, tether.ErrCancelled)
		f.finishLocked(tether.StateCancelled)
		finish = true

	case st.State == tether.StateRunning:
		f.state = tether.StateRunning

	default:
		// Queued or a state this client does not recognize: stay
		// non-terminal and keep polling.
	}
	f.mu.Unlock()

	if finish {
		f.afterFinish()
	}
}

// finishLocked records the terminal state and wakes all waiters.
// Callers must hold f.mu and must call afterFinish once unlocked.
func (f *Future) finishLocked(state tether.RunState) {
	f.state = state
	close(f.done)
}

// afterFinish releases background resources and fires completion
// callbacks. Runs outside the lock to avoid callback re-entrancy
// deadlocks.
func (f *Future) afterFinish() {
	f.cleanup()

	f.mu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.cbFired = true
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(f)
	}
}

// cleanup stops the poll loop and drops the notification subscription.
// An unsubscribe failure is logged and must not prevent terminal-state
// delivery.
func (f *Future) cleanup() {
	f.mu.Lock()
	loop := f.loop
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	if loop != nil {
		loop.stop()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			f.logger.Warn("notification unsubscribe failed",
				slog.String("job_id", f.jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (f *Future) terminalLocked() bool {
	return f.state.Terminal()
}

// subscribeLocked subscribes a listener targeted at the current run.
// A subscribe failure is non-fatal: polling remains the backstop.
// Callers must hold f.mu.
func (f *Future) subscribeLocked() {
	jobID, runID := f.jobID, f.runID
	sub, err := f.channel.Subscribe(notify.Listener{
		Match:        notify.MatchRun(jobID, runID),
		OnMatch:      f.pollAndCheck,
		OnDisconnect: f.resetPoller,
	})
	if err != nil {
		f.logger.Warn("notification subscribe failed, relying on polling",
			slog.String("job_id", jobID.String()),
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	f.sub = sub
}

// resetPoller replaces the poll loop with a fresh one whose first tick
// polls immediately. Called when the notification transport reports a
// disconnect: a completion message may have been missed, so polling
// takes over until the next signal.
func (f *Future) resetPoller() {
	f.mu.Lock()
	if f.terminalLocked() {
		f.mu.Unlock()
		return
	}
	old := f.loop
	old.stop()
	nl := newPollLoopAfter(f.pollAndCheck, f.interval, old)
	nl.immediate = true
	f.loop = nl
	nl.start()
	f.mu.Unlock()
}
