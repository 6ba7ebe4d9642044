package future

import (
	"sync"
	"time"
)

// pollLoop invokes a check function at a fixed interval on its own
// goroutine. One loop serves one epoch of a Future; a retry tears the
// old loop down and arms a fresh one.
//
// stop is idempotent and never blocks, so the check function itself may
// call it. A loop created with a predecessor delays its first check
// until the predecessor's goroutine has fully exited — this serializes
// the stop-then-start sequence during retry re-arming, so two loops for
// the same future never poll concurrently even at very short intervals.
type pollLoop struct {
	check     func()
	interval  time.Duration
	immediate bool
	after     *pollLoop

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// newPollLoop creates a loop. When immediate is true the first check
// happens right away instead of after one interval.
func newPollLoop(check func(), interval time.Duration, immediate bool) *pollLoop {
	return &pollLoop{
		check:     check,
		interval:  interval,
		immediate: immediate,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// newPollLoopAfter creates a loop whose first check waits for the given
// predecessor loop to exit.
func newPollLoopAfter(check func(), interval time.Duration, after *pollLoop) *pollLoop {
	l := newPollLoop(check, interval, false)
	l.after = after
	return l
}

// start launches the loop goroutine and returns immediately.
func (l *pollLoop) start() {
	go l.run()
}

func (l *pollLoop) run() {
	defer close(l.doneCh)

	if l.after != nil {
		<-l.after.doneCh
	}

	if l.immediate {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.check()
	}

	for {
		select {
		case <-l.stopCh:
			return
		case <-time.After(l.interval):
		}

		// Re-check: a stop issued during the wait or during a check
		// must win over the next tick.
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.check()
	}
}

// stop signals the loop to exit after any check in progress returns.
func (l *pollLoop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
