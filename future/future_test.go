package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tether"
	"github.com/xraph/tether/id"
	svcmem "github.com/xraph/tether/memory"
	"github.com/xraph/tether/notify"
	notifymem "github.com/xraph/tether/notify/memory"
)

const testInterval = 5 * time.Millisecond

// startRun creates a job with one run on the service and returns both IDs.
func startRun(t *testing.T, svc *svcmem.Service) (id.JobID, id.RunID) {
	t.Helper()
	ctx := context.Background()

	jobID, err := svc.CreateJob(ctx, tether.JobDefinition{Name: "test job", Command: "true"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	runID, err := svc.CreateRun(ctx, jobID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return jobID, runID
}

func waitResult(t *testing.T, f *Future) (*tether.RunStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Result(ctx)
}

// ---------------------------------------------------------------------------
// Polling path
// ---------------------------------------------------------------------------

func TestFuture_PollsToSuccess(t *testing.T) {
	svc := svcmem.New(svcmem.WithPollsUntilDone(3))
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval))

	st, err := waitResult(t, f)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if st.ID != runID || st.State != tether.StateSucceeded {
		t.Fatalf("unexpected final status: %+v", st)
	}
	if !f.Succeeded() || f.Err() != nil {
		t.Fatalf("expected succeeded future, state=%s err=%v", f.State(), f.Err())
	}

	// Repeated calls return the same outcome.
	again, err := waitResult(t, f)
	if err != nil || again != st {
		t.Fatalf("second Result diverged: %+v, %v", again, err)
	}
}

func TestFuture_FailureSurfacesExecutionError(t *testing.T) {
	svc := svcmem.New()
	svc.FailNextRuns(1)
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval))

	_, err := waitResult(t, f)
	var execErr *tether.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.RunID != runID || execErr.Detail != "scripted failure" {
		t.Fatalf("unexpected execution error: %+v", execErr)
	}
	if f.State() != tether.StateFailed {
		t.Fatalf("expected failed state, got %s", f.State())
	}
}

func TestFuture_ResultContextTimeout(t *testing.T) {
	svc := svcmem.New(svcmem.WithPollsUntilDone(100000))
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(time.Hour))
	defer f.Cancel(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Result(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	// An expired wait must not terminate the future.
	if f.State().Terminal() {
		t.Fatalf("future went terminal from a timed-out wait: %s", f.State())
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestFuture_Cancel(t *testing.T) {
	svc := svcmem.New(svcmem.WithPollsUntilDone(100000))
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval))

	if !f.Cancel(context.Background()) {
		t.Fatal("Cancel returned false for a pending run")
	}
	if !f.Cancelled() {
		t.Fatalf("expected cancelled state, got %s", f.State())
	}

	_, err := waitResult(t, f)
	if !errors.Is(err, tether.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	// Repeated cancel reports the existing terminal state.
	if !f.Cancel(context.Background()) {
		t.Fatal("second Cancel returned false")
	}
}

func TestFuture_CancelAfterSuccess(t *testing.T) {
	svc := svcmem.New()
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval))
	if _, err := waitResult(t, f); err != nil {
		t.Fatalf("Result: %v", err)
	}

	if f.Cancel(context.Background()) {
		t.Fatal("Cancel reported true for an already-succeeded future")
	}
	if !f.Succeeded() {
		t.Fatalf("cancel mutated a terminal future: %s", f.State())
	}
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestFuture_RetryRecovers(t *testing.T) {
	svc := svcmem.New()
	svc.FailNextRuns(1)
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval), WithMaxRetries(2))

	if _, err := waitResult(t, f); err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !f.Succeeded() {
		t.Fatalf("expected success after retry, got %s", f.State())
	}
	if got := svc.RunCount(); got != 2 {
		t.Fatalf("expected 2 runs (1 failed + 1 retry), got %d", got)
	}
	if f.RunID() == runID {
		t.Fatal("retry did not rebind the future to a new run")
	}
}

func TestFuture_RetryExhaustsBudget(t *testing.T) {
	svc := svcmem.New()
	svc.FailNextRuns(3)
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval), WithMaxRetries(2))

	_, err := waitResult(t, f)
	var execErr *tether.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if got := svc.RunCount(); got != 3 {
		t.Fatalf("expected 3 runs (initial + 2 retries), got %d", got)
	}
	// The surfaced error describes the final attempt, not the first.
	if execErr.RunID == runID || execErr.RunID != f.RunID() {
		t.Fatalf("error names run %s, future tracks %s (initial %s)", execErr.RunID, f.RunID(), runID)
	}
}

func TestFuture_NoRetryWithoutBudget(t *testing.T) {
	svc := svcmem.New()
	svc.FailNextRuns(1)
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval))

	if _, err := waitResult(t, f); err == nil {
		t.Fatal("expected failure to surface")
	}
	if got := svc.RunCount(); got != 1 {
		t.Fatalf("expected no replacement runs, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Deferred polling
// ---------------------------------------------------------------------------

func TestFuture_DoneForcesFirstPoll(t *testing.T) {
	svc := svcmem.New()
	jobID, runID := startRun(t, svc)

	// Poll interval far beyond the test's lifetime: only a forced poll
	// can observe the completion.
	f := New(svc, jobID, runID,
		WithPollInterval(time.Hour),
		WithPollOnCreation(false),
	)

	if !f.Done() {
		t.Fatal("Done did not force the first poll")
	}
	if !f.Succeeded() {
		t.Fatalf("expected success, got %s", f.State())
	}
}

// ---------------------------------------------------------------------------
// Notification path
// ---------------------------------------------------------------------------

func TestFuture_NotificationTriggersCompletion(t *testing.T) {
	bus := notifymem.New()
	svc := svcmem.New(svcmem.WithPollsUntilDone(100000), svcmem.WithBus(bus))
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID,
		WithPollInterval(time.Hour),
		WithPollOnCreation(false),
		WithChannel(bus),
	)
	if !f.Subscribed() {
		t.Fatal("future did not subscribe to the channel")
	}

	if err := svc.CompleteRun(runID, tether.StateSucceeded, ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	if _, err := waitResult(t, f); err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !f.Succeeded() {
		t.Fatalf("expected success, got %s", f.State())
	}

	// Terminal cleanup drops the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription leaked: %d subscribers", bus.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFuture_DisconnectFallsBackToPolling(t *testing.T) {
	bus := notifymem.New()
	svc := svcmem.New(svcmem.WithBus(bus))
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID,
		WithPollInterval(time.Hour),
		WithPollOnCreation(false),
		WithChannel(bus),
	)

	// A disconnect may have eaten the completion message; the replaced
	// poll loop must check immediately.
	bus.PublishStatus(notify.StatusUnexpectedDisconnect)

	if _, err := waitResult(t, f); err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !f.Succeeded() {
		t.Fatalf("expected success, got %s", f.State())
	}
}

func TestFuture_ConcurrentSignalsSingleTransition(t *testing.T) {
	// Notification delivery, the poll loop, and forced polls from Done
	// can all observe the completion at once; exactly one of them may
	// perform the terminal transition, and the callback fires once.
	for i := 0; i < 50; i++ {
		bus := notifymem.New()
		svc := svcmem.New(svcmem.WithBus(bus))
		jobID, runID := startRun(t, svc)

		f := New(svc, jobID, runID,
			WithPollInterval(time.Millisecond),
			WithPollOnCreation(false),
			WithChannel(bus),
		)

		var fired atomic.Int32
		f.OnDone(func(*Future) { fired.Add(1) })

		msg := notify.Message{
			Object: notify.ObjectRef{ID: jobID},
			Run:    notify.RunRef{ID: runID, State: tether.StateSucceeded},
		}

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				bus.Publish(msg)
				bus.Publish(msg)
				f.Done()
			}()
		}
		wg.Wait()

		if _, err := waitResult(t, f); err != nil {
			t.Fatalf("iteration %d: Result: %v", i, err)
		}
		if !f.Succeeded() {
			t.Fatalf("iteration %d: expected success, got %s", i, f.State())
		}

		deadline := time.Now().Add(2 * time.Second)
		for fired.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: callback never fired", i)
			}
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
		if got := fired.Load(); got != 1 {
			t.Fatalf("iteration %d: callback fired %d times", i, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func TestFuture_OnDoneFiresOnce(t *testing.T) {
	svc := svcmem.New(svcmem.WithPollsUntilDone(2))
	jobID, runID := startRun(t, svc)

	f := New(svc, jobID, runID, WithPollInterval(testInterval))

	var fired atomic.Int32
	f.OnDone(func(*Future) { fired.Add(1) })

	if _, err := waitResult(t, f); err != nil {
		t.Fatalf("Result: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("callback never fired")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * testInterval)
	if got := fired.Load(); got != 1 {
		t.Fatalf("callback fired %d times", got)
	}

	// Registered after the terminal transition: runs immediately.
	var late atomic.Int32
	f.OnDone(func(*Future) { late.Add(1) })
	if late.Load() != 1 {
		t.Fatal("late callback did not run immediately")
	}
}
