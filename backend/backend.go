// Package backend implements a parallel task-execution backend whose
// workers run on the remote service instead of locally. A unit of work
// is serialized, uploaded as an artifact, submitted as a job through
// the executor, and its result downloaded and decoded once the run
// completes. A continuation callback lets the caller's scheduler
// dispatch the next unit without waiting for an explicit retrieval.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tether"
	"github.com/xraph/tether/backoff"
	"github.com/xraph/tether/executor"
	"github.com/xraph/tether/future"
)

const (
	// AllAvailable asks EffectiveConcurrency for the platform default.
	AllAvailable = -1

	// DefaultConcurrency is granted when the caller asks for all
	// available capacity.
	DefaultConcurrency = 50

	// PayloadArg names the job argument carrying the uploaded
	// payload's artifact ID. Remote workers read it to locate the
	// serialized unit.
	PayloadArg = "TETHER_PAYLOAD_ID"

	// defaultSetupCmd is a shell command that does nothing.
	defaultSetupCmd = ":"
)

// SubmissionError means the request to start a run kept failing with
// transient errors until the submission retry budget ran out. Distinct
// from an execution failure of the run itself.
type SubmissionError struct {
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("backend: job submission failed after retries: %v", e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// Option configures a Backend.
type Option func(*Backend)

// WithCodec sets the payload codec. Defaults to MessagePack.
func WithCodec(c Codec) Option {
	return func(b *Backend) { b.codec = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithMaxSubmitRetries sets how many transient submission failures are
// retried before a SubmissionError surfaces. The initial attempt is not
// counted: n retries allow n+1 attempts in total.
func WithMaxSubmitRetries(n int) Option {
	return func(b *Backend) { b.maxSubmitRetries = n }
}

// WithSubmitBackoff sets the delay strategy between submission
// attempts. Defaults to exponential starting at one second.
func WithSubmitBackoff(s backoff.Strategy) Option {
	return func(b *Backend) { b.submitBackoff = s }
}

// WithDownloadRetries sets the retry count and delay strategy for
// transient artifact download failures.
func WithDownloadRetries(n int, s backoff.Strategy) Option {
	return func(b *Backend) {
		b.downloadRetries = n
		b.downloadBackoff = s
	}
}

// WithPayloadExpiry bounds how long uploaded payloads stay available.
func WithPayloadExpiry(d time.Duration) Option {
	return func(b *Backend) { b.payloadTTL = d }
}

// WithRunner sets the remote command that downloads and executes a
// payload; the payload artifact ID is appended as its argument.
func WithRunner(cmd string) Option {
	return func(b *Backend) { b.runner = cmd }
}

// WithSetup sets a shell command run before the runner, primarily for
// installing dependencies the remote image lacks.
func WithSetup(cmd string) Option {
	return func(b *Backend) { b.setupCmd = cmd }
}

// Backend schedules units of work as remote jobs.
type Backend struct {
	exec   *executor.Executor
	svc    tether.RunService
	store  tether.ArtifactStore
	codec  Codec
	logger *slog.Logger

	maxSubmitRetries int
	submitBackoff    backoff.Strategy
	downloadRetries  int
	downloadBackoff  backoff.Strategy
	payloadTTL       time.Duration
	runner           string
	setupCmd         string

	// completions feeds the dispatch loop: one goroutine consumes it
	// and invokes continuations, so a continuation never runs on a
	// poller or notification goroutine and long submission chains
	// cannot grow the call stack.
	completions chan completion
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

type completion struct {
	res   *Result
	value any
}

// New creates a Backend submitting through the given executor and
// storing payloads in the given artifact store. Close must be called
// when done.
func New(exec *executor.Executor, store tether.ArtifactStore, opts ...Option) *Backend {
	b := &Backend{
		exec:            exec,
		svc:             exec.Service(),
		store:           store,
		codec:           &MsgpackCodec{},
		logger:          slog.Default(),
		submitBackoff:   backoff.NewExponential(time.Second, 0),
		downloadRetries: 5,
		downloadBackoff: backoff.NewConstant(time.Second),
		payloadTTL:      7 * 24 * time.Hour,
		runner:          "tether-worker",
		setupCmd:        defaultSetupCmd,
		completions:     make(chan completion, 64),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Close stops the dispatch loop. Pending continuations that have not
// been dispatched are dropped.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	return nil
}

// EffectiveConcurrency maps the AllAvailable sentinel to the platform
// default and rejects non-positive explicit values.
func (b *Backend) EffectiveConcurrency(requested int) (int, error) {
	if requested == AllAvailable {
		return DefaultConcurrency, nil
	}
	if requested <= 0 {
		return 0, fmt.Errorf("backend: request a positive concurrency, or AllAvailable for the default of %d (got %d)",
			DefaultConcurrency, requested)
	}
	return requested, nil
}

// Submit serializes one unit of work, uploads it, and submits a job
// that executes it remotely. Transient submission errors are retried
// with exponential backoff up to the configured budget. The returned
// Result's value becomes available once the run completes and its
// output artifact has been downloaded; continuation, if non-nil, is
// invoked with the value after a successful run (never after a failed
// or cancelled one).
func (b *Backend) Submit(ctx context.Context, unit any, continuation func(any)) (*Result, error) {
	data, err := b.codec.Encode(unit)
	if err != nil {
		return nil, fmt.Errorf("backend: encode unit: %w", err)
	}

	ref, err := b.store.Upload(ctx, "tether-payload", data, time.Now().Add(b.payloadTTL))
	if err != nil {
		return nil, fmt.Errorf("backend: upload payload: %w", err)
	}
	b.logger.Debug("uploaded serialized unit",
		slog.String("artifact_id", ref.ID.String()),
		slog.Int("bytes", len(data)),
	)

	req := executor.SubmitRequest{
		Command:   fmt.Sprintf("%s && %s %s", b.setupCmd, b.runner, ref.ID),
		Arguments: map[string]string{PayloadArg: ref.ID.String()},
	}

	fut, err := b.submitWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	if b.exec.MaxRetries() > 0 {
		// Run retries only trigger from observed failures. Force the
		// first poll now so a future nobody looks at yet can still
		// launch its retries.
		fut.Done()
	}

	r := newResult(fut, continuation)
	fut.OnDone(func(*future.Future) { b.fetch(r) })

	return r, nil
}

// Retrieve blocks until the unit's outcome is available and returns it.
// See Result.Get.
func (b *Backend) Retrieve(ctx context.Context, r *Result) (any, error) {
	return r.Get(ctx)
}

// AbortEverything cancels every outstanding run. With shutdown set it
// also marks the executor as accepting no further submissions, without
// waiting. The designated recovery path when one unit's unrecoverable
// failure must unwind the caller's whole computation.
func (b *Backend) AbortEverything(ctx context.Context, shutdown bool) error {
	if err := b.exec.CancelAll(ctx); err != nil {
		return err
	}
	if shutdown {
		return b.exec.Shutdown(ctx, false)
	}
	return nil
}

// submitWithRetry attempts the submission, retrying transient remote
// errors with backoff. Non-transient errors surface unchanged;
// exhausting the budget surfaces a SubmissionError.
func (b *Backend) submitWithRetry(ctx context.Context, req executor.SubmitRequest) (*future.Future, error) {
	for attempt := 0; ; attempt++ {
		fut, err := b.exec.Submit(ctx, req)
		if err == nil {
			return fut, nil
		}
		if !tether.Transient(err) {
			return nil, err
		}
		if attempt >= b.maxSubmitRetries {
			return nil, &SubmissionError{Cause: err}
		}

		delay := b.submitBackoff.Delay(attempt + 1)
		b.logger.Debug("transient submission failure, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("retries_left", b.maxSubmitRetries-attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fetch is the completion hook: once the run is terminal it downloads
// the declared output artifact (if any), stores the outcome on the
// Result, and hands successful completions to the dispatch loop. Errors
// here are recorded as the unit's outcome, never thrown on the
// background goroutine.
func (b *Backend) fetch(r *Result) {
	defer close(r.ready)

	ctx := context.Background()
	f := r.fut

	if !f.Succeeded() {
		// Failed or cancelled: the future's error carries the remote
		// failure description or the cancellation marker.
		r.setErr(f.Err())
		b.logger.Debug("run did not succeed",
			slog.String("job_id", f.JobID().String()),
			slog.String("run_id", f.RunID().String()),
			slog.String("state", string(f.State())),
		)
		return
	}

	outs, err := b.svc.ListRunOutputs(ctx, f.JobID(), f.RunID())
	if err != nil {
		r.setErr(fmt.Errorf("backend: list run outputs: %w", err))
		return
	}

	if len(outs) == 0 {
		// A successful run with no declared output yields a nil value.
		r.setValue(nil)
		b.dispatch(completion{res: r})
		return
	}

	data, err := b.download(ctx, outs[0])
	if err != nil {
		r.setErr(fmt.Errorf("backend: download result: %w", err))
		return
	}

	var v any
	if err := b.codec.Decode(data, &v); err != nil {
		r.setErr(fmt.Errorf("backend: decode result: %w", err))
		return
	}

	r.setValue(v)
	b.logger.Debug("downloaded and decoded result",
		slog.String("job_id", f.JobID().String()),
		slog.String("run_id", f.RunID().String()),
	)
	b.dispatch(completion{res: r, value: v})
}

// download fetches an artifact, retrying transient failures with the
// configured delay up to the retry budget.
func (b *Backend) download(ctx context.Context, ref tether.ArtifactRef) ([]byte, error) {
	var last error
	for attempt := 0; attempt <= b.downloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.downloadBackoff.Delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := b.store.Download(ctx, ref)
		if err == nil {
			return data, nil
		}
		if !tether.Transient(err) {
			return nil, err
		}
		last = err
		b.logger.Debug("artifact download failed, retrying",
			slog.String("artifact_id", ref.ID.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, last
}

func (b *Backend) dispatch(c completion) {
	if c.res.continuation == nil {
		return
	}
	select {
	case b.completions <- c:
	case <-b.stopCh:
	}
}

// dispatchLoop serializes continuation callbacks onto one goroutine.
func (b *Backend) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case c := <-b.completions:
			c.res.continuation(c.value)
		}
	}
}
