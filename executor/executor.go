// Package executor submits jobs to the remote service and hands back
// futures tracking them. It keeps a registry of every future it created
// for bulk shutdown and cancellation.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/tether"
	"github.com/xraph/tether/future"
	"github.com/xraph/tether/notify"
)

// maxConcurrentCancels bounds the fan-out of CancelAll.
const maxConcurrentCancels = 8

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	// Name overrides the executor's base job name for this submission.
	Name string

	// Command is the shell command to run. Required by command
	// factories, ignored by template factories.
	Command string

	// Arguments override the factory's default arguments.
	Arguments map[string]string
}

// Option configures an Executor.
type Option func(*Executor)

// WithName sets the base name given to created jobs.
func WithName(name string) Option {
	return func(e *Executor) { e.name = name }
}

// WithNumberedNames appends an incrementing counter to each created
// job's name.
func WithNumberedNames() Option {
	return func(e *Executor) { e.numbered = true }
}

// WithMaxRetries sets the per-job retry budget: how many times a failed
// run is automatically replaced before the failure surfaces.
func WithMaxRetries(n int) Option {
	return func(e *Executor) { e.maxRetries = n }
}

// WithPollInterval sets the poll interval passed to created futures.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.interval = d }
}

// WithChannel sets the push-notification channel passed to created
// futures.
func WithChannel(ch notify.Channel) Option {
	return func(e *Executor) { e.channel = ch }
}

// WithPollRate caps the aggregate status-poll rate across all of this
// executor's futures, so a large fleet cannot exceed the remote API's
// rate limit.
func WithPollRate(perSecond float64, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor creates jobs through a JobFactory, starts their first run,
// and wraps each in a retrying future.
type Executor struct {
	svc     tether.RunService
	factory JobFactory
	logger  *slog.Logger
	metrics *metrics

	name       string
	numbered   bool
	maxRetries int
	interval   time.Duration
	channel    notify.Channel
	limiter    *rate.Limiter

	// mu serializes submissions with the shutdown flag so no
	// submission can race past a shutdown request.
	mu          sync.Mutex
	shutdown    bool
	nameCounter int
	futures     []*future.Future
}

// New creates an Executor submitting through the given service and
// factory.
func New(svc tether.RunService, factory JobFactory, opts ...Option) *Executor {
	e := &Executor{
		svc:     svc,
		factory: factory,
		logger:  slog.Default(),
		name:    "tether job",
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newMetrics()
	return e
}

// Service returns the remote service the executor submits through.
func (e *Executor) Service() tether.RunService { return e.svc }

// MaxRetries returns the per-job retry budget given to created futures.
func (e *Executor) MaxRetries() int { return e.maxRetries }

// Submit creates a job from the request, starts its first run, and
// returns a future tracking it. The future is created with polling
// deferred (poll-on-creation off) so that submitting many jobs quickly
// does not generate a poll burst; polling starts after one interval, or
// immediately when the caller invokes Done or the notification channel
// signals.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*future.Future, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return nil, tether.ErrShutdown
	}

	name := req.Name
	if name == "" {
		name = e.name
	}
	if e.numbered {
		name = fmt.Sprintf("%s %d", name, e.nameCounter)
		e.nameCounter++
	}

	jobID, err := e.factory.CreateJob(ctx, name, req.Command, req.Arguments)
	if err != nil {
		return nil, err
	}

	runID, err := e.svc.CreateRun(ctx, jobID)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("job submitted",
		slog.String("name", name),
		slog.String("job_id", jobID.String()),
		slog.String("run_id", runID.String()),
	)

	f := future.New(e.svc, jobID, runID,
		future.WithPollInterval(e.interval),
		future.WithMaxRetries(e.maxRetries),
		future.WithChannel(e.channel),
		future.WithPollOnCreation(false),
		future.WithLimiter(e.limiter),
		future.WithLogger(e.logger),
		future.WithHooks(e.metrics.hooks()),
	)
	e.metrics.submitted(ctx)
	e.metrics.observe(f)

	e.futures = append(e.futures, f)
	return f, nil
}

// Shutdown marks the executor as accepting no further submissions.
// With wait set it blocks until every registered future reaches a
// terminal state or ctx expires.
func (e *Executor) Shutdown(ctx context.Context, wait bool) error {
	e.mu.Lock()
	e.shutdown = true
	fs := e.snapshotLocked()
	e.mu.Unlock()

	if !wait {
		return nil
	}

	for _, f := range fs {
		if _, err := f.Result(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// CancelAll sends a cancel request for every registered future.
// Futures that are already terminal are unaffected.
func (e *Executor) CancelAll(ctx context.Context) error {
	e.mu.Lock()
	fs := e.snapshotLocked()
	e.mu.Unlock()

	var (
		cmu       sync.Mutex
		cancelled int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCancels)
	for _, f := range fs {
		g.Go(func() error {
			if f.Cancel(ctx) {
				cmu.Lock()
				cancelled++
				cmu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.logger.Info("cancelled outstanding jobs",
		slog.Int("cancelled", cancelled),
		slog.Int("total", len(fs)),
	)
	return nil
}

// Futures returns a snapshot of every future this executor created.
func (e *Executor) Futures() []*future.Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Executor) snapshotLocked() []*future.Future {
	out := make([]*future.Future, len(e.futures))
	copy(out, e.futures)
	return out
}
