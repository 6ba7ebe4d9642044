package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/tether/future"
)

// meterName is the instrumentation scope name for tether metrics.
const meterName = "github.com/xraph/tether"

// metrics holds the executor's OTel instruments. With no MeterProvider
// configured the global meter hands back noop instruments and recording
// becomes a pass-through.
type metrics struct {
	submissions metric.Int64Counter
	polls       metric.Int64Counter
	retries     metric.Int64Counter
	runDuration metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)

	// Instruments are created once per executor. On error the OTel API
	// returns noop instruments, so recording degrades gracefully.
	submissions, sErr := meter.Int64Counter(
		"tether.submissions",
		metric.WithDescription("Total job submissions"),
		metric.WithUnit("{submission}"),
	)
	_ = sErr

	polls, pErr := meter.Int64Counter(
		"tether.run.polls",
		metric.WithDescription("Total run status polls"),
		metric.WithUnit("{poll}"),
	)
	_ = pErr

	retries, rErr := meter.Int64Counter(
		"tether.run.retries",
		metric.WithDescription("Total automatic run retries"),
		metric.WithUnit("{retry}"),
	)
	_ = rErr

	runDuration, dErr := meter.Float64Histogram(
		"tether.run.duration",
		metric.WithDescription("Time from submission to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	return &metrics{
		submissions: submissions,
		polls:       polls,
		retries:     retries,
		runDuration: runDuration,
	}
}

func (m *metrics) submitted(ctx context.Context) {
	m.submissions.Add(ctx, 1)
}

// hooks bridges future-internal events onto the counters.
func (m *metrics) hooks() future.Hooks {
	return future.Hooks{
		OnPoll:  func() { m.polls.Add(context.Background(), 1) },
		OnRetry: func() { m.retries.Add(context.Background(), 1) },
	}
}

// observe records the run duration with its terminal status once the
// future completes.
func (m *metrics) observe(f *future.Future) {
	start := time.Now()
	f.OnDone(func(f *future.Future) {
		m.runDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("status", string(f.State()))),
		)
	})
}
