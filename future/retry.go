package future

import (
	"context"
	"log/slog"

	"github.com/xraph/tether"
)

// rearmLocked intercepts a failure before it becomes terminal. While
// retry budget remains it starts a new run of the same job, rebinds the
// future to the new run ID, and arms fresh polling and notification
// resources for the new epoch. Returns false when the failure must
// surface: budget exhausted, or the replacement run could not be
// started.
//
// Callers must hold f.mu. The old epoch's resources are torn down
// before the new ones are armed; the replacement poll loop additionally
// waits for the old loop's goroutine to exit before its first tick, so
// the two epochs never poll concurrently.
func (f *Future) rearmLocked(cause error) bool {
	if f.retriesLeft <= 0 {
		return false
	}

	oldLoop := f.loop
	oldLoop.stop()
	if f.sub != nil {
		if err := f.sub.Unsubscribe(); err != nil {
			f.logger.Warn("notification unsubscribe failed",
				slog.String("job_id", f.jobID.String()),
				slog.String("error", err.Error()),
			)
		}
		f.sub = nil
	}

	runID, err := f.svc.CreateRun(context.Background(), f.jobID)
	if err != nil {
		f.logger.Error("could not start replacement run, surfacing failure",
			slog.String("job_id", f.jobID.String()),
			slog.String("run_id", f.runID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	f.retriesLeft--
	oldRun := f.runID
	f.runID = runID
	f.state = tether.StateQueued
	f.result = nil

	f.loop = newPollLoopAfter(f.pollAndCheck, f.interval, oldLoop)
	f.loop.start()
	if f.channel != nil {
		f.subscribeLocked()
	}

	if f.hooks.OnRetry != nil {
		f.hooks.OnRetry()
	}
	f.logger.Debug("run failed, retrying",
		slog.String("job_id", f.jobID.String()),
		slog.String("failed_run_id", oldRun.String()),
		slog.String("new_run_id", runID.String()),
		slog.Int("retries_remaining", f.retriesLeft),
		slog.String("cause", cause.Error()),
	)

	return true
}
