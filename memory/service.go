// Package memory implements an in-process RunService and ArtifactStore.
// Runs advance deterministically as they are polled, and failures can be
// scripted, which makes the package the test double for everything that
// talks to the remote service. It is not a job engine: nothing executes
// until someone asks for status.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/tether"
	"github.com/xraph/tether/id"
	"github.com/xraph/tether/notify"
	notifymem "github.com/xraph/tether/notify/memory"
)

// Compile-time interface checks.
var (
	_ tether.RunService    = (*Service)(nil)
	_ tether.ArtifactStore = (*Service)(nil)
)

// WorkerFunc emulates the remote worker: it receives the serialized
// unit uploaded for a run and returns the serialized result. An error
// fails the run with the error's message as the remote failure detail.
type WorkerFunc func(payload []byte) ([]byte, error)

// Option configures a Service.
type Option func(*Service)

// WithPollsUntilDone sets how many status polls a run takes to reach a
// terminal state. The default of 1 completes a run on its first poll;
// higher values hold it in the running state for n-1 polls.
func WithPollsUntilDone(n int) Option {
	return func(s *Service) { s.pollsUntilDone = n }
}

// WithWorker installs an emulated remote worker. When a run succeeds,
// the service reads the artifact named by the job argument payloadKey,
// feeds it to fn, and stores fn's output as the run's declared output
// artifact.
func WithWorker(payloadKey string, fn WorkerFunc) Option {
	return func(s *Service) {
		s.payloadKey = payloadKey
		s.worker = fn
	}
}

// WithBus publishes a notification message on each terminal transition,
// emulating the service's push channel.
func WithBus(b *notifymem.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// Service is the in-memory remote service.
type Service struct {
	pollsUntilDone int
	payloadKey     string
	worker         WorkerFunc
	bus            *notifymem.Bus

	mu            sync.Mutex
	jobs          map[id.JobID]tether.JobDefinition
	runs          map[id.RunID]*run
	artifacts     map[id.ArtifactID]artifact
	createRunErrs []error
	downloadErrs  []error
	failNext      int
}

type run struct {
	status   tether.RunStatus
	polls    int
	willFail bool
	outputs  []tether.ArtifactRef
}

type artifact struct {
	ref  tether.ArtifactRef
	data []byte
}

// New creates an empty Service.
func New(opts ...Option) *Service {
	s := &Service{
		pollsUntilDone: 1,
		jobs:           make(map[id.JobID]tether.JobDefinition),
		runs:           make(map[id.RunID]*run),
		artifacts:      make(map[id.ArtifactID]artifact),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Test scripting
// ──────────────────────────────────────────────────

// FailNextRuns makes the next n created runs end in the failed state.
func (s *Service) FailNextRuns(n int) {
	s.mu.Lock()
	s.failNext += n
	s.mu.Unlock()
}

// QueueCreateRunError makes the next CreateRun call return err instead
// of creating a run. Queued errors are consumed in order.
func (s *Service) QueueCreateRunError(err error) {
	s.mu.Lock()
	s.createRunErrs = append(s.createRunErrs, err)
	s.mu.Unlock()
}

// QueueDownloadError makes the next Download call return err. Queued
// errors are consumed in order.
func (s *Service) QueueDownloadError(err error) {
	s.mu.Lock()
	s.downloadErrs = append(s.downloadErrs, err)
	s.mu.Unlock()
}

// CompleteRun forces a run into a terminal state without waiting for
// polls, publishing the notification if a bus is configured. Completing
// with the succeeded state runs the worker like a polled completion.
func (s *Service) CompleteRun(runID id.RunID, state tether.RunState, errMsg string) error {
	if !state.Terminal() {
		return fmt.Errorf("memory: %s is not a terminal state", state)
	}

	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: unknown run %s", runID)
	}
	if r.status.State.Terminal() {
		s.mu.Unlock()
		return nil
	}

	if state == tether.StateSucceeded {
		s.succeedLocked(r)
	} else {
		r.status.State = state
		r.status.Error = errMsg
	}
	msg := terminalMessage(r)
	s.mu.Unlock()

	s.publish(msg)
	return nil
}

// Job returns a stored job definition.
func (s *Service) Job(jobID id.JobID) (tether.JobDefinition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.jobs[jobID]
	return def, ok
}

// RunCount reports how many runs were ever created.
func (s *Service) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// ──────────────────────────────────────────────────
// RunService
// ──────────────────────────────────────────────────

// CreateJob implements tether.RunService.
func (s *Service) CreateJob(_ context.Context, def tether.JobDefinition) (id.JobID, error) {
	jobID := id.NewJobID()
	def.ID = jobID

	s.mu.Lock()
	s.jobs[jobID] = def
	s.mu.Unlock()

	return jobID, nil
}

// CreateRun implements tether.RunService.
func (s *Service) CreateRun(_ context.Context, jobID id.JobID) (id.RunID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.createRunErrs) > 0 {
		err := s.createRunErrs[0]
		s.createRunErrs = s.createRunErrs[1:]
		return id.Nil, err
	}
	if _, ok := s.jobs[jobID]; !ok {
		return id.Nil, fmt.Errorf("memory: unknown job %s", jobID)
	}

	runID := id.NewRunID()
	r := &run{
		status: tether.RunStatus{
			ID:        runID,
			JobID:     jobID,
			State:     tether.StateQueued,
			StartedAt: time.Now(),
		},
	}
	if s.failNext > 0 {
		s.failNext--
		r.willFail = true
	}
	s.runs[runID] = r

	return runID, nil
}

// GetRunStatus implements tether.RunService. Each poll advances the run:
// it reports running until the configured poll count is reached, then
// transitions to its scripted terminal state.
func (s *Service) GetRunStatus(_ context.Context, jobID id.JobID, runID id.RunID) (*tether.RunStatus, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok || r.status.JobID != jobID {
		s.mu.Unlock()
		return nil, &tether.APIError{StatusCode: 404, Message: fmt.Sprintf("run %s not found", runID)}
	}

	if r.status.State.Terminal() {
		st := r.status
		s.mu.Unlock()
		return &st, nil
	}

	r.polls++
	if r.polls < s.pollsUntilDone {
		r.status.State = tether.StateRunning
		st := r.status
		s.mu.Unlock()
		return &st, nil
	}

	if r.willFail {
		r.status.State = tether.StateFailed
		r.status.Error = "scripted failure"
	} else {
		s.succeedLocked(r)
	}
	st := r.status
	msg := terminalMessage(r)
	s.mu.Unlock()

	s.publish(msg)
	return &st, nil
}

// CancelRun implements tether.RunService.
func (s *Service) CancelRun(_ context.Context, jobID id.JobID, runID id.RunID) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok || r.status.JobID != jobID {
		s.mu.Unlock()
		return &tether.APIError{StatusCode: 404, Message: fmt.Sprintf("run %s not found", runID)}
	}
	if r.status.State.Terminal() {
		s.mu.Unlock()
		return nil
	}
	r.status.State = tether.StateCancelled
	msg := terminalMessage(r)
	s.mu.Unlock()

	s.publish(msg)
	return nil
}

// ListRunOutputs implements tether.RunService.
func (s *Service) ListRunOutputs(_ context.Context, jobID id.JobID, runID id.RunID) ([]tether.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.status.JobID != jobID {
		return nil, &tether.APIError{StatusCode: 404, Message: fmt.Sprintf("run %s not found", runID)}
	}

	out := make([]tether.ArtifactRef, len(r.outputs))
	copy(out, r.outputs)
	return out, nil
}

// ──────────────────────────────────────────────────
// ArtifactStore
// ──────────────────────────────────────────────────

// Upload implements tether.ArtifactStore.
func (s *Service) Upload(_ context.Context, name string, data []byte, expiresAt time.Time) (tether.ArtifactRef, error) {
	ref := tether.ArtifactRef{
		ID:        id.NewArtifactID(),
		Name:      name,
		Size:      int64(len(data)),
		ExpiresAt: expiresAt,
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	s.artifacts[ref.ID] = artifact{ref: ref, data: stored}
	s.mu.Unlock()

	return ref, nil
}

// Download implements tether.ArtifactStore.
func (s *Service) Download(_ context.Context, ref tether.ArtifactRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.downloadErrs) > 0 {
		err := s.downloadErrs[0]
		s.downloadErrs = s.downloadErrs[1:]
		return nil, err
	}

	a, ok := s.artifacts[ref.ID]
	if !ok {
		return nil, &tether.APIError{StatusCode: 404, Message: fmt.Sprintf("artifact %s not found", ref.ID)}
	}

	out := make([]byte, len(a.data))
	copy(out, a.data)
	return out, nil
}

// ──────────────────────────────────────────────────
// Internal
// ──────────────────────────────────────────────────

// succeedLocked marks the run succeeded, running the emulated worker
// first when one is installed. A worker error turns the completion into
// a failure carrying the error's message. Callers must hold s.mu.
func (s *Service) succeedLocked(r *run) {
	if s.worker != nil {
		if err := s.runWorkerLocked(r); err != nil {
			r.status.State = tether.StateFailed
			r.status.Error = err.Error()
			return
		}
	}
	r.status.State = tether.StateSucceeded
}

func (s *Service) runWorkerLocked(r *run) error {
	def, ok := s.jobs[r.status.JobID]
	if !ok {
		return fmt.Errorf("job %s vanished", r.status.JobID)
	}

	raw, ok := def.Arguments[s.payloadKey]
	if !ok {
		// Job carries no payload; nothing to execute.
		return nil
	}
	artID, err := id.ParseArtifactID(raw)
	if err != nil {
		return fmt.Errorf("bad payload reference %q: %w", raw, err)
	}
	in, ok := s.artifacts[artID]
	if !ok {
		return fmt.Errorf("payload artifact %s not found", artID)
	}

	out, err := s.worker(in.data)
	if err != nil {
		return err
	}

	ref := tether.ArtifactRef{
		ID:   id.NewArtifactID(),
		Name: "result",
		Size: int64(len(out)),
	}
	s.artifacts[ref.ID] = artifact{ref: ref, data: out}
	r.outputs = append(r.outputs, ref)
	return nil
}

func terminalMessage(r *run) notify.Message {
	return notify.Message{
		Object: notify.ObjectRef{ID: r.status.JobID},
		Run:    notify.RunRef{ID: r.status.ID, State: r.status.State},
	}
}

// publish delivers on a fresh goroutine the way a real transport
// would: never on the goroutine that triggered the transition, which
// may still hold a subscriber's lock.
func (s *Service) publish(m notify.Message) {
	if s.bus == nil {
		return
	}
	go s.bus.Publish(m)
}
