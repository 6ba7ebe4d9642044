package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tether"
	"github.com/xraph/tether/id"
)

func createRun(t *testing.T, s *Service, args map[string]string) (id.JobID, id.RunID) {
	t.Helper()
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, tether.JobDefinition{Name: "job", Command: "true", Arguments: args})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	runID, err := s.CreateRun(ctx, jobID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return jobID, runID
}

func TestService_RunAdvancesPerPoll(t *testing.T) {
	s := New(WithPollsUntilDone(3))
	jobID, runID := createRun(t, s, nil)
	ctx := context.Background()

	wantStates := []tether.RunState{
		tether.StateRunning,
		tether.StateRunning,
		tether.StateSucceeded,
	}
	for i, want := range wantStates {
		st, err := s.GetRunStatus(ctx, jobID, runID)
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		if st.State != want {
			t.Fatalf("poll %d: state %s, expected %s", i+1, st.State, want)
		}
	}

	// Terminal states are sticky.
	st, err := s.GetRunStatus(ctx, jobID, runID)
	if err != nil || st.State != tether.StateSucceeded {
		t.Fatalf("post-terminal poll: %+v, %v", st, err)
	}
}

func TestService_ScriptedFailure(t *testing.T) {
	s := New()
	s.FailNextRuns(1)
	jobID, runID := createRun(t, s, nil)

	st, err := s.GetRunStatus(context.Background(), jobID, runID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if st.State != tether.StateFailed || st.Error == "" {
		t.Fatalf("expected scripted failure, got %+v", st)
	}

	// Only the scripted run fails.
	jobID2, runID2 := createRun(t, s, nil)
	st2, err := s.GetRunStatus(context.Background(), jobID2, runID2)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if st2.State == tether.StateFailed {
		t.Fatal("second run failed without being scripted")
	}
}

func TestService_UnknownRun(t *testing.T) {
	s := New()
	jobID, _ := createRun(t, s, nil)

	_, err := s.GetRunStatus(context.Background(), jobID, id.NewRunID())
	var apiErr *tether.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestService_WorkerProducesOutputArtifact(t *testing.T) {
	const key = "PAYLOAD"
	s := New(WithWorker(key, func(p []byte) ([]byte, error) {
		return append(bytes.ToUpper(p), '!'), nil
	}))
	ctx := context.Background()

	ref, err := s.Upload(ctx, "input", []byte("abc"), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	jobID, runID := createRun(t, s, map[string]string{key: ref.ID.String()})
	if _, err := s.GetRunStatus(ctx, jobID, runID); err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}

	outs, err := s.ListRunOutputs(ctx, jobID, runID)
	if err != nil {
		t.Fatalf("ListRunOutputs: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected 1 output artifact, got %d", len(outs))
	}

	data, err := s.Download(ctx, outs[0])
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "ABC!" {
		t.Fatalf("worker output %q", data)
	}
}

func TestService_WorkerErrorFailsRun(t *testing.T) {
	const key = "PAYLOAD"
	s := New(WithWorker(key, func([]byte) ([]byte, error) {
		return nil, errors.New("worker exploded")
	}))
	ctx := context.Background()

	ref, err := s.Upload(ctx, "input", []byte("abc"), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	jobID, runID := createRun(t, s, map[string]string{key: ref.ID.String()})
	st, err := s.GetRunStatus(ctx, jobID, runID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if st.State != tether.StateFailed || st.Error != "worker exploded" {
		t.Fatalf("expected worker failure to fail the run, got %+v", st)
	}
}

func TestService_CompleteRun(t *testing.T) {
	s := New(WithPollsUntilDone(100000))
	jobID, runID := createRun(t, s, nil)
	ctx := context.Background()

	if err := s.CompleteRun(runID, tether.StateFailed, "forced"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	st, err := s.GetRunStatus(ctx, jobID, runID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if st.State != tether.StateFailed || st.Error != "forced" {
		t.Fatalf("unexpected status %+v", st)
	}

	// Completing a terminal run is a no-op.
	if err := s.CompleteRun(runID, tether.StateSucceeded, ""); err != nil {
		t.Fatalf("CompleteRun on terminal run: %v", err)
	}
	if st, _ := s.GetRunStatus(ctx, jobID, runID); st.State != tether.StateFailed {
		t.Fatalf("terminal state remutated to %s", st.State)
	}

	if err := s.CompleteRun(runID, tether.StateRunning, ""); err == nil {
		t.Fatal("expected error for non-terminal completion state")
	}
}

func TestService_CancelRun(t *testing.T) {
	s := New(WithPollsUntilDone(100000))
	jobID, runID := createRun(t, s, nil)
	ctx := context.Background()

	if err := s.CancelRun(ctx, jobID, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	st, err := s.GetRunStatus(ctx, jobID, runID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if st.State != tether.StateCancelled {
		t.Fatalf("expected cancelled, got %s", st.State)
	}

	// Idempotent on terminal runs.
	if err := s.CancelRun(ctx, jobID, runID); err != nil {
		t.Fatalf("second CancelRun: %v", err)
	}
}

func TestService_ArtifactRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	ref, err := s.Upload(ctx, "blob", []byte{1, 2, 3}, expiry)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Size != 3 || ref.Name != "blob" || !ref.ExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected ref %+v", ref)
	}

	data, err := s.Download(ctx, ref)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("downloaded %v", data)
	}

	_, err = s.Download(ctx, tether.ArtifactRef{ID: id.NewArtifactID()})
	var apiErr *tether.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 for unknown artifact, got %v", err)
	}
}
