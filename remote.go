package tether

import (
	"context"
	"time"

	"github.com/xraph/tether/id"
)

// RunState represents the lifecycle state of a remote run.
type RunState string

const (
	// StateQueued means the run is waiting for remote capacity.
	StateQueued RunState = "queued"
	// StateRunning means the run is currently executing.
	StateRunning RunState = "running"
	// StateSucceeded means the run finished successfully.
	StateSucceeded RunState = "succeeded"
	// StateFailed means the run finished with an error.
	StateFailed RunState = "failed"
	// StateCancelled means the run was explicitly cancelled.
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transition.
// Unrecognized states are non-terminal: callers keep polling.
func (s RunState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Resources describes the remote capacity a job requests.
type Resources struct {
	CPU      int `json:"cpu"`
	MemoryMB int `json:"memory"`
}

// JobDefinition is the static definition needed to start runs of a job.
// Immutable once created on the remote service.
type JobDefinition struct {
	ID         id.JobID          `json:"id"`
	Name       string            `json:"name"`
	Hidden     bool              `json:"hidden"`
	Command    string            `json:"command,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Resources  Resources         `json:"resources"`
	Arguments  map[string]string `json:"arguments,omitempty"`
}

// RunStatus is the remote service's view of one run.
type RunStatus struct {
	ID        id.RunID  `json:"id"`
	JobID     id.JobID  `json:"job_id"`
	State     RunState  `json:"state"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ArtifactRef points at an opaque byte payload held by the artifact store.
type ArtifactRef struct {
	ID        id.ArtifactID `json:"id"`
	Name      string        `json:"name"`
	Size      int64         `json:"size"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
}

// RunService is the remote job service collaborator. Tether does not
// define its wire protocol; implementations adapt whatever transport the
// service speaks.
type RunService interface {
	// CreateJob registers a new job definition and returns its ID.
	CreateJob(ctx context.Context, def JobDefinition) (id.JobID, error)

	// CreateRun starts a new execution attempt of the job.
	CreateRun(ctx context.Context, jobID id.JobID) (id.RunID, error)

	// GetRunStatus fetches the authoritative state of a run.
	GetRunStatus(ctx context.Context, jobID id.JobID, runID id.RunID) (*RunStatus, error)

	// CancelRun requests cancellation of a run. It returns once the
	// request is acknowledged, not once the run has actually stopped.
	CancelRun(ctx context.Context, jobID id.JobID, runID id.RunID) error

	// ListRunOutputs lists the artifacts a finished run declared.
	ListRunOutputs(ctx context.Context, jobID id.JobID, runID id.RunID) ([]ArtifactRef, error)
}

// ArtifactStore uploads and downloads opaque byte payloads. Both
// directions are subject to transient transport failures which callers
// retry independently of job-level retries.
type ArtifactStore interface {
	Upload(ctx context.Context, name string, data []byte, expiresAt time.Time) (ArtifactRef, error)
	Download(ctx context.Context, ref ArtifactRef) ([]byte, error)
}
