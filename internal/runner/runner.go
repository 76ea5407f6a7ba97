// Package runner talks to the external stitch runner, the service that
// concatenates ready video segments into a final reel. The runner is assumed
// slow and unreliable: submissions can vanish and completion is never pushed,
// so callers poll Status and fall back to output existence.
package runner

import (
	"context"

	"github.com/google/uuid"
)

// Status of a remote stitch execution as the runner reports it.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusUnknown means the runner was unreachable or does not know the
	// execution. It is inconclusive and never terminates a job by itself.
	StatusUnknown Status = "unknown"
)

// JobSpec describes one stitch execution. InputKeys are storage keys of the
// segments in playback order; the runner writes the result to OutputKey.
type JobSpec struct {
	JobID     uuid.UUID `json:"job_id"`
	InputKeys []string  `json:"input_keys"`
	OutputKey string    `json:"output_key"`
}

type Client interface {
	Submit(ctx context.Context, spec JobSpec) (executionRef string, err error)
	Status(ctx context.Context, executionRef string) (Status, error)
}
