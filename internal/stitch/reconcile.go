package stitch

import (
	"time"

	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/runner"
)

// Signals are the external observations reconciliation is allowed to trust.
// The stored status row is deliberately absent: it is the thing being checked,
// not a source of truth. An Err alongside a signal means the observation could
// not be made and the signal must be treated as absent, not as negative.
type Signals struct {
	OutputExists bool
	OutputErr    error
	RunnerStatus runner.Status
	RunnerErr    error
}

type Outcome int

const (
	// OutcomeUnchanged means no conclusive signal arrived; the job keeps its
	// stored status and a later pass tries again.
	OutcomeUnchanged Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

type Resolution struct {
	Outcome Outcome
	Reason  string
}

// resolve derives the true status of a job from independent external signals,
// stopping at the first conclusive one:
//
//  1. the output object exists in durable storage, so the work finished even
//     if the completion callback never arrived;
//  2. the runner reports a terminal execution status;
//  3. the job has been non-terminal longer than staleAfter, which force-fails
//     it. This is the only path that guarantees forward progress when the
//     runner is unreachable or dead.
//
// Observation errors are not conclusive: a storage or runner outage inside the
// staleness window resolves to OutcomeUnchanged.
func resolve(job *models.StitchJob, sig Signals, now time.Time, staleAfter time.Duration) Resolution {
	if job.Terminal() {
		return Resolution{Outcome: OutcomeUnchanged}
	}

	if sig.OutputErr == nil && sig.OutputExists {
		return Resolution{Outcome: OutcomeCompleted}
	}

	if sig.RunnerErr == nil {
		switch sig.RunnerStatus {
		case runner.StatusSucceeded:
			return Resolution{Outcome: OutcomeCompleted}
		case runner.StatusFailed:
			return Resolution{Outcome: OutcomeFailed, Reason: "runner reported failure"}
		}
		// StatusRunning and StatusUnknown fall through to the staleness check:
		// a runner that keeps saying "running" forever must not pin the job
		// past the timeout.
	}

	if now.Sub(job.UpdatedAt) > staleAfter {
		return Resolution{Outcome: OutcomeFailed, Reason: "timed out"}
	}

	return Resolution{Outcome: OutcomeUnchanged}
}
