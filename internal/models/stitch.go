package models

import (
	"time"

	"github.com/google/uuid"
)

// Stitch job status enum. queued -> running -> {completed, failed}; queued may
// also fail directly when the runner rejects the submission.
const (
	StitchStatusQueued    = "queued"
	StitchStatusRunning   = "running"
	StitchStatusCompleted = "completed"
	StitchStatusFailed    = "failed"
)

type StitchJob struct {
	ID            uuid.UUID   `json:"id"`
	TargetID      uuid.UUID   `json:"target_id"`
	OwnerID       uuid.UUID   `json:"owner_id"`
	InputIDs      []uuid.UUID `json:"input_ids"`
	Status        string      `json:"status"`
	ExecutionRef  *string     `json:"execution_ref,omitempty"`
	OutputKey     string      `json:"output_key"`
	CostTokens    int64       `json:"cost_tokens"`
	DebitEntryID  *uuid.UUID  `json:"debit_entry_id,omitempty"`
	Refunded      bool        `json:"refunded"`
	FailureReason *string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Terminal reports whether the job has settled and must never change again.
func (j *StitchJob) Terminal() bool {
	return j.Status == StitchStatusCompleted || j.Status == StitchStatusFailed
}
