package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Creation kinds. A reel is assembled from ready video creations by a stitch
// job and shares the same lifecycle once produced.
const (
	CreationKindImage = "image"
	CreationKindVideo = "video"
	CreationKindReel  = "reel"
)

// Creation status enum. Transitions only move forward:
// pending -> processing -> ready -> published, with failed reachable from
// pending and processing. Terminal states never change again.
const (
	CreationStatusPending    = "pending"
	CreationStatusProcessing = "processing"
	CreationStatusReady      = "ready"
	CreationStatusPublished  = "published"
	CreationStatusFailed     = "failed"
)

type Creation struct {
	ID            uuid.UUID       `json:"id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	Kind          string          `json:"kind"`
	Prompt        string          `json:"prompt"`
	Params        json.RawMessage `json:"params,omitempty"`
	CostTokens    int64           `json:"cost_tokens"`
	Status        string          `json:"status"`
	OutputKey     *string         `json:"output_key,omitempty"`
	DebitEntryID  *uuid.UUID      `json:"debit_entry_id,omitempty"`
	Refunded      bool            `json:"refunded"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal reports whether the creation can still change status.
func (c *Creation) Terminal() bool {
	return c.Status == CreationStatusPublished || c.Status == CreationStatusFailed
}
