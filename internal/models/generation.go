package models

import (
	"encoding/json"
	"time"
)

// Generation status values reported by the video worker.
const (
	GenerationStatusPending        = "PENDING"
	GenerationStatusRunning        = "RUNNING"
	GenerationStatusSuccess        = "SUCCESS"
	GenerationStatusPartialSuccess = "PARTIAL_SUCCESS"
	GenerationStatusFailed         = "FAILED"
	GenerationStatusCancelled      = "CANCELLED"
)

// Finalization actions recorded on the ledger entry. Mutually exclusive.
const (
	FinalizeActionDeducted = "deducted"
	FinalizeActionReleased = "released"
)

// Generation is the per-job credit ledger entry, keyed by the job id
// the worker reports back with. Created at hold time, or reconstructed
// at finalize time when no prior hold exists. Once CreditsFinalizedAt
// is set the credit outcome is immutable.
type Generation struct {
	ID                 string          `json:"id"`
	Email              string          `json:"email,omitempty"`
	Status             string          `json:"status,omitempty"`
	RawInput           json.RawMessage `json:"raw,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	CreditsHeld        *int            `json:"credits_held,omitempty"`
	CreditsHeldBy      string          `json:"credits_held_by,omitempty"`
	CreditsHoldAt      *time.Time      `json:"credits_hold_at,omitempty"`
	CreditsFinalizedAt *time.Time      `json:"credits_finalized_at,omitempty"`
	CreditsDeducted    *int            `json:"credits_deducted,omitempty"`
	CreditsReleased    *int            `json:"credits_released,omitempty"`
	DeletedAt          *time.Time      `json:"-"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Finalized reports whether the credit outcome is already settled.
func (g *Generation) Finalized() bool {
	return g.CreditsFinalizedAt != nil
}

// HoldRecorded reports whether a hold has been attached to this job.
// A zero-credit hold (free generation) counts.
func (g *Generation) HoldRecorded() bool {
	return g.CreditsHeld != nil
}
