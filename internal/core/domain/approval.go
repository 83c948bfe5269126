package domain

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the state of a human decision point.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a suspended decision point. The approval ID is the
// sole correlation key an external decider knows; the parked artifact plus
// the run ID make the suspension fully reconstructable from storage, so a
// decision may arrive in a different process than the one that parked.
type ApprovalRequest struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
	// Stage is the gate's stage name within the pipeline graph.
	Stage string `json:"stage"`
	// Artifact is the output of the stage preceding the gate, passed
	// through unmodified to whatever resumes the run.
	Artifact json.RawMessage `json:"artifact"`

	Status          ApprovalStatus `json:"status"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`

	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	Version int64 `json:"version"`
}

// ExpiredAt reports whether the request has passed its deadline at the
// given instant. Only pending requests can expire; decided requests are
// immutable regardless of the clock.
func (a *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return a.Status == ApprovalPending && now.After(a.ExpiresAt)
}
