// Package domain holds the canonical types for pipeline runs, approvals,
// and the error taxonomy shared across the orchestrator.
package domain

import (
	"encoding/json"
	"time"
)

// RunStatus represents the overall state of a pipeline run.
type RunStatus string

const (
	// RunRunning means the run is actively advancing through stages.
	RunRunning RunStatus = "running"
	// RunAwaitingApproval means the run is parked at an approval gate.
	RunAwaitingApproval RunStatus = "awaiting_approval"
	// RunCompleted means every stage finished successfully.
	RunCompleted RunStatus = "completed"
	// RunFailed means the run reached a terminal failure state.
	RunFailed RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StageDone is the CurrentStage marker for a run with no stages left.
const StageDone = "done"

// StageResult records the outcome of a single stage invocation.
// Results are append-only and exclusively owned by their Run.
type StageResult struct {
	Stage       string          `json:"stage"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`
	FailureMsg  string          `json:"failure_message,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Run is one execution of a pipeline for one input.
type Run struct {
	ID           string          `json:"id"`
	Pipeline     string          `json:"pipeline"`
	Input        json.RawMessage `json:"input"`
	CurrentStage string          `json:"current_stage"`
	Results      []StageResult   `json:"results"`
	Status       RunStatus       `json:"status"`
	FailureKind  FailureKind     `json:"failure_kind,omitempty"`
	Error        string          `json:"error,omitempty"`

	// Version guards concurrent writers; stores reject updates whose
	// version does not match the stored row.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastArtifact returns the output of the most recent successful stage,
// or the run input when no stage has completed yet.
func (r *Run) LastArtifact() json.RawMessage {
	for i := len(r.Results) - 1; i >= 0; i-- {
		if r.Results[i].Success {
			return r.Results[i].Output
		}
	}
	return r.Input
}

// AppendResult records a stage outcome and bumps the updated timestamp.
func (r *Run) AppendResult(res StageResult) {
	r.Results = append(r.Results, res)
	r.UpdatedAt = res.CompletedAt
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the store's backing slice.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Results = make([]StageResult, len(r.Results))
	copy(cp.Results, r.Results)
	return &cp
}
