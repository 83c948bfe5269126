// Package ports defines the interfaces the orchestrator core depends on:
// the stage contract, persistence stores, and collaborator boundaries.
package ports

import (
	"context"
	"encoding/json"
)

// StageInput carries the typed artifact and run context into a stage.
// A stage must not retain cross-call state; everything needed to resume
// comes from here or is re-derivable from the run's persisted artifacts.
type StageInput struct {
	// RunID identifies the owning run.
	RunID string `json:"run_id"`
	// Pipeline is the graph name the run was started against.
	Pipeline string `json:"pipeline"`
	// Artifact is the predecessor's output (the run input for the
	// first stage), passed through as an opaque payload.
	Artifact json.RawMessage `json:"artifact"`
	// Metadata holds contextual key/values (request id, source, ...).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StageOutput is the success payload a stage hands to its successor.
type StageOutput struct {
	Artifact json.RawMessage `json:"artifact"`
}

// Stage is one pipeline step. Execute returns either an output artifact
// or a typed failure: *domain.StageError for terminal failures,
// *domain.TransientError for collaborator errors the invoker may retry.
// Side effects (telemetry, collaborator calls) must be idempotent or
// safely retryable, since an invocation may be retried after a
// transient failure.
type Stage interface {
	// Name returns the unique stage identifier within its graph.
	Name() string
	// Execute runs the stage against the input artifact.
	Execute(ctx context.Context, in *StageInput) (*StageOutput, error)
}
