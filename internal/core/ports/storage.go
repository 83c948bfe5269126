package ports

import (
	"context"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
)

// RunStore persists pipeline runs keyed by run ID. Each run is a
// self-contained document; no cross-document transactions are required.
// UpdateRun must reject a write whose Version does not match the stored
// row (domain.ErrVersionConflict) and bump the version on success.
type RunStore interface {
	// CreateRun persists a newly started run.
	CreateRun(ctx context.Context, run *domain.Run) error

	// GetRun retrieves a run snapshot by ID.
	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// UpdateRun replaces the stored run under a version check.
	UpdateRun(ctx context.Context, run *domain.Run) error

	// ListRuns lists runs with pagination and optional filtering.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*domain.Run, error)
}

// RunListOptions defines options for listing runs.
type RunListOptions struct {
	Pipeline string
	Status   domain.RunStatus
	Limit    int
	Offset   int
}

// ApprovalStore persists approval requests keyed by approval ID.
// UpdateApproval follows the same compare-and-swap contract as
// UpdateRun; the decide-vs-expire race is resolved by whichever
// transition commits first, never by last-writer-wins.
type ApprovalStore interface {
	// CreateApproval persists a new pending approval request.
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error

	// GetApproval retrieves an approval request by approval ID.
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)

	// GetPendingApprovalByRun returns the run's pending request, or
	// domain.ErrApprovalNotFound when none exists. At most one pending
	// request per run exists at any time.
	GetPendingApprovalByRun(ctx context.Context, runID string) (*domain.ApprovalRequest, error)

	// UpdateApproval replaces the stored request under a version check.
	UpdateApproval(ctx context.Context, req *domain.ApprovalRequest) error

	// ListExpiredPending returns pending requests whose deadline passed
	// before now, for the expiry sweep.
	ListExpiredPending(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error)
}

// EventStore persists the append-only run event stream.
type EventStore interface {
	// AppendRunEvent appends one lifecycle event for a run.
	AppendRunEvent(ctx context.Context, ev *domain.RunEvent) error

	// ListRunEvents returns a run's events ordered by time.
	ListRunEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error)
}

// Store is the full artifact store the service wires together.
type Store interface {
	RunStore
	ApprovalStore
	EventStore

	// Close releases the underlying storage connection.
	Close() error
}
