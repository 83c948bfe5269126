package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
)

// RunDriver is the slice of the engine the resumer needs: re-entering
// an approved run and failing a rejected or expired one.
type RunDriver interface {
	ResumeAfterApproval(ctx context.Context, req *domain.ApprovalRequest) error
	Fail(ctx context.Context, runID string, kind domain.FailureKind, reason string) error
}

// Resumer turns an external decision into run progress. The decision is
// persisted synchronously; the run's continuation happens in the
// background so a decide call returns as soon as the verdict is durable.
type Resumer struct {
	gate   *Gate
	driver RunDriver
	logger *slog.Logger

	// background builds the detached context for run continuation.
	// Tests override it to run synchronously.
	background func(ctx context.Context, fn func(ctx context.Context))
}

// NewResumer wires the gate to the engine.
func NewResumer(gate *Gate, driver RunDriver, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		gate:   gate,
		driver: driver,
		logger: logger,
		background: func(ctx context.Context, fn func(ctx context.Context)) {
			go fn(context.WithoutCancel(ctx))
		},
	}
}

// Decide applies the decision and schedules the run's continuation:
// approved requests resume at the stage behind the gate, rejections
// fail the run with the rejection reason. Caller errors from the gate
// (not found, already decided, expired) pass through; a decide call
// that itself expires the request also fails the parked run.
func (r *Resumer) Decide(ctx context.Context, approvalID string, d Decision) (*domain.ApprovalRequest, error) {
	req, err := r.gate.Decide(ctx, approvalID, d)
	if err != nil {
		if errors.Is(err, domain.ErrApprovalExpired) && req != nil {
			// The decide call itself flipped the request to expired,
			// so no sweep will ever fail this run. Do it here.
			reason := fmt.Sprintf("approval %s expired at %s with no decision", req.ID, req.ExpiresAt.Format(time.RFC3339))
			r.background(ctx, func(ctx context.Context) {
				if ferr := r.driver.Fail(ctx, req.RunID, domain.FailApprovalExpired, reason); ferr != nil {
					r.logger.Error("fail expired run failed",
						slog.String("approval_id", req.ID),
						slog.String("run_id", req.RunID),
						slog.String("error", ferr.Error()),
					)
				}
			})
		}
		return nil, err
	}

	switch req.Status {
	case domain.ApprovalApproved:
		r.background(ctx, func(ctx context.Context) {
			if err := r.driver.ResumeAfterApproval(ctx, req); err != nil {
				r.logger.Error("resume after approval failed",
					slog.String("approval_id", req.ID),
					slog.String("run_id", req.RunID),
					slog.String("error", err.Error()),
				)
			}
		})
	case domain.ApprovalRejected:
		reason := req.RejectionReason
		if reason == "" {
			reason = fmt.Sprintf("rejected by %s", req.DecidedBy)
		}
		r.background(ctx, func(ctx context.Context) {
			if err := r.driver.Fail(ctx, req.RunID, domain.FailApprovalRejected, reason); err != nil {
				r.logger.Error("fail after rejection failed",
					slog.String("approval_id", req.ID),
					slog.String("run_id", req.RunID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	return req, nil
}

// Get exposes request lookup for status readers.
func (r *Resumer) Get(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	return r.gate.Get(ctx, approvalID)
}
