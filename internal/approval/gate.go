// Package approval implements the human decision point: parking runs
// behind persisted approval requests, applying callback decisions, and
// expiring requests that never get one. Decisions and expiry race over
// the store's version check; the first valid transition wins.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// GateConfig tunes the gate's request side.
type GateConfig struct {
	// TTL is how long a request stays decidable.
	TTL time.Duration
	// Recipients receive the approval notification.
	Recipients []string
	// DecisionBaseURL prefixes the decision link in notifications,
	// e.g. https://conductor.internal.
	DecisionBaseURL string
}

// Gate owns approval request records. It creates them when a run parks
// and applies decisions against them; it never touches runs.
type Gate struct {
	store    ports.ApprovalStore
	notifier ports.Notifier
	logger   *slog.Logger
	cfg      GateConfig
	now      func() time.Time
}

// NewGate builds a gate. notifier may be nil when no delivery channel
// is configured; requests are still created and decidable.
func NewGate(store ports.ApprovalStore, notifier ports.Notifier, logger *slog.Logger, cfg GateConfig) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Gate{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request returns the run's pending approval request, creating one if
// none exists. Idempotent: a crash between persisting the request and
// parking the run yields the same request on the retry, not a second
// gate for the same suspension.
func (g *Gate) Request(ctx context.Context, run *domain.Run, stage string, artifact json.RawMessage) (*domain.ApprovalRequest, error) {
	existing, err := g.store.GetPendingApprovalByRun(ctx, run.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrApprovalNotFound) {
		return nil, fmt.Errorf("look up pending approval: %w", err)
	}

	now := g.now()
	req := &domain.ApprovalRequest{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		Pipeline:    run.Pipeline,
		Stage:       stage,
		Artifact:    artifact,
		Status:      domain.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(g.cfg.TTL),
	}
	if err := g.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("persist approval request: %w", err)
	}

	g.notify(ctx, req)
	return req, nil
}

// Decision is a caller's verdict on a pending request, correlated by
// approval ID alone.
type Decision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
	// Reason is required context for rejections, ignored on approvals.
	Reason string `json:"reason,omitempty"`
}

// Decide applies a decision to the request and returns the decided
// record. Callers get domain.ErrApprovalNotFound, ErrAlreadyDecided, or
// ErrApprovalExpired when the request cannot accept this decision. A
// request past its deadline is flipped to expired here rather than
// waiting for the sweeper; when this call wins that flip, the expired
// request is returned alongside ErrApprovalExpired and the caller must
// fail the owning run.
func (g *Gate) Decide(ctx context.Context, approvalID string, d Decision) (*domain.ApprovalRequest, error) {
	req, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case domain.ApprovalPending:
	case domain.ApprovalExpired:
		return nil, domain.ErrApprovalExpired
	default:
		return nil, domain.ErrAlreadyDecided
	}

	now := g.now()
	if req.ExpiredAt(now) {
		req.Status = domain.ApprovalExpired
		if err := g.store.UpdateApproval(ctx, req); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Another actor flipped it; that side owns the run.
				return nil, domain.ErrApprovalExpired
			}
			return nil, fmt.Errorf("expire approval: %w", err)
		}
		// This call performed the flip, so the sweeper will never see
		// the request again. Hand it back so the caller fails the
		// owning run.
		return req, domain.ErrApprovalExpired
	}

	if d.Approved {
		req.Status = domain.ApprovalApproved
	} else {
		req.Status = domain.ApprovalRejected
		req.RejectionReason = d.Reason
	}
	req.DecidedBy = d.DecidedBy
	req.DecidedAt = &now

	if err := g.store.UpdateApproval(ctx, req); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// Lost the race; report whatever transition won.
			current, gerr := g.store.GetApproval(ctx, approvalID)
			if gerr != nil {
				return nil, gerr
			}
			if current.Status == domain.ApprovalExpired {
				return nil, domain.ErrApprovalExpired
			}
			return nil, domain.ErrAlreadyDecided
		}
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	g.logger.Info("approval decided",
		slog.String("approval_id", req.ID),
		slog.String("run_id", req.RunID),
		slog.String("status", string(req.Status)),
		slog.String("decided_by", req.DecidedBy),
	)
	return req, nil
}

// Get returns the request by ID for status readers.
func (g *Gate) Get(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, approvalID)
}

// Expire flips a pending request to expired. Returns false when the
// flip lost to a concurrent decision or another sweep; the losing side
// must not touch the run.
func (g *Gate) Expire(ctx context.Context, req *domain.ApprovalRequest) (bool, error) {
	req.Status = domain.ApprovalExpired
	if err := g.store.UpdateApproval(ctx, req); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *Gate) notify(ctx context.Context, req *domain.ApprovalRequest) {
	if g.notifier == nil {
		return
	}
	n := &ports.ApprovalNotification{
		ApprovalID: req.ID,
		RunID:      req.RunID,
		Pipeline:   req.Pipeline,
		Recipients: g.cfg.Recipients,
		Summary:    fmt.Sprintf("pipeline %s is waiting for approval at stage %s", req.Pipeline, req.Stage),
		ExpiresAt:  req.ExpiresAt,
	}
	if g.cfg.DecisionBaseURL != "" {
		n.DecisionURL = fmt.Sprintf("%s/api/approvals/%s", g.cfg.DecisionBaseURL, req.ID)
	}
	if err := g.notifier.Notify(ctx, n); err != nil {
		// The request stays persisted and decidable; delivery is
		// advisory only.
		g.logger.Warn("approval notification failed",
			slog.String("approval_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}
