package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
)

type approvalRow struct {
	ID              string         `db:"id"`
	RunID           string         `db:"run_id"`
	Pipeline        string         `db:"pipeline"`
	Stage           string         `db:"stage"`
	Artifact        sql.NullString `db:"artifact"`
	Status          string         `db:"status"`
	DecidedBy       sql.NullString `db:"decided_by"`
	DecidedAt       sql.NullTime   `db:"decided_at"`
	RejectionReason sql.NullString `db:"rejection_reason"`
	RequestedAt     time.Time      `db:"requested_at"`
	ExpiresAt       time.Time      `db:"expires_at"`
	Version         int64          `db:"version"`
}

func (r *approvalRow) toDomain() *domain.ApprovalRequest {
	req := &domain.ApprovalRequest{
		ID:              r.ID,
		RunID:           r.RunID,
		Pipeline:        r.Pipeline,
		Stage:           r.Stage,
		Status:          domain.ApprovalStatus(r.Status),
		DecidedBy:       r.DecidedBy.String,
		RejectionReason: r.RejectionReason.String,
		RequestedAt:     r.RequestedAt,
		ExpiresAt:       r.ExpiresAt,
		Version:         r.Version,
	}
	if r.Artifact.Valid && r.Artifact.String != "" {
		req.Artifact = json.RawMessage(r.Artifact.String)
	}
	if r.DecidedAt.Valid {
		t := r.DecidedAt.Time
		req.DecidedAt = &t
	}
	return req
}

func (s *Store) CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	req.Version = 1

	query := s.dialect.Rebind(`INSERT INTO approvals
(id, run_id, pipeline, stage, artifact, status, decided_by, decided_at, rejection_reason, requested_at, expires_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var decidedAt any
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.RunID, req.Pipeline, req.Stage, string(req.Artifact),
		string(req.Status), req.DecidedBy, decidedAt, req.RejectionReason,
		req.RequestedAt, req.ExpiresAt, req.Version)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	var row approvalRow
	query := s.dialect.Rebind(`SELECT * FROM approvals WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetPendingApprovalByRun(ctx context.Context, runID string) (*domain.ApprovalRequest, error) {
	var row approvalRow
	query := s.dialect.Rebind(`SELECT * FROM approvals WHERE run_id = ? AND status = ? ORDER BY requested_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, runID, string(domain.ApprovalPending)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	var decidedAt any
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}

	query := s.dialect.Rebind(`UPDATE approvals SET
status = ?, decided_by = ?, decided_at = ?, rejection_reason = ?, version = version + 1
WHERE id = ? AND version = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(req.Status), req.DecidedBy, decidedAt, req.RejectionReason,
		req.ID, req.Version)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetApproval(ctx, req.ID); getErr != nil {
			return getErr
		}
		return domain.ErrVersionConflict
	}

	req.Version++
	return nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	var rows []approvalRow
	query := s.dialect.Rebind(`SELECT * FROM approvals WHERE status = ? AND expires_at < ? ORDER BY expires_at`)
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.ApprovalPending), now); err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}

	result := make([]*domain.ApprovalRequest, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}
