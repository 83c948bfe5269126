// Package memory provides an in-memory artifact store for tests and
// single-process development. All the version-check semantics of the
// SQL store apply, so engine behavior is identical across backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// Store is an in-memory implementation of ports.Store.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]*domain.Run
	approvals map[string]*domain.ApprovalRequest
	events    map[string][]*domain.RunEvent
}

var _ ports.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*domain.Run),
		approvals: make(map[string]*domain.ApprovalRequest),
		events:    make(map[string][]*domain.RunEvent),
	}
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return domain.ErrVersionConflict
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Version = 1
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[run.ID]
	if !exists {
		return domain.ErrRunNotFound
	}
	if stored.Version != run.Version {
		return domain.ErrVersionConflict
	}

	run.Version++
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.RunListOptions) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Run
	for _, run := range s.runs {
		if opts.Pipeline != "" && run.Pipeline != opts.Pipeline {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		result = append(result, run.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*domain.Run{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[req.ID]; exists {
		return domain.ErrVersionConflict
	}

	req.Version = 1
	cp := *req
	s.approvals[req.ID] = &cp
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.approvals[id]
	if !exists {
		return nil, domain.ErrApprovalNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *Store) GetPendingApprovalByRun(ctx context.Context, runID string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.approvals {
		if req.RunID == runID && req.Status == domain.ApprovalPending {
			cp := *req
			return &cp, nil
		}
	}
	return nil, domain.ErrApprovalNotFound
}

func (s *Store) UpdateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.approvals[req.ID]
	if !exists {
		return domain.ErrApprovalNotFound
	}
	if stored.Version != req.Version {
		return domain.ErrVersionConflict
	}

	req.Version++
	cp := *req
	s.approvals[req.ID] = &cp
	return nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ApprovalRequest
	for _, req := range s.approvals {
		if req.Status == domain.ApprovalPending && now.After(req.ExpiresAt) {
			cp := *req
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func (s *Store) AppendRunEvent(ctx context.Context, ev *domain.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	s.events[ev.RunID] = append(s.events[ev.RunID], &cp)
	return nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	result := make([]*domain.RunEvent, len(events))
	for i, ev := range events {
		cp := *ev
		result[i] = &cp
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
