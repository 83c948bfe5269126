package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// Sweeper expires pending approval requests that outlived their
// deadline and fails their parked runs. Expiry races decisions over the
// request's version; only the winning flip touches the run, so a run is
// never both resumed and expired.
type Sweeper struct {
	store    ports.ApprovalStore
	gate     *Gate
	driver   RunDriver
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewSweeper builds a sweeper ticking at the given interval.
func NewSweeper(store ports.ApprovalStore, gate *Gate, driver RunDriver, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		gate:     gate,
		driver:   driver,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("approval sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce expires everything past its deadline and returns how many
// requests this sweep actually flipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredPending(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}

	flipped := 0
	for _, req := range expired {
		won, err := s.gate.Expire(ctx, req)
		if err != nil {
			s.logger.Error("expire approval failed",
				slog.String("approval_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !won {
			// A decision or another sweep got there first.
			continue
		}
		flipped++

		reason := fmt.Sprintf("approval %s expired at %s with no decision", req.ID, req.ExpiresAt.Format(time.RFC3339))
		if err := s.driver.Fail(ctx, req.RunID, domain.FailApprovalExpired, reason); err != nil {
			s.logger.Error("fail expired run failed",
				slog.String("approval_id", req.ID),
				slog.String("run_id", req.RunID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("approval expired",
			slog.String("approval_id", req.ID),
			slog.String("run_id", req.RunID),
		)
	}
	return flipped, nil
}
