package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
)

type eventRow struct {
	Seq       int64          `db:"seq"`
	RunID     string         `db:"run_id"`
	Type      string         `db:"type"`
	Stage     sql.NullString `db:"stage"`
	Detail    sql.NullString `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}

func (s *Store) AppendRunEvent(ctx context.Context, ev *domain.RunEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := s.dialect.Rebind(`INSERT INTO run_events (run_id, type, stage, detail, created_at) VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, ev.RunID, string(ev.Type), ev.Stage, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	var rows []eventRow
	query := s.dialect.Rebind(`SELECT * FROM run_events WHERE run_id = ? ORDER BY seq`)
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}

	events := make([]*domain.RunEvent, 0, len(rows))
	for i := range rows {
		events = append(events, &domain.RunEvent{
			RunID:     rows[i].RunID,
			Type:      domain.EventType(rows[i].Type),
			Stage:     rows[i].Stage.String,
			Detail:    rows[i].Detail.String,
			CreatedAt: rows[i].CreatedAt,
		})
	}
	return events, nil
}
