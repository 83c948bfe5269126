// Package events provides run event publishers. The engine emits
// best-effort; publishers here decide where events land.
package events

import (
	"context"
	"log/slog"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// StorePublisher appends events to the run's persisted event stream, the
// one served to status readers.
type StorePublisher struct {
	store ports.EventStore
}

var _ ports.EventPublisher = (*StorePublisher)(nil)

func NewStorePublisher(store ports.EventStore) *StorePublisher {
	return &StorePublisher{store: store}
}

func (p *StorePublisher) Publish(ctx context.Context, ev *domain.RunEvent) error {
	return p.store.AppendRunEvent(ctx, ev)
}

// LogPublisher mirrors run events into the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

var _ ports.EventPublisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev *domain.RunEvent) error {
	attrs := []any{
		slog.String("run_id", ev.RunID),
		slog.String("event", string(ev.Type)),
	}
	if ev.Stage != "" {
		attrs = append(attrs, slog.String("stage", ev.Stage))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	p.logger.Info("run event", attrs...)
	return nil
}

// Fanout publishes to every wrapped publisher and returns the first
// error, after all have been tried.
type Fanout []ports.EventPublisher

var _ ports.EventPublisher = (Fanout)(nil)

func (f Fanout) Publish(ctx context.Context, ev *domain.RunEvent) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
