package events

import (
	"context"
	"errors"
	"testing"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/storage/memory"
)

func TestStorePublisherAppendsToStream(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	pub := NewStorePublisher(store)

	for _, typ := range []domain.EventType{domain.EventRunStarted, domain.EventStageStarted, domain.EventStageCompleted} {
		if err := pub.Publish(ctx, &domain.RunEvent{RunID: "r1", Type: typ}); err != nil {
			t.Fatalf("Publish(%s) error = %v", typ, err)
		}
	}

	got, err := store.ListRunEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListRunEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(got))
	}
	if got[0].Type != domain.EventRunStarted || got[2].Type != domain.EventStageCompleted {
		t.Errorf("event order = [%s ... %s], want run_started first and stage_completed last", got[0].Type, got[2].Type)
	}
}

type failingPublisher struct{ err error }

func (p *failingPublisher) Publish(context.Context, *domain.RunEvent) error { return p.err }

func TestFanoutTriesAllPublishers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	boom := errors.New("boom")

	f := Fanout{&failingPublisher{err: boom}, NewStorePublisher(store)}
	err := f.Publish(ctx, &domain.RunEvent{RunID: "r1", Type: domain.EventRunStarted})
	if !errors.Is(err, boom) {
		t.Fatalf("Publish() error = %v, want the first failure", err)
	}

	got, _ := store.ListRunEvents(ctx, "r1")
	if len(got) != 1 {
		t.Errorf("store publisher skipped after earlier failure: %d events", len(got))
	}
}
