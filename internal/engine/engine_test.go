package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
	"github.com/remedyops/conductor/internal/storage/memory"
)

// stubApprovals persists pending approval requests the way the real
// gate does, without notification plumbing.
type stubApprovals struct {
	store ports.Store
	ttl   time.Duration
	calls int
}

func (a *stubApprovals) Request(ctx context.Context, run *domain.Run, stage string, artifact json.RawMessage) (*domain.ApprovalRequest, error) {
	a.calls++
	if existing, err := a.store.GetPendingApprovalByRun(ctx, run.ID); err == nil {
		return existing, nil
	}
	now := time.Now().UTC()
	req := &domain.ApprovalRequest{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		Pipeline:    run.Pipeline,
		Stage:       stage,
		Artifact:    artifact,
		Status:      domain.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(a.ttl),
	}
	if err := a.store.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*domain.RunEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev *domain.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newTestEngine(t *testing.T, store ports.Store, graphs ...*Graph) (*Engine, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	e, err := New(Config{
		Store:        store,
		Approvals:    &stubApprovals{store: store, ttl: time.Hour},
		Publisher:    pub,
		StageTimeout: 5 * time.Second,
		Retries:      2,
		RetryBackoff: time.Millisecond,
	}, graphs...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, pub
}

func TestStartPersistsWithoutExecuting(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	executed := 0
	g := MustGraph("p", StageSpec{Stage: &namedStage{
		name: "only",
		fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			executed++
			return &ports.StageOutput{Artifact: in.Artifact}, nil
		},
	}})
	e, pub := newTestEngine(t, store, g)

	run, err := e.Start(ctx, "p", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if executed != 0 {
		t.Errorf("stage executed %d times during Start(), want 0", executed)
	}
	if run.Status != domain.RunRunning {
		t.Errorf("Status = %q, want %q", run.Status, domain.RunRunning)
	}
	if run.CurrentStage != "only" {
		t.Errorf("CurrentStage = %q, want only", run.CurrentStage)
	}

	stored, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("persisted Version = %d, want 1", stored.Version)
	}

	types := pub.types()
	if len(types) != 1 || types[0] != domain.EventRunStarted {
		t.Errorf("events = %v, want [run_started]", types)
	}
}

func TestStartUnknownPipeline(t *testing.T) {
	e, _ := newTestEngine(t, memory.New(), MustGraph("p", StageSpec{Stage: echoStage("a")}))
	if _, err := e.Start(context.Background(), "nope", nil); err == nil {
		t.Fatal("Start(nope) error = nil, want error")
	}
}

func TestAdvanceRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	appender := func(name string) *namedStage {
		return &namedStage{name: name, fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			var seen []string
			if err := json.Unmarshal(in.Artifact, &seen); err != nil {
				return nil, fmt.Errorf("decode artifact: %w", err)
			}
			out, err := json.Marshal(append(seen, name))
			if err != nil {
				return nil, err
			}
			return &ports.StageOutput{Artifact: out}, nil
		}}
	}
	g := MustGraph("chain",
		StageSpec{Stage: appender("first")},
		StageSpec{Stage: appender("second")},
		StageSpec{Stage: appender("third")},
	)
	e, pub := newTestEngine(t, store, g)

	run, err := e.Start(ctx, "chain", json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want %q (error: %s)", got.Status, domain.RunCompleted, got.Error)
	}
	if got.CurrentStage != domain.StageDone {
		t.Errorf("CurrentStage = %q, want %q", got.CurrentStage, domain.StageDone)
	}
	if len(got.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(got.Results))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got.Results[i].Stage != want || !got.Results[i].Success {
			t.Errorf("Results[%d] = %s success=%v, want %s success=true", i, got.Results[i].Stage, got.Results[i].Success, want)
		}
	}

	// Each stage saw its predecessor's output.
	var final []string
	if err := json.Unmarshal(got.LastArtifact(), &final); err != nil {
		t.Fatalf("decode final artifact: %v", err)
	}
	if len(final) != 3 || final[0] != "first" || final[2] != "third" {
		t.Errorf("final artifact = %v, want [first second third]", final)
	}

	types := pub.types()
	wantTypes := []domain.EventType{
		domain.EventRunStarted,
		domain.EventStageStarted, domain.EventStageCompleted,
		domain.EventStageStarted, domain.EventStageCompleted,
		domain.EventStageStarted, domain.EventStageCompleted,
		domain.EventRunCompleted,
	}
	if len(types) != len(wantTypes) {
		t.Fatalf("events = %v, want %v", types, wantTypes)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Errorf("events[%d] = %q, want %q", i, types[i], wantTypes[i])
		}
	}
}

func TestAdvancePersistsBeforeNextStage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var duringSecond *domain.Run
	g := MustGraph("p",
		StageSpec{Stage: echoStage("first")},
		StageSpec{Stage: &namedStage{name: "second", fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			snap, err := store.GetRun(ctx, in.RunID)
			if err != nil {
				return nil, err
			}
			duringSecond = snap
			return &ports.StageOutput{Artifact: in.Artifact}, nil
		}}},
	)
	e, _ := newTestEngine(t, store, g)

	run, err := e.Start(ctx, "p", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	// At the moment the second stage ran, the first stage's result and
	// the stage transition were already durable.
	if duringSecond == nil {
		t.Fatal("second stage never observed the store")
	}
	if duringSecond.CurrentStage != "second" {
		t.Errorf("persisted CurrentStage during second stage = %q, want second", duringSecond.CurrentStage)
	}
	if len(duringSecond.Results) != 1 || duringSecond.Results[0].Stage != "first" || !duringSecond.Results[0].Success {
		t.Errorf("persisted Results during second stage = %+v, want [first success]", duringSecond.Results)
	}
}

func TestStageFailureStopsRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	thirdRan := false
	g := MustGraph("p",
		StageSpec{Stage: echoStage("a")},
		StageSpec{Stage: &namedStage{name: "b", fn: func(context.Context, *ports.StageInput) (*ports.StageOutput, error) {
			return nil, domain.NewStageError("ticket lookup returned no rows")
		}}},
		StageSpec{Stage: &namedStage{name: "c", fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			thirdRan = true
			return &ports.StageOutput{Artifact: in.Artifact}, nil
		}}},
	)
	e, _ := newTestEngine(t, store, g)

	run, _ := e.Start(ctx, "p", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.FailureKind != domain.FailStage {
		t.Errorf("FailureKind = %q, want %q", got.FailureKind, domain.FailStage)
	}
	if !strings.Contains(got.Error, "ticket lookup") {
		t.Errorf("Error = %q, want the stage's message", got.Error)
	}
	if thirdRan {
		t.Error("stage after the failed one was invoked")
	}
	if len(got.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(got.Results))
	}
	if got.Results[0].Stage != "a" || !got.Results[0].Success {
		t.Errorf("Results[0] = %+v, want successful a", got.Results[0])
	}
	last := got.Results[1]
	if last.Stage != "b" || last.Success || last.FailureKind != domain.FailStage {
		t.Errorf("Results[1] = %+v, want failed b with stage_failure", last)
	}
}

func TestBlockedPredicateFailsBeforeNextStage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	nextRan := false
	g := MustGraph("p",
		StageSpec{
			Stage: &namedStage{name: "review", fn: func(context.Context, *ports.StageInput) (*ports.StageOutput, error) {
				return &ports.StageOutput{Artifact: json.RawMessage(`{"critical":true}`)}, nil
			}},
			Block: func(artifact json.RawMessage) (string, bool) {
				var v struct {
					Critical bool `json:"critical"`
				}
				_ = json.Unmarshal(artifact, &v)
				if v.Critical {
					return "critical findings present", true
				}
				return "", false
			},
		},
		StageSpec{Stage: &namedStage{name: "deploy", fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			nextRan = true
			return &ports.StageOutput{Artifact: in.Artifact}, nil
		}}},
	)
	e, pub := newTestEngine(t, store, g)

	run, _ := e.Start(ctx, "p", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunFailed || got.FailureKind != domain.FailBlockedByPolicy {
		t.Fatalf("Status/FailureKind = %q/%q, want failed/blocked_by_policy", got.Status, got.FailureKind)
	}
	if got.Error != "critical findings present" {
		t.Errorf("Error = %q, want the predicate's reason", got.Error)
	}
	if nextRan {
		t.Error("stage past the tripped predicate was invoked")
	}
	// The blocking stage itself succeeded; its result is kept.
	if len(got.Results) != 1 || !got.Results[0].Success {
		t.Errorf("Results = %+v, want one successful review result", got.Results)
	}

	sawBlocked := false
	for _, typ := range pub.types() {
		if typ == domain.EventRunBlocked {
			sawBlocked = true
		}
	}
	if !sawBlocked {
		t.Error("no run_blocked event emitted")
	}
}

func TestTransientFailureRetriesInvisibly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	attempts := 0
	g := MustGraph("p", StageSpec{Stage: &namedStage{name: "flaky", fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
		attempts++
		if attempts < 3 {
			return nil, domain.Transient(errors.New("upstream 503"))
		}
		return &ports.StageOutput{Artifact: in.Artifact}, nil
	}}})
	e, _ := newTestEngine(t, store, g)

	run, _ := e.Start(ctx, "p", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", got.Status, got.Error)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Retries leave no trace in the stage history.
	if len(got.Results) != 1 || !got.Results[0].Success {
		t.Errorf("Results = %+v, want a single successful result", got.Results)
	}
}

func TestTransientRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	attempts := 0
	g := MustGraph("p", StageSpec{Stage: &namedStage{name: "flaky", fn: func(context.Context, *ports.StageInput) (*ports.StageOutput, error) {
		attempts++
		return nil, domain.Transient(errors.New("upstream 503"))
	}}})
	e, _ := newTestEngine(t, store, g)

	run, _ := e.Start(ctx, "p", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunFailed || got.FailureKind != domain.FailStage {
		t.Fatalf("Status/FailureKind = %q/%q, want failed/stage_failure", got.Status, got.FailureKind)
	}
	if !strings.Contains(got.Error, "retries exhausted") {
		t.Errorf("Error = %q, want retries exhausted", got.Error)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func gatedGraph(afterGateRan *bool) *Graph {
	return MustGraph("gated",
		StageSpec{Stage: &namedStage{name: "plan", fn: func(context.Context, *ports.StageInput) (*ports.StageOutput, error) {
			return &ports.StageOutput{Artifact: json.RawMessage(`{"plan":"restart the service"}`)}, nil
		}}, RequireApproval: true},
		StageSpec{Stage: &namedStage{name: "execute", fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			if afterGateRan != nil {
				*afterGateRan = true
			}
			return &ports.StageOutput{Artifact: in.Artifact}, nil
		}}},
	)
}

func TestGateParksRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	executed := false
	e, pub := newTestEngine(t, store, gatedGraph(&executed))

	run, _ := e.Start(ctx, "gated", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunAwaitingApproval {
		t.Fatalf("Status = %q, want awaiting_approval", got.Status)
	}
	if executed {
		t.Error("stage behind the gate was invoked before a decision")
	}

	req, err := store.GetPendingApprovalByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetPendingApprovalByRun() error = %v", err)
	}
	if req.Stage != "plan" {
		t.Errorf("approval Stage = %q, want plan", req.Stage)
	}
	if !strings.Contains(string(req.Artifact), "restart the service") {
		t.Errorf("approval Artifact = %s, want the parked plan", req.Artifact)
	}

	// Advancing a parked run is a no-op.
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("second Advance() error = %v", err)
	}
	again, _ := store.GetRun(ctx, run.ID)
	if again.Status != domain.RunAwaitingApproval || len(again.Results) != 1 {
		t.Errorf("parked run changed on repeat Advance: status=%q results=%d", again.Status, len(again.Results))
	}

	sawRequested := false
	for _, typ := range pub.types() {
		if typ == domain.EventApprovalRequested {
			sawRequested = true
		}
	}
	if !sawRequested {
		t.Error("no approval_requested event emitted")
	}
}

func TestResumeAfterApprovalCompletesRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	executed := false
	e, _ := newTestEngine(t, store, gatedGraph(&executed))

	run, _ := e.Start(ctx, "gated", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	req, err := store.GetPendingApprovalByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetPendingApprovalByRun() error = %v", err)
	}

	req.Status = domain.ApprovalApproved
	req.DecidedBy = "oncall@example.com"
	if err := e.ResumeAfterApproval(ctx, req); err != nil {
		t.Fatalf("ResumeAfterApproval() error = %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", got.Status, got.Error)
	}
	if !executed {
		t.Error("stage behind the gate never ran after approval")
	}
	if len(got.Results) != 2 || got.Results[1].Stage != "execute" {
		t.Errorf("Results = %+v, want plan then execute", got.Results)
	}
}

func TestResumeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	e1, _ := newTestEngine(t, store, gatedGraph(nil))
	run, _ := e1.Start(ctx, "gated", json.RawMessage(`{}`))
	if err := e1.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	req, err := store.GetPendingApprovalByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetPendingApprovalByRun() error = %v", err)
	}

	// A fresh engine over the same store stands in for a new process:
	// nothing in memory carries over but the persisted state.
	executed := false
	e2, _ := newTestEngine(t, store, gatedGraph(&executed))
	req.Status = domain.ApprovalApproved
	req.DecidedBy = "oncall@example.com"
	if err := e2.ResumeAfterApproval(ctx, req); err != nil {
		t.Fatalf("ResumeAfterApproval() on new engine error = %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", got.Status, got.Error)
	}
	if !executed {
		t.Error("resumed stage never ran in the new engine")
	}
}

func TestResumeIgnoresNonParkedRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	e, _ := newTestEngine(t, store, MustGraph("p", StageSpec{Stage: echoStage("a")}))
	run, _ := e.Start(ctx, "p", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	req := &domain.ApprovalRequest{ID: "stale", RunID: run.ID, Stage: "a", Status: domain.ApprovalApproved}
	if err := e.ResumeAfterApproval(ctx, req); err != nil {
		t.Fatalf("ResumeAfterApproval() error = %v", err)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %q, completed run must not change on stale resume", got.Status)
	}
}

func TestFailCancelsParkedRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	e, _ := newTestEngine(t, store, gatedGraph(nil))
	run, _ := e.Start(ctx, "gated", json.RawMessage(`{}`))
	if err := e.Advance(ctx, run.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if err := e.Fail(ctx, run.ID, domain.FailApprovalRejected, "rejected by oncall: too risky"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunFailed || got.FailureKind != domain.FailApprovalRejected {
		t.Fatalf("Status/FailureKind = %q/%q, want failed/approval_rejected", got.Status, got.FailureKind)
	}

	// Terminal runs admit no further transitions.
	if err := e.Fail(ctx, run.ID, domain.FailCancelled, "cancel after the fact"); err != nil {
		t.Fatalf("second Fail() error = %v", err)
	}
	again, _ := store.GetRun(ctx, run.ID)
	if again.FailureKind != domain.FailApprovalRejected || again.Error != "rejected by oncall: too risky" {
		t.Errorf("terminal run changed: kind=%q error=%q", again.FailureKind, again.Error)
	}
}

func TestFailUnknownRun(t *testing.T) {
	e, _ := newTestEngine(t, memory.New(), MustGraph("p", StageSpec{Stage: echoStage("a")}))
	err := e.Fail(context.Background(), "missing", domain.FailCancelled, "x")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("Fail(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestConcurrentAdvanceSerializes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var mu sync.Mutex
	invocations := 0
	g := MustGraph("p",
		StageSpec{Stage: &namedStage{name: "a", fn: func(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return &ports.StageOutput{Artifact: in.Artifact}, nil
		}}},
		StageSpec{Stage: echoStage("b")},
	)
	e, _ := newTestEngine(t, store, g)

	run, _ := e.Start(ctx, "p", json.RawMessage(`{}`))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Advance(ctx, run.ID)
		}()
	}
	wg.Wait()

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", got.Status, got.Error)
	}
	if invocations != 1 {
		t.Errorf("first stage invoked %d times across concurrent Advance calls, want 1", invocations)
	}
	if len(got.Results) != 2 {
		t.Errorf("len(Results) = %d, want 2", len(got.Results))
	}
}
