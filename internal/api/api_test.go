package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/remedyops/conductor/internal/approval"
	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
	"github.com/remedyops/conductor/internal/engine"
	"github.com/remedyops/conductor/internal/events"
	"github.com/remedyops/conductor/internal/storage/memory"
)

type fixedStage struct {
	name     string
	artifact string
}

func (s *fixedStage) Name() string { return s.name }

func (s *fixedStage) Execute(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	if s.artifact == "" {
		return &ports.StageOutput{Artifact: in.Artifact}, nil
	}
	return &ports.StageOutput{Artifact: json.RawMessage(s.artifact)}, nil
}

type testAPI struct {
	store   *memory.Store
	handler *Handler
	router  *chi.Mux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	gate := approval.NewGate(store, nil, nil, approval.GateConfig{TTL: time.Hour})

	graph := engine.MustGraph("deploy",
		engine.StageSpec{Stage: &fixedStage{name: "plan", artifact: `{"plan":"ship it"}`}, RequireApproval: true},
		engine.StageSpec{Stage: &fixedStage{name: "apply"}},
	)
	eng, err := engine.New(engine.Config{
		Store:        store,
		Approvals:    gate,
		Publisher:    events.NewStorePublisher(store),
		StageTimeout: 5 * time.Second,
		RetryBackoff: time.Millisecond,
	}, graph)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}

	h := NewHandler(eng, store, approval.NewResumer(gate, eng, nil), nil)
	// Advance inline so tests observe final state without polling.
	h.background = func(ctx context.Context, fn func(ctx context.Context)) { fn(ctx) }

	r := chi.NewRouter()
	h.Mount(r)
	return &testAPI{store: store, handler: h, router: r}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) startParkedRun(t *testing.T) (runID, approvalID string) {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/runs", map[string]any{
		"pipeline": "deploy",
		"input":    map[string]string{"service": "checkout"},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /api/runs status = %d, body %s", rr.Code, rr.Body)
	}
	var run domain.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}

	req, err := a.store.GetPendingApprovalByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetPendingApprovalByRun() error = %v", err)
	}
	return run.ID, req.ID
}

func (a *testAPI) waitForStatus(t *testing.T, runID string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := a.store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if run.Status == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck at %q, want %q", run.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRunAcceptedAndParked(t *testing.T) {
	a := newTestAPI(t)
	runID, _ := a.startParkedRun(t)

	rr := a.do(t, http.MethodGet, "/api/runs/"+runID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET run status = %d", rr.Code)
	}
	var run domain.Run
	_ = json.Unmarshal(rr.Body.Bytes(), &run)
	if run.Status != domain.RunAwaitingApproval {
		t.Errorf("run Status = %q, want awaiting_approval", run.Status)
	}
	if len(run.Results) != 1 || run.Results[0].Stage != "plan" {
		t.Errorf("run Results = %+v, want plan only", run.Results)
	}
}

func TestStartRunValidation(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodPost, "/api/runs", map[string]any{"input": map[string]string{}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing pipeline status = %d, want 400", rr.Code)
	}

	rr = a.do(t, http.MethodPost, "/api/runs", map[string]any{"pipeline": "nope"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown pipeline status = %d, want 400", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, http.MethodGet, "/api/runs/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRunEvents(t *testing.T) {
	a := newTestAPI(t)
	runID, _ := a.startParkedRun(t)

	rr := a.do(t, http.MethodGet, "/api/runs/"+runID+"/events", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET events status = %d", rr.Code)
	}
	var payload struct {
		Events []domain.RunEvent `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(payload.Events) == 0 {
		t.Fatal("no events recorded for parked run")
	}
	if payload.Events[0].Type != domain.EventRunStarted {
		t.Errorf("first event = %q, want run_started", payload.Events[0].Type)
	}
	last := payload.Events[len(payload.Events)-1]
	if last.Type != domain.EventApprovalRequested {
		t.Errorf("last event = %q, want approval_requested", last.Type)
	}

	if rr := a.do(t, http.MethodGet, "/api/runs/missing/events", nil); rr.Code != http.StatusNotFound {
		t.Errorf("events for missing run status = %d, want 404", rr.Code)
	}
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	runID, approvalID := a.startParkedRun(t)

	rr := a.do(t, http.MethodGet, "/api/approvals/"+approvalID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET approval status = %d", rr.Code)
	}
	var req domain.ApprovalRequest
	_ = json.Unmarshal(rr.Body.Bytes(), &req)
	if req.Status != domain.ApprovalPending || req.RunID != runID {
		t.Errorf("approval = %+v, want pending for %s", req, runID)
	}

	rr = a.do(t, http.MethodPost, "/api/approvals/"+approvalID, approval.Decision{Approved: true, DecidedBy: "oncall"})
	if rr.Code != http.StatusOK {
		t.Fatalf("decide status = %d, body %s", rr.Code, rr.Body)
	}

	done := a.waitForStatus(t, runID, domain.RunCompleted)
	if len(done.Results) != 2 {
		t.Errorf("completed run Results = %d, want 2 stages", len(done.Results))
	}

	// Second decision conflicts.
	rr = a.do(t, http.MethodPost, "/api/approvals/"+approvalID, approval.Decision{Approved: false, DecidedBy: "other"})
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate decide status = %d, want 409", rr.Code)
	}
}

func TestDecideValidationAndNotFound(t *testing.T) {
	a := newTestAPI(t)
	_, approvalID := a.startParkedRun(t)

	rr := a.do(t, http.MethodPost, "/api/approvals/"+approvalID, map[string]any{"approved": true})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing decided_by status = %d, want 400", rr.Code)
	}

	rr = a.do(t, http.MethodPost, "/api/approvals/missing", approval.Decision{Approved: true, DecidedBy: "x"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown approval status = %d, want 404", rr.Code)
	}
}

func TestDecideExpiredReturnsGone(t *testing.T) {
	a := newTestAPI(t)
	_, approvalID := a.startParkedRun(t)

	ctx := context.Background()
	stored, _ := a.store.GetApproval(ctx, approvalID)
	backdated := *stored
	backdated.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := a.store.UpdateApproval(ctx, &backdated); err != nil {
		t.Fatalf("backdate approval: %v", err)
	}

	rr := a.do(t, http.MethodPost, "/api/approvals/"+approvalID, approval.Decision{Approved: true, DecidedBy: "late"})
	if rr.Code != http.StatusGone {
		t.Errorf("expired decide status = %d, want 410", rr.Code)
	}
}

func TestCancelRun(t *testing.T) {
	a := newTestAPI(t)
	runID, _ := a.startParkedRun(t)

	rr := a.do(t, http.MethodPost, "/api/runs/"+runID+"/cancel", map[string]string{"reason": "drill over"})
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rr.Code)
	}
	var run domain.Run
	_ = json.Unmarshal(rr.Body.Bytes(), &run)
	if run.Status != domain.RunFailed || run.FailureKind != domain.FailCancelled {
		t.Errorf("cancelled run = %q/%q, want failed/cancelled", run.Status, run.FailureKind)
	}
	if run.Error != "drill over" {
		t.Errorf("Error = %q, want the operator's reason", run.Error)
	}

	if rr := a.do(t, http.MethodPost, "/api/runs/missing/cancel", nil); rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing run status = %d, want 404", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}
