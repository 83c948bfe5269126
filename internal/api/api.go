// Package api exposes the orchestrator over HTTP: starting runs,
// reading their status and event stream, and deciding approvals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/remedyops/conductor/internal/approval"
	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
	"github.com/remedyops/conductor/internal/engine"
	"github.com/remedyops/conductor/internal/server"
)

// Handler serves the conductor API.
type Handler struct {
	engine  *engine.Engine
	store   ports.Store
	resumer *approval.Resumer
	logger  *slog.Logger

	// background runs a started run's advancement. Tests override it
	// to run inline.
	background func(ctx context.Context, fn func(ctx context.Context))
}

// NewHandler wires the API against the engine and store.
func NewHandler(eng *engine.Engine, store ports.Store, resumer *approval.Resumer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:  eng,
		store:   store,
		resumer: resumer,
		logger:  logger,
		background: func(ctx context.Context, fn func(ctx context.Context)) {
			go fn(context.WithoutCancel(ctx))
		},
	}
}

// Mount registers the API routes.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", h.startRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/events", h.runEvents)
		r.Post("/runs/{id}/cancel", h.cancelRun)
		r.Get("/approvals/{id}", h.getApproval)
		r.Post("/approvals/{id}", h.decideApproval)
	})
}

type startRunRequest struct {
	Pipeline string          `json:"pipeline"`
	Input    json.RawMessage `json:"input"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Pipeline == "" {
		writeError(w, http.StatusBadRequest, "pipeline is required")
		return
	}
	if _, ok := h.engine.Graph(req.Pipeline); !ok {
		writeError(w, http.StatusBadRequest, "unknown pipeline "+req.Pipeline)
		return
	}

	run, err := h.engine.Start(r.Context(), req.Pipeline, req.Input)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "start run failed")
		return
	}
	server.AddLogField(r.Context(), "run_id", run.ID)

	// The caller gets the accepted run immediately; stages execute in
	// the background and progress lands in storage.
	h.background(r.Context(), func(ctx context.Context) {
		if err := h.engine.Advance(ctx, run.ID); err != nil {
			h.logger.Error("advance run failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	})

	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ports.RunListOptions{
		Pipeline: q.Get("pipeline"),
		Status:   domain.RunStatus(q.Get("status")),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) runEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	events, err := h.store.ListRunEvents(r.Context(), id)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	if err := h.engine.Fail(r.Context(), id, domain.FailCancelled, reason); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "cancel run failed")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.resumer.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrApprovalNotFound) {
			writeError(w, http.StatusNotFound, "approval request not found")
			return
		}
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "load approval failed")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var d approval.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if d.DecidedBy == "" {
		writeError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	decided, err := h.resumer.Decide(r.Context(), id, d)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrApprovalNotFound):
			writeError(w, http.StatusNotFound, "approval request not found")
		case errors.Is(err, domain.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, "approval request already decided")
		case errors.Is(err, domain.ErrApprovalExpired):
			writeError(w, http.StatusGone, "approval request expired")
		default:
			server.AddError(r.Context(), err)
			writeError(w, http.StatusInternalServerError, "decide approval failed")
		}
		return
	}
	server.AddLogField(r.Context(), "run_id", decided.RunID)
	writeJSON(w, http.StatusOK, decided)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
