package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// ApprovalRequester creates (or returns the existing) pending approval
// request for a run parked at a gate. Implemented by the approval gate;
// declared here so the engine does not depend on the approval package.
type ApprovalRequester interface {
	Request(ctx context.Context, run *domain.Run, stage string, artifact json.RawMessage) (*domain.ApprovalRequest, error)
}

// Config wires an Engine.
type Config struct {
	Store     ports.Store
	Approvals ApprovalRequester
	Publisher ports.EventPublisher
	Logger    *slog.Logger

	// StageTimeout bounds a single stage invocation attempt.
	StageTimeout time.Duration
	// Retries is the number of re-attempts after a transient failure.
	Retries int
	// RetryBackoff is the base delay between attempts; it doubles
	// each retry.
	RetryBackoff time.Duration
}

// Engine executes pipeline runs against registered graphs. Transitions
// for a single run are serialized by a per-run lock; runs for different
// inputs share nothing but the artifact store.
type Engine struct {
	graphs    map[string]*Graph
	store     ports.Store
	approvals ApprovalRequester
	publisher ports.EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer

	stageTimeout time.Duration
	retries      int
	retryBackoff time.Duration

	locks *runLocks
}

// New creates an engine for the given graphs.
func New(cfg Config, graphs ...*Graph) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if len(graphs) == 0 {
		return nil, fmt.Errorf("at least one pipeline graph required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stageTimeout := cfg.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = 60 * time.Second
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}

	e := &Engine{
		graphs:       make(map[string]*Graph, len(graphs)),
		store:        cfg.Store,
		approvals:    cfg.Approvals,
		publisher:    cfg.Publisher,
		logger:       logger,
		tracer:       otel.Tracer("conductor/engine"),
		stageTimeout: stageTimeout,
		retries:      cfg.Retries,
		retryBackoff: retryBackoff,
		locks:        newRunLocks(),
	}
	for _, g := range graphs {
		if _, dup := e.graphs[g.Name()]; dup {
			return nil, fmt.Errorf("duplicate pipeline graph %s", g.Name())
		}
		e.graphs[g.Name()] = g
	}
	return e, nil
}

// Graph returns the registered graph for a pipeline name.
func (e *Engine) Graph(pipeline string) (*Graph, bool) {
	g, ok := e.graphs[pipeline]
	return g, ok
}

// Start creates and persists a new run for the pipeline. It does not
// execute any stage; call Advance (typically from a goroutine) to make
// progress. Progress is observable through GetRun and the event stream.
func (e *Engine) Start(ctx context.Context, pipeline string, input json.RawMessage) (*domain.Run, error) {
	g, ok := e.graphs[pipeline]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %s", pipeline)
	}

	run := &domain.Run{
		ID:           uuid.New().String(),
		Pipeline:     pipeline,
		Input:        input,
		CurrentStage: g.First(),
		Status:       domain.RunRunning,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventRunStarted, Stage: run.CurrentStage})
	e.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("pipeline", pipeline),
	)
	return run.Clone(), nil
}

// GetRun returns a snapshot of the run's last persisted state.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Advance drives a run forward until it completes, fails, or parks at
// an approval gate. It is safe to call repeatedly and from callbacks:
// per-run locking guarantees transitions for the same run never
// interleave, and a terminal or parked run is left untouched.
func (e *Engine) Advance(ctx context.Context, runID string) error {
	unlock := e.locks.lock(runID)
	defer unlock()
	return e.advanceLocked(ctx, runID)
}

func (e *Engine) advanceLocked(ctx context.Context, runID string) error {
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunRunning {
			return nil
		}
		if run.CurrentStage == domain.StageDone {
			return e.completeRun(ctx, run)
		}

		g, ok := e.graphs[run.Pipeline]
		if !ok {
			return e.failRun(ctx, run, domain.FailStage, fmt.Sprintf("unknown pipeline %s", run.Pipeline))
		}
		n, ok := g.nodeFor(run.CurrentStage)
		if !ok {
			return e.failRun(ctx, run, domain.FailStage, fmt.Sprintf("unknown stage %s in pipeline %s", run.CurrentStage, run.Pipeline))
		}

		stageName := n.stage.Name()
		e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventStageStarted, Stage: stageName})

		startedAt := time.Now().UTC()
		output, err := e.invoke(ctx, run, n.stage)
		completedAt := time.Now().UTC()

		if err != nil {
			kind, msg := failureOf(err)
			run.AppendResult(domain.StageResult{
				Stage:       stageName,
				Success:     false,
				FailureKind: kind,
				FailureMsg:  msg,
				StartedAt:   startedAt,
				CompletedAt: completedAt,
			})
			e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventStageFailed, Stage: stageName, Detail: msg})
			return e.failRun(ctx, run, kind, msg)
		}

		run.AppendResult(domain.StageResult{
			Stage:       stageName,
			Success:     true,
			Output:      output.Artifact,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
		})
		e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventStageCompleted, Stage: stageName})

		if n.block != nil {
			if reason, blocked := n.block(output.Artifact); blocked {
				e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventRunBlocked, Stage: stageName, Detail: reason})
				return e.failRun(ctx, run, domain.FailBlockedByPolicy, reason)
			}
		}

		next, hasNext := g.next(stageName)
		if !hasNext {
			run.CurrentStage = domain.StageDone
			return e.completeRun(ctx, run)
		}

		if n.requireApproval {
			return e.parkRun(ctx, run, stageName, output.Artifact, next)
		}

		// Persist the advance before invoking the next stage, so a
		// crash between stages leaves a consistent, resumable state.
		run.CurrentStage = next
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("persist transition: %w", err)
		}
	}
}

// ResumeAfterApproval re-enters the run at the stage after its gate,
// with the approved request's parked artifact already recorded as the
// gate stage's output. It behaves like a normal stage-to-stage
// transition and may run in a different process than the one that
// parked the run.
func (e *Engine) ResumeAfterApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	unlock := e.locks.lock(req.RunID)
	defer unlock()

	run, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunAwaitingApproval {
		// Lost a race with another resume or a cancellation.
		return nil
	}

	g, ok := e.graphs[run.Pipeline]
	if !ok {
		return e.failRun(ctx, run, domain.FailStage, fmt.Sprintf("unknown pipeline %s", run.Pipeline))
	}
	next, hasNext := g.next(req.Stage)
	if !hasNext {
		return e.failRun(ctx, run, domain.FailStage, fmt.Sprintf("gate stage %s has no successor", req.Stage))
	}

	run.Status = domain.RunRunning
	run.CurrentStage = next
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}

	e.emit(ctx, &domain.RunEvent{
		RunID:  run.ID,
		Type:   domain.EventApprovalDecided,
		Stage:  req.Stage,
		Detail: fmt.Sprintf("approved by %s", req.DecidedBy),
	})
	e.logger.Info("run resumed after approval",
		slog.String("run_id", run.ID),
		slog.String("approval_id", req.ID),
		slog.String("next_stage", next),
	)

	return e.advanceLocked(ctx, run.ID)
}

// Fail forces the run into the failed terminal state. Used for external
// cancellation, approval rejection, and approval expiry. A run already
// terminal is left as is; the first valid transition wins.
func (e *Engine) Fail(ctx context.Context, runID string, kind domain.FailureKind, reason string) error {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return e.failRun(ctx, run, kind, reason)
}

func (e *Engine) completeRun(ctx context.Context, run *domain.Run) error {
	run.Status = domain.RunCompleted
	run.CurrentStage = domain.StageDone
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventRunCompleted})
	e.logger.Info("run completed",
		slog.String("run_id", run.ID),
		slog.String("pipeline", run.Pipeline),
		slog.Int("stages", len(run.Results)),
	)
	return nil
}

func (e *Engine) failRun(ctx context.Context, run *domain.Run, kind domain.FailureKind, reason string) error {
	run.Status = domain.RunFailed
	run.FailureKind = kind
	run.Error = reason
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}

	e.emit(ctx, &domain.RunEvent{RunID: run.ID, Type: domain.EventRunFailed, Detail: reason})
	e.logger.Warn("run failed",
		slog.String("run_id", run.ID),
		slog.String("pipeline", run.Pipeline),
		slog.String("kind", string(kind)),
		slog.String("reason", reason),
	)
	return nil
}

func (e *Engine) parkRun(ctx context.Context, run *domain.Run, gateStage string, artifact json.RawMessage, next string) error {
	if e.approvals == nil {
		return e.failRun(ctx, run, domain.FailStage, fmt.Sprintf("stage %s requires approval but no approval gate is configured", gateStage))
	}

	req, err := e.approvals.Request(ctx, run, gateStage, artifact)
	if err != nil {
		return e.failRun(ctx, run, domain.FailStage, fmt.Sprintf("request approval: %v", err))
	}

	run.Status = domain.RunAwaitingApproval
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("persist suspension: %w", err)
	}

	e.emit(ctx, &domain.RunEvent{
		RunID:  run.ID,
		Type:   domain.EventApprovalRequested,
		Stage:  gateStage,
		Detail: req.ID,
	})
	e.logger.Info("run awaiting approval",
		slog.String("run_id", run.ID),
		slog.String("approval_id", req.ID),
		slog.String("gate_stage", gateStage),
		slog.String("next_stage", next),
		slog.Time("expires_at", req.ExpiresAt),
	)

	// The call stack ends here; no goroutine waits for the decision.
	return nil
}

// invoke executes one stage with a bounded per-attempt timeout and a
// small number of retries for transient collaborator failures. Retries
// are invisible in the run's stage history unless they are exhausted.
func (e *Engine) invoke(ctx context.Context, run *domain.Run, stage ports.Stage) (*ports.StageOutput, error) {
	in := &ports.StageInput{
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		Artifact: run.LastArtifact(),
	}

	ctx, span := e.tracer.Start(ctx, "engine.stage",
		trace.WithAttributes(
			attribute.String("pipeline", run.Pipeline),
			attribute.String("stage", stage.Name()),
			attribute.String("run_id", run.ID),
		))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			backoff := e.retryBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, lastErr
			}
			e.logger.Debug("retrying stage",
				slog.String("run_id", run.ID),
				slog.String("stage", stage.Name()),
				slog.Int("attempt", attempt),
			)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
		output, err := stage.Execute(attemptCtx, in)
		cancel()

		if err == nil {
			if output == nil {
				return nil, fmt.Errorf("stage %s returned nil output", stage.Name())
			}
			return output, nil
		}

		lastErr = err
		if !domain.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// failureOf maps a stage invocation error onto the failure taxonomy.
func failureOf(err error) (domain.FailureKind, string) {
	var se *domain.StageError
	if errors.As(err, &se) {
		return se.Kind, se.Message
	}
	if domain.IsTransient(err) {
		return domain.FailStage, fmt.Sprintf("retries exhausted: %v", err)
	}
	return domain.FailStage, err.Error()
}

func (e *Engine) emit(ctx context.Context, ev *domain.RunEvent) {
	if e.publisher == nil {
		return
	}
	ev.CreatedAt = time.Now().UTC()
	if err := e.publisher.Publish(ctx, ev); err != nil {
		// Best-effort: an observer failure never blocks a transition.
		e.logger.Warn("event publish failed",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
