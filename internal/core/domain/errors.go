package domain

import (
	"errors"
	"fmt"
)

// FailureKind categorizes terminal and retryable failures. Kinds other
// than FailTransient are recorded verbatim on the Run and surfaced to
// status readers; the orchestrator never swallows a terminal condition.
type FailureKind string

const (
	// FailTransient marks a retryable collaborator error, local to a
	// single stage invocation. It never escapes as a run failure unless
	// retries are exhausted, at which point it is recorded as a
	// stage failure.
	FailTransient FailureKind = "transient"
	// FailStage is a terminal stage failure with a structured reason.
	FailStage FailureKind = "stage_failure"
	// FailBlockedByPolicy means a gating predicate tripped. A designed
	// stop, not a bug.
	FailBlockedByPolicy FailureKind = "blocked_by_policy"
	// FailApprovalRejected is a human rejection. A valid business
	// outcome requiring manual follow-up, not a system failure.
	FailApprovalRejected FailureKind = "approval_rejected"
	// FailApprovalExpired means no decision arrived before the deadline.
	FailApprovalExpired FailureKind = "approval_expired"
	// FailCancelled marks an externally forced failed transition.
	FailCancelled FailureKind = "cancelled"
)

// StageError is the uniform failure signal a stage returns. Stages fail
// by returning one of these, never by producing a degraded result.
type StageError struct {
	Kind    FailureKind
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewStageError builds a terminal stage failure.
func NewStageError(format string, args ...any) *StageError {
	return &StageError{Kind: FailStage, Message: fmt.Sprintf(format, args...)}
}

// TransientError wraps a collaborator error the invoker may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable by the stage invoker.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Caller errors on the decide endpoint. These describe the decision call
// itself, not the run; a NotFound decide never fails a run.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrAlreadyDecided   = errors.New("approval request already decided")
	ErrApprovalExpired  = errors.New("approval request expired")

	// ErrVersionConflict is returned by stores when an update loses a
	// compare-and-swap race. First valid transition wins.
	ErrVersionConflict = errors.New("version conflict")
)
