package domain

import "time"

// EventType labels a run lifecycle event.
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventRunBlocked        EventType = "run_blocked"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecided   EventType = "approval_decided"
	EventRunCompleted      EventType = "run_completed"
	EventRunFailed         EventType = "run_failed"
)

// RunEvent is one entry in a run's status event stream. Emission is
// best-effort: publishers must never block or fail a state transition.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
