package ports

import (
	"context"
	"time"

	"github.com/remedyops/conductor/internal/core/domain"
)

// EventPublisher emits run lifecycle events for external observers.
// Publishing is best-effort: a transition proceeds whether or not its
// event lands, and Publish must never block indefinitely.
type EventPublisher interface {
	Publish(ctx context.Context, ev *domain.RunEvent) error
}

// ApprovalNotification is handed to the notification collaborator when
// a run parks at a gate. Rendering (email, chat, HTML) happens on the
// other side of this boundary.
type ApprovalNotification struct {
	ApprovalID  string    `json:"approval_id"`
	RunID       string    `json:"run_id"`
	Pipeline    string    `json:"pipeline"`
	Recipients  []string  `json:"recipients"`
	Summary     string    `json:"summary"`
	DecisionURL string    `json:"decision_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Notifier delivers an approval notification. A delivery failure must
// not fail the gate's request path; the request stays persisted and
// decidable either way.
type Notifier interface {
	Notify(ctx context.Context, n *ApprovalNotification) error
}

// ModelClient is the opaque AI collaborator stages call. Prompt
// construction and response parsing live with the stage; the client
// only moves text.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
