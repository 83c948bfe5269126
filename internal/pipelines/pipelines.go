// Package pipelines declares the built-in pipeline graphs: which stages
// run in what order, where the approval gates sit, and which predicates
// block an edge.
package pipelines

import (
	"encoding/json"
	"fmt"

	"github.com/remedyops/conductor/internal/core/ports"
	"github.com/remedyops/conductor/internal/engine"
	"github.com/remedyops/conductor/internal/stages"
)

// IncidentConfig tunes the incident pipeline.
type IncidentConfig struct {
	// MinConfidence blocks remediation when the analysis is too
	// uncertain to act on automatically.
	MinConfidence float64
}

// Incident builds the incident remediation pipeline:
// analyze -> plan -> [approval] -> execute -> update ticket.
func Incident(model ports.ModelClient, runner stages.StepRunner, tickets stages.Ticketer, cfg IncidentConfig) *engine.Graph {
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.5
	}

	return engine.MustGraph("incident",
		engine.StageSpec{
			Stage: &stages.AnalyzeIncident{Model: model},
			Block: func(artifact json.RawMessage) (string, bool) {
				var analysis stages.IncidentAnalysis
				if err := json.Unmarshal(artifact, &analysis); err != nil {
					return fmt.Sprintf("unreadable analysis artifact: %v", err), true
				}
				if analysis.Confidence < minConfidence {
					return fmt.Sprintf("analysis confidence %.2f below threshold %.2f, manual triage required",
						analysis.Confidence, minConfidence), true
				}
				return "", false
			},
		},
		engine.StageSpec{
			Stage:           &stages.PlanRemediation{Model: model},
			RequireApproval: true,
		},
		engine.StageSpec{Stage: &stages.ExecuteRemediation{Runner: runner}},
		engine.StageSpec{Stage: &stages.UpdateTicket{Tickets: tickets}},
	)
}

// Diagram builds the architecture diagram pipeline:
// generate -> validate -> review -> [approval] -> publish. The review
// stage's critical findings block the gate from ever being offered.
func Diagram(model ports.ModelClient, publisher stages.DiagramPublisher) *engine.Graph {
	return engine.MustGraph("diagram",
		engine.StageSpec{Stage: &stages.GenerateDiagram{Model: model}},
		engine.StageSpec{Stage: &stages.ValidateDiagram{}},
		engine.StageSpec{
			Stage: &stages.ReviewDiagram{Model: model},
			Block: func(artifact json.RawMessage) (string, bool) {
				var review stages.DiagramReview
				if err := json.Unmarshal(artifact, &review); err != nil {
					return fmt.Sprintf("unreadable review artifact: %v", err), true
				}
				if review.HasCriticalIssues {
					return criticalFindingsReason(review), true
				}
				return "", false
			},
			RequireApproval: true,
		},
		engine.StageSpec{Stage: &stages.PublishDiagram{Publisher: publisher}},
	)
}

func criticalFindingsReason(review stages.DiagramReview) string {
	for _, f := range review.Findings {
		if f.Severity == "critical" {
			return fmt.Sprintf("review found critical issues: %s", f.Message)
		}
	}
	return "review found critical issues"
}
