// Package stages contains the concrete pipeline stages: incident
// remediation and architecture diagram generation. Stages are opaque to
// the engine; they consume the previous artifact and produce the next.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// IncidentInput is the artifact a run of the incident pipeline starts
// from.
type IncidentInput struct {
	TicketID    string `json:"ticket_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Service     string `json:"service"`
}

// IncidentAnalysis is the analyze stage's output.
type IncidentAnalysis struct {
	Incident   IncidentInput `json:"incident"`
	RootCause  string        `json:"root_cause"`
	Impact     string        `json:"impact"`
	Confidence float64       `json:"confidence"`
}

// RemediationPlan is the plan stage's output and the artifact a human
// approves before execution.
type RemediationPlan struct {
	Analysis         IncidentAnalysis `json:"analysis"`
	Steps            []string         `json:"steps"`
	Risk             string           `json:"risk"`
	EstimatedMinutes int              `json:"estimated_minutes"`
}

// ExecutionResult records what the execute stage actually did.
type ExecutionResult struct {
	Plan           RemediationPlan `json:"plan"`
	CompletedSteps []string        `json:"completed_steps"`
	Succeeded      bool            `json:"succeeded"`
	Notes          string          `json:"notes"`
}

// TicketUpdate is the final artifact: the comment written back to the
// ticketing system.
type TicketUpdate struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
	Comment  string `json:"comment"`
}

// AnalyzeIncident asks the model for a root cause assessment.
type AnalyzeIncident struct {
	Model ports.ModelClient
}

var _ ports.Stage = (*AnalyzeIncident)(nil)

func (s *AnalyzeIncident) Name() string { return "analyze_incident" }

func (s *AnalyzeIncident) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var incident IncidentInput
	if err := json.Unmarshal(in.Artifact, &incident); err != nil {
		return nil, domain.NewStageError("decode incident input: %v", err)
	}
	if incident.Title == "" && incident.Description == "" {
		return nil, domain.NewStageError("incident has no title or description")
	}

	prompt := fmt.Sprintf(`You are a site reliability engineer. Analyze this incident and respond with JSON only, shaped as {"root_cause": string, "impact": string, "confidence": number between 0 and 1}.

Ticket: %s
Title: %s
Severity: %s
Service: %s
Description: %s`,
		incident.TicketID, incident.Title, incident.Severity, incident.Service, incident.Description)

	reply, err := s.Model.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		RootCause  string  `json:"root_cause"`
		Impact     string  `json:"impact"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(extractJSON(reply), &parsed); err != nil {
		return nil, domain.NewStageError("model analysis is not valid JSON: %v", err)
	}
	if parsed.RootCause == "" {
		return nil, domain.NewStageError("model analysis has no root cause")
	}

	out, err := json.Marshal(IncidentAnalysis{
		Incident:   incident,
		RootCause:  parsed.RootCause,
		Impact:     parsed.Impact,
		Confidence: parsed.Confidence,
	})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// PlanRemediation turns the analysis into an ordered remediation plan.
type PlanRemediation struct {
	Model ports.ModelClient
}

var _ ports.Stage = (*PlanRemediation)(nil)

func (s *PlanRemediation) Name() string { return "plan_remediation" }

func (s *PlanRemediation) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var analysis IncidentAnalysis
	if err := json.Unmarshal(in.Artifact, &analysis); err != nil {
		return nil, domain.NewStageError("decode analysis: %v", err)
	}

	prompt := fmt.Sprintf(`You are a site reliability engineer. Produce a remediation plan for this incident and respond with JSON only, shaped as {"steps": [string], "risk": "low"|"medium"|"high", "estimated_minutes": number}.

Root cause: %s
Impact: %s
Service: %s`,
		analysis.RootCause, analysis.Impact, analysis.Incident.Service)

	reply, err := s.Model.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Steps            []string `json:"steps"`
		Risk             string   `json:"risk"`
		EstimatedMinutes int      `json:"estimated_minutes"`
	}
	if err := json.Unmarshal(extractJSON(reply), &parsed); err != nil {
		return nil, domain.NewStageError("model plan is not valid JSON: %v", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, domain.NewStageError("model plan has no steps")
	}

	out, err := json.Marshal(RemediationPlan{
		Analysis:         analysis,
		Steps:            parsed.Steps,
		Risk:             parsed.Risk,
		EstimatedMinutes: parsed.EstimatedMinutes,
	})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// StepRunner executes one remediation step against real infrastructure.
type StepRunner interface {
	RunStep(ctx context.Context, step string) error
}

// ExecuteRemediation walks the approved plan step by step. Steps after
// a failed one are not attempted.
type ExecuteRemediation struct {
	Runner StepRunner
}

var _ ports.Stage = (*ExecuteRemediation)(nil)

func (s *ExecuteRemediation) Name() string { return "execute_remediation" }

func (s *ExecuteRemediation) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var plan RemediationPlan
	if err := json.Unmarshal(in.Artifact, &plan); err != nil {
		return nil, domain.NewStageError("decode plan: %v", err)
	}
	if len(plan.Steps) == 0 {
		return nil, domain.NewStageError("plan has no steps to execute")
	}

	result := ExecutionResult{Plan: plan, Succeeded: true}
	for _, step := range plan.Steps {
		if s.Runner != nil {
			if err := s.Runner.RunStep(ctx, step); err != nil {
				result.Succeeded = false
				result.Notes = fmt.Sprintf("step %q failed: %v", step, err)
				break
			}
		}
		result.CompletedSteps = append(result.CompletedSteps, step)
	}
	if !result.Succeeded {
		return nil, domain.NewStageError("remediation aborted after %d of %d steps: %s",
			len(result.CompletedSteps), len(plan.Steps), result.Notes)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// Ticketer writes a resolution comment back to the ticketing system.
type Ticketer interface {
	AddComment(ctx context.Context, ticketID, comment string) error
}

// UpdateTicket closes the loop on the originating ticket.
type UpdateTicket struct {
	Tickets Ticketer
}

var _ ports.Stage = (*UpdateTicket)(nil)

func (s *UpdateTicket) Name() string { return "update_ticket" }

func (s *UpdateTicket) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var result ExecutionResult
	if err := json.Unmarshal(in.Artifact, &result); err != nil {
		return nil, domain.NewStageError("decode execution result: %v", err)
	}

	ticketID := result.Plan.Analysis.Incident.TicketID
	comment := fmt.Sprintf("Remediation completed: %d steps applied. Root cause: %s",
		len(result.CompletedSteps), result.Plan.Analysis.RootCause)

	if s.Tickets != nil && ticketID != "" {
		if err := s.Tickets.AddComment(ctx, ticketID, comment); err != nil {
			// Ticketing outages are retryable; the remediation itself
			// already happened.
			return nil, domain.Transient(fmt.Errorf("update ticket %s: %w", ticketID, err))
		}
	}

	out, err := json.Marshal(TicketUpdate{
		TicketID: ticketID,
		Status:   "resolved",
		Comment:  comment,
	})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// extractJSON pulls the outermost JSON object out of a model reply that
// may wrap it in prose or a code fence.
func extractJSON(reply string) json.RawMessage {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return json.RawMessage(reply)
	}
	return json.RawMessage(reply[start : end+1])
}
