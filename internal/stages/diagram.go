package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// DiagramRequest is the artifact a run of the diagram pipeline starts
// from.
type DiagramRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Provider    string `json:"provider"`
}

// DiagramDraft is the generated infrastructure code before validation.
type DiagramDraft struct {
	Request DiagramRequest `json:"request"`
	Code    string         `json:"code"`
}

// ValidatedDiagram carries the draft plus non-fatal validation notes.
type ValidatedDiagram struct {
	Draft    DiagramDraft `json:"draft"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Finding is one issue the review stage raised.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// DiagramReview is the review stage's output; HasCriticalIssues feeds
// the pipeline's gating predicate.
type DiagramReview struct {
	Validated         ValidatedDiagram `json:"validated"`
	Findings          []Finding        `json:"findings,omitempty"`
	HasCriticalIssues bool             `json:"has_critical_issues"`
}

// PublishedDiagram is the final artifact.
type PublishedDiagram struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// GenerateDiagram asks the model for infrastructure code matching the
// request.
type GenerateDiagram struct {
	Model ports.ModelClient
}

var _ ports.Stage = (*GenerateDiagram)(nil)

func (s *GenerateDiagram) Name() string { return "generate_diagram" }

func (s *GenerateDiagram) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var req DiagramRequest
	if err := json.Unmarshal(in.Artifact, &req); err != nil {
		return nil, domain.NewStageError("decode diagram request: %v", err)
	}
	if req.Description == "" {
		return nil, domain.NewStageError("diagram request has no description")
	}

	prompt := fmt.Sprintf(`You are a cloud architect. Generate Terraform for the architecture below, for provider %s. Respond with the code only, no prose.

Name: %s
Description: %s`,
		req.Provider, req.Name, req.Description)

	reply, err := s.Model.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	code := stripCodeFence(reply)
	if strings.TrimSpace(code) == "" {
		return nil, domain.NewStageError("model returned empty diagram code")
	}

	out, err := json.Marshal(DiagramDraft{Request: req, Code: code})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// ValidateDiagram runs structural checks on the generated code without
// calling any collaborator.
type ValidateDiagram struct{}

var _ ports.Stage = (*ValidateDiagram)(nil)

func (s *ValidateDiagram) Name() string { return "validate_diagram" }

func (s *ValidateDiagram) Execute(_ context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var draft DiagramDraft
	if err := json.Unmarshal(in.Artifact, &draft); err != nil {
		return nil, domain.NewStageError("decode diagram draft: %v", err)
	}

	code := draft.Code
	if strings.Count(code, "{") != strings.Count(code, "}") {
		return nil, domain.NewStageError("diagram code has unbalanced braces")
	}

	var warnings []string
	if !strings.Contains(code, "resource") && !strings.Contains(code, "module") {
		warnings = append(warnings, "code declares no resources or modules")
	}
	if draft.Request.Provider != "" && !strings.Contains(code, draft.Request.Provider) {
		warnings = append(warnings, fmt.Sprintf("code never mentions provider %s", draft.Request.Provider))
	}

	out, err := json.Marshal(ValidatedDiagram{Draft: draft, Warnings: warnings})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// ReviewDiagram asks the model to audit the validated code for security
// and cost problems.
type ReviewDiagram struct {
	Model ports.ModelClient
}

var _ ports.Stage = (*ReviewDiagram)(nil)

func (s *ReviewDiagram) Name() string { return "review_diagram" }

func (s *ReviewDiagram) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var validated ValidatedDiagram
	if err := json.Unmarshal(in.Artifact, &validated); err != nil {
		return nil, domain.NewStageError("decode validated diagram: %v", err)
	}

	prompt := fmt.Sprintf(`You are a cloud security reviewer. Audit this Terraform for security and cost issues and respond with JSON only, shaped as {"findings": [{"severity": "info"|"warning"|"critical", "message": string}], "has_critical_issues": boolean}.

%s`, validated.Draft.Code)

	reply, err := s.Model.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Findings          []Finding `json:"findings"`
		HasCriticalIssues bool      `json:"has_critical_issues"`
	}
	if err := json.Unmarshal(extractJSON(reply), &parsed); err != nil {
		return nil, domain.NewStageError("model review is not valid JSON: %v", err)
	}

	out, err := json.Marshal(DiagramReview{
		Validated:         validated,
		Findings:          parsed.Findings,
		HasCriticalIssues: parsed.HasCriticalIssues,
	})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// DiagramPublisher stores approved diagram code somewhere durable and
// returns its location.
type DiagramPublisher interface {
	PublishDiagram(ctx context.Context, name, code string) (string, error)
}

// PublishDiagram ships the approved code through the configured
// publisher.
type PublishDiagram struct {
	Publisher DiagramPublisher
}

var _ ports.Stage = (*PublishDiagram)(nil)

func (s *PublishDiagram) Name() string { return "publish_diagram" }

func (s *PublishDiagram) Execute(ctx context.Context, in *ports.StageInput) (*ports.StageOutput, error) {
	var review DiagramReview
	if err := json.Unmarshal(in.Artifact, &review); err != nil {
		return nil, domain.NewStageError("decode diagram review: %v", err)
	}

	name := review.Validated.Draft.Request.Name
	location := ""
	if s.Publisher != nil {
		loc, err := s.Publisher.PublishDiagram(ctx, name, review.Validated.Draft.Code)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("publish diagram %s: %w", name, err))
		}
		location = loc
	}

	out, err := json.Marshal(PublishedDiagram{Name: name, Location: location})
	if err != nil {
		return nil, err
	}
	return &ports.StageOutput{Artifact: out}, nil
}

// stripCodeFence removes a surrounding markdown fence from a model
// reply.
func stripCodeFence(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.Index(trimmed, "\n"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
