package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coderelay/agentd/internal/provider"
	"github.com/coderelay/agentd/internal/repocontext"
	"github.com/coderelay/agentd/pkg/models"
)

// Plan is the ordered step list a run executes.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one planned action. Patch steps carry a unified diff.
type PlanStep struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Type          string `json:"type"`
	NeedsApproval bool   `json:"needs_approval"`
	Command       string `json:"command,omitempty"`
	Patch         string `json:"patch,omitempty"`
}

// DefaultPlan is the fallback when plan generation fails or the model
// returns something unparsable: run the tests, render diagrams.
func DefaultPlan() Plan {
	return Plan{
		Steps: []PlanStep{
			{
				ID:      models.NewStepID(),
				Title:   "Run unit tests",
				Type:    "command",
				Command: "make test",
			},
			{
				ID:      models.NewStepID(),
				Title:   "Render diagrams (best effort)",
				Type:    "command",
				Command: "make diagrams",
			},
		},
	}
}

// GeneratePlan asks the model for a JSON step list. Parse failures fall
// back to DefaultPlan without error; transport failures return the
// fallback plus the error so callers can decide.
func GeneratePlan(ctx context.Context, kit *provider.Kit, model provider.ModelRecord, specText string, bundle repocontext.Bundle) (Plan, error) {
	if kit == nil {
		return DefaultPlan(), errors.New("kit is nil")
	}
	prompt := buildPlanningPrompt(specText, bundle)

	out, err := kit.Generate(ctx, &provider.Request{
		Provider: model.Provider,
		Model:    model.ProviderModelID,
		Messages: []provider.Message{provider.TextMessage("user", prompt)},
	})
	if err != nil {
		return DefaultPlan(), err
	}

	p, err := parsePlanFromText(out.Text)
	if err != nil {
		return DefaultPlan(), nil
	}
	normalizePlan(&p)
	return p, nil
}

func buildPlanningPrompt(specText string, bundle repocontext.Bundle) string {
	var b strings.Builder
	b.WriteString("You are an expert coding-agent planner.\n")
	b.WriteString("Return JSON ONLY (no markdown, no code fences) with this exact schema:\n\n")
	b.WriteString(`{"steps":[{"id":"step_...","title":"...","type":"command|patch|diagram|note","needs_approval":true|false,"command":"...","patch":"..."}]}` + "\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use needs_approval=true for any destructive command or infra change.\n")
	b.WriteString("- Use type=patch with a unified diff in patch when you propose code edits.\n")
	b.WriteString("- Keep the step list short and executable.\n\n")
	b.WriteString("SPEC:\n")
	b.WriteString(specText)
	b.WriteString("\n\n")
	if bundle.AgentsMD != "" {
		b.WriteString("AGENTS.md:\n")
		b.WriteString(bundle.AgentsMD)
		b.WriteString("\n\n")
	}
	if bundle.RepoMap != "" {
		b.WriteString("REPO MAP (symbols):\n")
		b.WriteString(bundle.RepoMap)
		b.WriteString("\n\n")
	}
	if bundle.GitStatus != "" {
		b.WriteString("GIT STATUS:\n")
		b.WriteString(bundle.GitStatus)
		b.WriteString("\n\n")
	}
	return b.String()
}

// parsePlanFromText tolerates chatty model output: fences are stripped
// and the outermost JSON object extracted before unmarshalling.
func parsePlanFromText(s string) (Plan, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}

	var p Plan
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Plan{}, err
	}
	if len(p.Steps) == 0 {
		return Plan{}, fmt.Errorf("no steps in plan")
	}
	return p, nil
}

func normalizePlan(p *Plan) {
	for i := range p.Steps {
		if strings.TrimSpace(p.Steps[i].ID) == "" {
			p.Steps[i].ID = models.NewStepID()
		}
		if strings.TrimSpace(p.Steps[i].Type) == "" {
			p.Steps[i].Type = "note"
		}
		if strings.TrimSpace(p.Steps[i].Title) == "" {
			p.Steps[i].Title = p.Steps[i].Type
		}
	}
}
