package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coderelay/agentd/pkg/models"
)

// SpecReadTool returns the current spec file content.
type SpecReadTool struct {
	SpecPath string
}

func (t SpecReadTool) Definition() Definition {
	return Definition{
		Name:        "read_spec",
		Description: "Read the current spec.md content.",
		Kind:        KindRead,
		Parameters:  emptySchema(),
	}
}

func (t SpecReadTool) Invoke(ctx context.Context, call Call) (Result, error) {
	content, err := os.ReadFile(t.SpecPath)
	if err != nil {
		return Result{
			ID:    call.ID,
			OK:    false,
			Error: err.Error(),
			Parts: []models.MessagePart{{Type: "text", Text: "spec not found"}},
		}, err
	}
	return textResult(call.ID, string(content)), nil
}

// SpecWriteTool overwrites the spec file. It is a write tool but explicitly
// allowed without approval: spec editing is the whole point of spec mode,
// and it does not dirty the workspace's verification state.
type SpecWriteTool struct {
	SpecPath string
}

type specWriteInput struct {
	Content string `json:"content" jsonschema:"description=Full replacement spec content"`
}

func (t SpecWriteTool) Definition() Definition {
	return Definition{
		Name:                 "write_spec",
		Description:          "Overwrite spec.md with full content.",
		Kind:                 KindWrite,
		AllowWithoutApproval: true,
		Parameters:           schemaFor(&specWriteInput{}),
	}
}

func (t SpecWriteTool) Invoke(ctx context.Context, call Call) (Result, error) {
	var input specWriteInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Result{ID: call.ID, OK: false, Error: "invalid input"}, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		err := errors.New("content is empty")
		return errorResult(call.ID, err), err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.MkdirAll(filepath.Dir(t.SpecPath), 0o755); err != nil {
		return errorResult(call.ID, err), err
	}
	if err := os.WriteFile(t.SpecPath, []byte(content), 0o644); err != nil {
		return errorResult(call.ID, err), err
	}
	return textResult(call.ID, "spec written"), nil
}

// SpecValidateTool checks a spec for the required headings. With no
// content argument it validates the spec file on disk.
type SpecValidateTool struct {
	SpecPath string
}

type specValidateInput struct {
	Content string `json:"content,omitempty" jsonschema:"description=Spec content to validate; defaults to the spec file"`
}

func (t SpecValidateTool) Definition() Definition {
	return Definition{
		Name:        "validate_spec",
		Description: "Validate spec.md structure (Goal, Constraints, Acceptance tests).",
		Kind:        KindRead,
		Parameters:  schemaFor(&specValidateInput{}),
	}
}

func (t SpecValidateTool) Invoke(ctx context.Context, call Call) (Result, error) {
	var input specValidateInput
	_ = json.Unmarshal(call.Input, &input)

	content := strings.TrimSpace(input.Content)
	if content == "" {
		b, err := os.ReadFile(t.SpecPath)
		if err != nil {
			return errorResult(call.ID, err), err
		}
		content = string(b)
	}
	ok, problems := ValidateSpecContent(content)
	payload := map[string]any{
		"ok":       ok,
		"problems": problems,
	}
	text := fmt.Sprintf("ok=%v\n", ok)
	if len(problems) > 0 {
		text += strings.Join(problems, "\n")
	}
	return Result{
		ID:    call.ID,
		OK:    ok,
		Error: strings.Join(problems, "; "),
		Parts: []models.MessagePart{
			{Type: "text", Text: text},
			{Type: "text", Text: toJSON(payload)},
		},
	}, nil
}

// ValidateSpecContent checks for the three required headings in any order:
// one starting with "goal", one containing "constraint", one containing
// "acceptance" (all case-insensitive). Problems are returned in a fixed
// order.
func ValidateSpecContent(content string) (bool, []string) {
	hasGoal, hasConstraints, hasAcceptance := false, false, false

	for _, line := range strings.Split(content, "\n") {
		trim := strings.TrimSpace(line)
		if !strings.HasPrefix(trim, "#") {
			continue
		}
		title := strings.TrimSpace(strings.TrimLeft(trim, "#"))
		if title == "" {
			continue
		}
		lower := strings.ToLower(title)
		if strings.HasPrefix(lower, "goal") {
			hasGoal = true
		}
		if strings.Contains(lower, "constraint") {
			hasConstraints = true
		}
		if strings.Contains(lower, "acceptance") {
			hasAcceptance = true
		}
	}

	var problems []string
	if !hasGoal {
		problems = append(problems, "missing heading: # Goal")
	}
	if !hasConstraints {
		problems = append(problems, "missing heading: # Constraints / nuances")
	}
	if !hasAcceptance {
		problems = append(problems, "missing heading: # Acceptance tests")
	}
	return len(problems) == 0, problems
}

// AddSpecTools registers the three spec tools on top of an existing
// registry for spec-mode sessions.
func AddSpecTools(r *Registry, specPath string) {
	r.Add(SpecReadTool{SpecPath: specPath})
	r.Add(SpecWriteTool{SpecPath: specPath})
	r.Add(SpecValidateTool{SpecPath: specPath})
}
