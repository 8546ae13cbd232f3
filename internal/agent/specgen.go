package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/provider"
)

// SpecGenerator drafts a spec.md from a free-form prompt, seeded with
// the workspace's AGENTS.md when present.
type SpecGenerator struct {
	Kit    *provider.Kit
	Router *provider.Router
	Policy config.ModelPolicy
}

// GenerateSpec returns markdown with front matter and the required
// heading set. When the model omits "# Goal" the deterministic fallback
// template is returned instead.
func (g *SpecGenerator) GenerateSpec(ctx context.Context, workspacePath, specName, prompt string) (string, error) {
	if g.Kit == nil {
		return "", errors.New("kit is nil")
	}
	model, err := resolveModel(ctx, g.Kit, g.Router, g.Policy)
	if err != nil {
		return "", err
	}
	agents, _ := os.ReadFile(filepath.Join(workspacePath, "AGENTS.md"))
	sys := buildSpecPrompt(specName, prompt, string(agents))

	out, err := g.Kit.Generate(ctx, &provider.Request{
		Provider: model.Provider,
		Model:    model.ProviderModelID,
		Messages: []provider.Message{provider.TextMessage("user", sys)},
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(out.Text)
	if content == "" {
		return "", errors.New("model returned empty spec")
	}
	if !strings.Contains(content, "# Goal") {
		content = fallbackSpec(specName, prompt)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content, nil
}

// resolveModel lists records and applies the policy; shared by both
// executors and the spec generator.
func resolveModel(ctx context.Context, kit *provider.Kit, router *provider.Router, policy config.ModelPolicy) (provider.ModelRecord, error) {
	records, err := kit.ListModelRecords(ctx)
	if err != nil {
		return provider.ModelRecord{}, err
	}
	if router == nil {
		router = &provider.Router{}
	}
	resolved, err := router.Resolve(records, provider.ResolutionRequest{
		Constraints: provider.Constraints{
			RequireTools:  policy.RequireTools,
			RequireVision: policy.RequireVision,
			MaxCostUSD:    policy.MaxCostUSD,
		},
		PreferredModels: policy.PreferredModels,
	})
	if err != nil {
		return provider.ModelRecord{}, err
	}
	return resolved.Primary, nil
}

func buildSpecPrompt(name, prompt, agents string) string {
	var b strings.Builder
	b.WriteString("You are an expert product/spec writer for a coding agent harness.\n")
	b.WriteString("Return ONLY markdown (no code fences, no commentary).\n")
	b.WriteString("Follow this exact structure:\n")
	b.WriteString("---\n")
	b.WriteString("name: " + name + "\n")
	b.WriteString("owner: you\n")
	b.WriteString("status: draft\n")
	b.WriteString("---\n\n")
	b.WriteString("# Goal\n\n")
	b.WriteString("<one paragraph goal>\n\n")
	b.WriteString("# Constraints / nuances\n\n")
	b.WriteString("- <bullets>\n\n")
	b.WriteString("# Acceptance tests\n\n")
	b.WriteString("- <bulleted, runnable checks>\n\n")
	b.WriteString("# Notes\n\n")
	b.WriteString("- <optional>\n\n")
	b.WriteString("USER PROMPT:\n")
	b.WriteString(prompt)
	b.WriteString("\n\n")
	if strings.TrimSpace(agents) != "" {
		b.WriteString("AGENTS.md:\n")
		b.WriteString(agents)
		b.WriteString("\n\n")
	}
	return b.String()
}

func fallbackSpec(name, prompt string) string {
	return fmt.Sprintf(`---
name: %s
owner: you
status: draft
---

# Goal

%s

# Constraints / nuances

- Follow repo conventions in AGENTS.md.

# Acceptance tests

- make test
`, name, strings.TrimSpace(prompt))
}
