// Package repocontext builds a lightweight prompting context for a
// workspace: guidance file, file tree, symbol map, and git status. It is
// deliberately fast and deterministic; no embeddings or indexes.
package repocontext

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coderelay/agentd/internal/workspace"
)

const (
	// MaxTreeFiles caps the file listing included in the bundle.
	MaxTreeFiles = 500
	// MaxSymbols caps the symbol map.
	MaxSymbols = 400
)

// Bundle is the gathered workspace context.
type Bundle struct {
	AgentsMD    string    `json:"agents_md,omitempty"`
	RepoTree    string    `json:"repo_tree,omitempty"`
	RepoMap     string    `json:"repo_map,omitempty"`
	GitStatus   string    `json:"git_status,omitempty"`
	Workspace   string    `json:"workspace,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Gather walks the workspace and assembles the bundle. AGENTS.md and git
// status are best effort; a missing file or non-repo workspace just leaves
// the field empty.
func Gather(ctx context.Context, workspacePath string) (Bundle, error) {
	b := Bundle{
		Workspace:   workspacePath,
		GeneratedAt: time.Now().UTC(),
	}

	if txt, err := os.ReadFile(filepath.Join(workspacePath, "AGENTS.md")); err == nil {
		b.AgentsMD = string(txt)
	}

	files, err := workspace.WalkFiles(workspacePath, workspace.DefaultWalkOptions())
	if err != nil {
		return b, err
	}

	tree := files
	if len(tree) > MaxTreeFiles {
		tree = tree[:MaxTreeFiles]
	}
	b.RepoTree = strings.Join(tree, "\n")

	b.RepoMap = BuildSymbolMap(workspacePath, files, MaxSymbols)

	if _, err := os.Stat(filepath.Join(workspacePath, ".git")); err == nil {
		res, _ := workspace.RunCommand(ctx, "git status --porcelain", workspace.ExecOptions{
			Dir:     workspacePath,
			Timeout: 10 * time.Second,
		})
		b.GitStatus = strings.TrimSpace(res.Stdout)
	}

	return b, nil
}
