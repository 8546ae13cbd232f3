package workspace

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotGitRepo marks a patch attempt against a workspace without .git.
var ErrNotGitRepo = errors.New("workspace is not a git repository (.git not found)")

// PatchApplyResult reports a git-apply outcome, including the tool's
// stderr when the patch is rejected.
type PatchApplyResult struct {
	Applied bool   `json:"applied"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// ApplyUnifiedDiff applies a unified diff via `git apply`. Application is
// atomic from the caller's view: git apply rejects the whole diff on any
// hunk mismatch.
func ApplyUnifiedDiff(ctx context.Context, workspacePath, diff string) (PatchApplyResult, error) {
	if strings.TrimSpace(diff) == "" {
		return PatchApplyResult{}, errors.New("diff is empty")
	}
	workspacePath = filepath.Clean(workspacePath)
	if _, err := os.Stat(filepath.Join(workspacePath, ".git")); err != nil {
		return PatchApplyResult{}, ErrNotGitRepo
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "apply", "--whitespace=nowarn", "-")
	cmd.Dir = workspacePath
	cmd.Stdin = strings.NewReader(diff)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return PatchApplyResult{
			Applied: false,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}, err
	}
	return PatchApplyResult{
		Applied: true,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}, nil
}
