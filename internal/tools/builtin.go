package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coderelay/agentd/internal/repocontext"
	"github.com/coderelay/agentd/internal/workspace"
	"github.com/coderelay/agentd/pkg/models"
)

// VerifyPolicy configures the verify tool. Empty Commands falls back to
// "make test".
type VerifyPolicy struct {
	Commands []string
}

// DefaultRegistry builds the builtin tool set scoped to a workspace.
func DefaultRegistry(workspacePath string, verify VerifyPolicy) *Registry {
	commands := verify.Commands
	if len(commands) == 0 {
		commands = []string{"make test"}
	}
	return NewRegistry(
		RepoTreeTool{Workspace: workspacePath, MaxFiles: 500},
		RepoMapTool{Workspace: workspacePath, MaxSymbols: 400},
		ReadFileTool{Workspace: workspacePath, MaxLines: 400},
		SearchTool{Workspace: workspacePath, MaxResults: 50},
		GitStatusTool{Workspace: workspacePath},
		ApplyPatchTool{Workspace: workspacePath},
		ShellTool{Workspace: workspacePath, Timeout: 30 * time.Minute},
		DiagramTool{Workspace: workspacePath},
		VerifyTool{Workspace: workspacePath, Commands: commands, Timeout: 30 * time.Minute},
	)
}

// RepoTreeTool lists workspace files as relative paths.
type RepoTreeTool struct {
	Workspace string
	MaxFiles  int
}

type repoTreeInput struct {
	MaxFiles int `json:"max_files,omitempty" jsonschema:"description=Cap on the number of files returned"`
}

func (t RepoTreeTool) Definition() Definition {
	return Definition{
		Name:        "repo_tree",
		Description: "List files in the workspace (relative paths).",
		Kind:        KindRead,
		Parameters:  schemaFor(&repoTreeInput{}),
	}
}

func (t RepoTreeTool) Invoke(ctx context.Context, call Call) (Result, error) {
	maxFiles := t.MaxFiles
	var input repoTreeInput
	_ = json.Unmarshal(call.Input, &input)
	if input.MaxFiles > 0 {
		maxFiles = input.MaxFiles
	}
	files, err := workspace.WalkFiles(t.Workspace, workspace.DefaultWalkOptions())
	if err != nil {
		return errorResult(call.ID, err), err
	}
	if maxFiles > 0 && len(files) > maxFiles {
		files = files[:maxFiles]
	}
	return textResult(call.ID, strings.Join(files, "\n")), nil
}

// RepoMapTool extracts top-level symbols from Go/Python/JS/TS files.
type RepoMapTool struct {
	Workspace  string
	MaxSymbols int
}

type repoMapInput struct {
	MaxSymbols int `json:"max_symbols,omitempty" jsonschema:"description=Cap on the number of symbols returned"`
}

func (t RepoMapTool) Definition() Definition {
	return Definition{
		Name:        "repo_map",
		Description: "List symbols in the repo (Go/Python/JS/TS).",
		Kind:        KindRead,
		Parameters:  schemaFor(&repoMapInput{}),
	}
}

func (t RepoMapTool) Invoke(ctx context.Context, call Call) (Result, error) {
	maxSymbols := t.MaxSymbols
	var input repoMapInput
	_ = json.Unmarshal(call.Input, &input)
	if input.MaxSymbols > 0 {
		maxSymbols = input.MaxSymbols
	}
	files, err := workspace.WalkFiles(t.Workspace, workspace.DefaultWalkOptions())
	if err != nil {
		return errorResult(call.ID, err), err
	}
	return textResult(call.ID, repocontext.BuildSymbolMap(t.Workspace, files, maxSymbols)), nil
}

// ReadFileTool reads a workspace file with an optional inclusive line
// range. Out-of-bounds ranges clamp to the file; the returned range is
// capped at MaxLines.
type ReadFileTool struct {
	Workspace string
	MaxLines  int
}

type readFileInput struct {
	Path      string `json:"path" jsonschema:"description=Workspace-relative file path"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to return (1-based, inclusive)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to return (inclusive)"`
}

func (t ReadFileTool) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace with optional line range.",
		Kind:        KindRead,
		Parameters:  schemaFor(&readFileInput{}),
	}
}

func (t ReadFileTool) Invoke(ctx context.Context, call Call) (Result, error) {
	var input readFileInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Result{ID: call.ID, OK: false, Error: "invalid input"}, err
	}
	abs, err := workspace.SafeJoin(t.Workspace, input.Path)
	if err != nil {
		return errorResult(call.ID, err), err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(call.ID, err), err
	}
	lines := strings.Split(string(b), "\n")
	start := 1
	if input.StartLine > 0 {
		start = input.StartLine
	}
	end := len(lines)
	if input.EndLine > 0 && input.EndLine < end {
		end = input.EndLine
	}
	if start > end {
		start = end
	}
	if t.MaxLines > 0 && end-start+1 > t.MaxLines {
		end = start + t.MaxLines - 1
		if end > len(lines) {
			end = len(lines)
		}
	}
	return textResult(call.ID, strings.Join(lines[start-1:end], "\n")), nil
}

// SearchTool performs substring search over workspace files.
type SearchTool struct {
	Workspace  string
	MaxResults int
}

type searchInput struct {
	Query      string `json:"query" jsonschema:"description=Substring to search for"`
	Glob       string `json:"glob,omitempty" jsonschema:"description=Filename glob filter"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (t SearchTool) Definition() Definition {
	return Definition{
		Name:        "search",
		Description: "Search for a substring in files.",
		Kind:        KindRead,
		Parameters:  schemaFor(&searchInput{}),
	}
}

func (t SearchTool) Invoke(ctx context.Context, call Call) (Result, error) {
	var input searchInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Result{ID: call.ID, OK: false, Error: "invalid input"}, err
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		err := errors.New("query required")
		return errorResult(call.ID, err), err
	}
	maxResults := t.MaxResults
	if input.MaxResults > 0 {
		maxResults = input.MaxResults
	}
	if maxResults <= 0 {
		maxResults = 50
	}
	files, err := workspace.WalkFiles(t.Workspace, workspace.DefaultWalkOptions())
	if err != nil {
		return errorResult(call.ID, err), err
	}
	var matches []string
	for _, rel := range files {
		if len(matches) >= maxResults {
			break
		}
		if input.Glob != "" {
			if ok, _ := filepath.Match(input.Glob, filepath.Base(rel)); !ok {
				continue
			}
		}
		b, err := os.ReadFile(filepath.Join(t.Workspace, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(b), "\n") {
			if strings.Contains(line, query) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxResults {
					break
				}
			}
		}
	}
	return textResult(call.ID, strings.Join(matches, "\n")), nil
}

// GitStatusTool reports porcelain status at the workspace root.
type GitStatusTool struct {
	Workspace string
}

func (t GitStatusTool) Definition() Definition {
	return Definition{
		Name:        "git_status",
		Description: "Return git status --porcelain for the workspace.",
		Kind:        KindRead,
		Parameters:  emptySchema(),
	}
}

func (t GitStatusTool) Invoke(ctx context.Context, call Call) (Result, error) {
	res, err := workspace.RunCommand(ctx, "git status --porcelain", workspace.ExecOptions{
		Dir:     t.Workspace,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return errorResult(call.ID, err), err
	}
	return textResult(call.ID, strings.TrimSpace(res.Stdout)), nil
}

// ApplyPatchTool applies a unified diff with git apply. Approval-gated.
type ApplyPatchTool struct {
	Workspace string
}

type applyPatchInput struct {
	Patch string `json:"patch" jsonschema:"description=Unified diff to apply"`
}

func (t ApplyPatchTool) Definition() Definition {
	return Definition{
		Name:             "apply_patch",
		Description:      "Apply a unified diff patch using git apply.",
		Kind:             KindWrite,
		RequiresApproval: true,
		Parameters:       schemaFor(&applyPatchInput{}),
	}
}

func (t ApplyPatchTool) Invoke(ctx context.Context, call Call) (Result, error) {
	var input applyPatchInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Result{ID: call.ID, OK: false, Error: "invalid input"}, err
	}
	res, err := workspace.ApplyUnifiedDiff(ctx, t.Workspace, input.Patch)
	out := toJSON(res)
	if err != nil {
		return Result{
			ID:    call.ID,
			OK:    false,
			Error: err.Error(),
			Parts: []models.MessagePart{{Type: "text", Text: out}},
		}, err
	}
	return textResult(call.ID, out), nil
}

// ShellTool runs an arbitrary shell command in the workspace.
// Approval-gated.
type ShellTool struct {
	Workspace string
	Timeout   time.Duration
}

type shellInput struct {
	Command        string `json:"command" jsonschema:"description=Shell command to run"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (t ShellTool) Definition() Definition {
	return Definition{
		Name:             "shell",
		Description:      "Run a shell command in the workspace.",
		Kind:             KindExec,
		RequiresApproval: true,
		Parameters:       schemaFor(&shellInput{}),
	}
}

func (t ShellTool) Invoke(ctx context.Context, call Call) (Result, error) {
	var input shellInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Result{ID: call.ID, OK: false, Error: "invalid input"}, err
	}
	timeout := t.Timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	res, err := workspace.RunCommand(ctx, input.Command, workspace.ExecOptions{
		Dir:     t.Workspace,
		Timeout: timeout,
	})
	out := toJSON(res)
	if err != nil {
		return Result{
			ID:    call.ID,
			OK:    false,
			Error: err.Error(),
			Parts: []models.MessagePart{{Type: "text", Text: out}},
		}, err
	}
	return textResult(call.ID, out), nil
}

// DiagramTool renders project diagrams via make. Approval-gated.
type DiagramTool struct {
	Workspace string
}

func (t DiagramTool) Definition() Definition {
	return Definition{
		Name:             "diagram",
		Description:      "Render diagrams using make diagrams.",
		Kind:             KindExec,
		RequiresApproval: true,
		Parameters:       emptySchema(),
	}
}

func (t DiagramTool) Invoke(ctx context.Context, call Call) (Result, error) {
	res, err := workspace.RunCommand(ctx, "make diagrams", workspace.ExecOptions{
		Dir:     t.Workspace,
		Timeout: 30 * time.Minute,
	})
	out := toJSON(res)
	if err != nil {
		return Result{
			ID:    call.ID,
			OK:    false,
			Error: err.Error(),
			Parts: []models.MessagePart{{Type: "text", Text: out}},
		}, err
	}
	return textResult(call.ID, out), nil
}

// VerifyTool runs the configured verification commands sequentially.
// ok only when every command succeeds; all outputs are returned either way.
type VerifyTool struct {
	Workspace string
	Commands  []string
	Timeout   time.Duration
}

func (t VerifyTool) Definition() Definition {
	return Definition{
		Name:        "verify",
		Description: "Run verification commands.",
		Kind:        KindExec,
		Parameters:  emptySchema(),
		// Runs only operator-configured commands; exempt from the exec
		// gate so auto-verify at convergence never waits on a human.
		AllowWithoutApproval: true,
	}
}

func (t VerifyTool) Invoke(ctx context.Context, call Call) (Result, error) {
	commands := t.Commands
	if len(commands) == 0 {
		commands = []string{"make test"}
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	results := make([]workspace.CmdResult, 0, len(commands))
	ok := true
	for _, cmd := range commands {
		res, err := workspace.RunCommand(ctx, cmd, workspace.ExecOptions{
			Dir:     t.Workspace,
			Timeout: timeout,
		})
		results = append(results, res)
		if err != nil {
			ok = false
		}
	}
	out := toJSON(results)
	if !ok {
		return Result{
			ID:    call.ID,
			OK:    false,
			Error: "verification failed",
			Parts: []models.MessagePart{{Type: "text", Text: out}},
		}, errors.New("verification failed")
	}
	return textResult(call.ID, out), nil
}
