package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func invoke(t *testing.T, tool Tool, input string) (Result, error) {
	t.Helper()
	return tool.Invoke(context.Background(), Call{ID: "call_t", Name: tool.Definition().Name, Input: json.RawMessage(input)})
}

func numberedFile(n int) string {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		sb.WriteString("line")
		sb.WriteString(string(rune('0' + i%10)))
		if i < n {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func TestReadFileClamping(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "f.txt", "l1\nl2\nl3\nl4\nl5")
	tool := ReadFileTool{Workspace: ws, MaxLines: 400}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"whole file", `{"path":"f.txt"}`, "l1\nl2\nl3\nl4\nl5"},
		{"range", `{"path":"f.txt","start_line":2,"end_line":4}`, "l2\nl3\nl4"},
		{"zero start clamps to 1", `{"path":"f.txt","start_line":0,"end_line":2}`, "l1\nl2"},
		{"negative start clamps to 1", `{"path":"f.txt","start_line":-3,"end_line":2}`, "l1\nl2"},
		{"end beyond file clamps", `{"path":"f.txt","start_line":4,"end_line":99}`, "l4\nl5"},
		{"start beyond end collapses", `{"path":"f.txt","start_line":9,"end_line":3}`, "l3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := invoke(t, tool, tt.input)
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if got := res.Parts[0].Text; got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadFileMaxLinesCap(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "big.txt", numberedFile(100))
	tool := ReadFileTool{Workspace: ws, MaxLines: 10}
	res, err := invoke(t, tool, `{"path":"big.txt"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(res.Parts[0].Text, "\n") + 1; got != 10 {
		t.Errorf("returned %d lines, want 10", got)
	}
}

func TestReadFileEscapeRejected(t *testing.T) {
	ws := t.TempDir()
	tool := ReadFileTool{Workspace: ws, MaxLines: 400}
	res, err := invoke(t, tool, `{"path":"../outside.txt"}`)
	if err == nil {
		t.Fatal("want error for path escape")
	}
	if res.OK {
		t.Fatalf("result = %+v", res)
	}
}

func TestSearchTool(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "a.go", "package a\n// needle here\n")
	writeFile(t, ws, "b.txt", "needle\nneedle\n")
	tool := SearchTool{Workspace: ws, MaxResults: 50}

	res, err := invoke(t, tool, `{"query":"needle"}`)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(res.Parts[0].Text, "\n")
	if len(lines) != 3 {
		t.Fatalf("matches = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "a.go:2:") {
		t.Errorf("match format: %q", lines[0])
	}

	// Glob filter.
	res, _ = invoke(t, tool, `{"query":"needle","glob":"*.go"}`)
	if strings.Contains(res.Parts[0].Text, "b.txt") {
		t.Errorf("glob not applied: %q", res.Parts[0].Text)
	}

	// Result cap.
	res, _ = invoke(t, tool, `{"query":"needle","max_results":1}`)
	if got := strings.Count(strings.TrimSpace(res.Parts[0].Text), "\n") + 1; got != 1 {
		t.Errorf("cap not applied, %d results", got)
	}

	if _, err := invoke(t, tool, `{"query":"  "}`); err == nil {
		t.Error("blank query should fail")
	}
}

func TestRepoTreeTool(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "a.go", "package a\n")
	writeFile(t, ws, ".git/HEAD", "ref\n")
	tool := RepoTreeTool{Workspace: ws, MaxFiles: 500}
	res, err := invoke(t, tool, `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Parts[0].Text != "a.go" {
		t.Errorf("tree = %q", res.Parts[0].Text)
	}
}

func TestVerifyToolAggregates(t *testing.T) {
	ws := t.TempDir()
	tool := VerifyTool{Workspace: ws, Commands: []string{"true", "false", "echo done"}}
	res, err := invoke(t, tool, `{}`)
	if err == nil {
		t.Fatal("want error when any command fails")
	}
	if res.OK || res.Error != "verification failed" {
		t.Fatalf("result = %+v", res)
	}
	// All three commands ran and are reported.
	if got := strings.Count(res.Parts[0].Text, `"cmd"`); got != 3 {
		t.Errorf("reported %d commands, want 3:\n%s", got, res.Parts[0].Text)
	}

	ok := VerifyTool{Workspace: ws, Commands: []string{"true", "echo fine"}}
	res, err = invoke(t, ok, `{}`)
	if err != nil || !res.OK {
		t.Fatalf("all-pass verify failed: res=%+v err=%v", res, err)
	}
}

func TestDefaultRegistryToolSet(t *testing.T) {
	r := DefaultRegistry(t.TempDir(), VerifyPolicy{})
	want := []string{"apply_patch", "diagram", "git_status", "read_file", "repo_map", "repo_tree", "search", "shell", "verify"}
	defs := r.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("have %d tools, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
	// Approval posture.
	byName := map[string]Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	for _, gated := range []string{"apply_patch", "shell", "diagram"} {
		if !byName[gated].RequiresApproval {
			t.Errorf("%s should require approval", gated)
		}
	}
	for _, free := range []string{"read_file", "repo_tree", "verify", "git_status"} {
		if byName[free].RequiresApproval {
			t.Errorf("%s should not require approval", free)
		}
	}
	// verify is exec-kind but must stay free even under kind-based
	// approval policies, or auto-verify would stall on a human gate.
	if !byName["verify"].AllowWithoutApproval {
		t.Error("verify should be allow-listed")
	}
}
