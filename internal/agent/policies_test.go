package agent

import (
	"testing"

	"github.com/coderelay/agentd/internal/tools"
)

func TestRequiresApproval(t *testing.T) {
	policy := DefaultApprovalPolicy()

	cases := []struct {
		name string
		def  tools.Definition
		want bool
	}{
		{
			name: "read tool passes",
			def:  tools.Definition{Name: "read_file", Kind: tools.KindRead},
			want: false,
		},
		{
			name: "exec kind gated by policy",
			def:  tools.Definition{Name: "shell", Kind: tools.KindExec},
			want: true,
		},
		{
			name: "write kind gated by policy",
			def:  tools.Definition{Name: "apply_patch", Kind: tools.KindWrite},
			want: true,
		},
		{
			name: "allow-list overrides everything",
			def: tools.Definition{
				Name:                 "verify",
				Kind:                 tools.KindExec,
				RequiresApproval:     true,
				AllowWithoutApproval: true,
			},
			want: false,
		},
		{
			name: "per-tool flag gates read tools too",
			def:  tools.Definition{Name: "fetch", Kind: tools.KindRead, RequiresApproval: true},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := requiresApproval(tc.def, policy); got != tc.want {
				t.Fatalf("requiresApproval(%s) = %v, want %v", tc.def.Name, got, tc.want)
			}
		})
	}
}

func TestRequiresApprovalByName(t *testing.T) {
	policy := ApprovalPolicy{RequireForTools: []string{"search"}}
	def := tools.Definition{Name: "search", Kind: tools.KindRead}
	if !requiresApproval(def, policy) {
		t.Fatal("expected name-listed tool to require approval")
	}
	if requiresApproval(tools.Definition{Name: "repo_tree", Kind: tools.KindRead}, policy) {
		t.Fatal("unlisted read tool should not require approval")
	}
}
