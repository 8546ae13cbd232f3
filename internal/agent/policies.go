// Package agent holds the two executors: the one-shot spec-driven run
// executor and the interactive multi-turn session executor, plus plan
// and spec generation.
package agent

import (
	"github.com/coderelay/agentd/internal/tools"
)

// VerifyPolicy controls post-edit verification. When AutoVerify is set
// and a turn dirtied the workspace, the session executor synthesizes a
// verify tool call before declaring convergence.
type VerifyPolicy struct {
	AutoVerify   bool     `json:"auto_verify"`
	Commands     []string `json:"commands"`
	RequireClean bool     `json:"require_clean"`
}

// DefaultVerifyPolicy verifies with "make test" after dirty turns.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{
		AutoVerify: true,
		Commands:   []string{"make test"},
	}
}

// ApprovalPolicy widens the approval gate beyond per-tool flags: any
// tool whose kind or name is listed requires approval, unless the tool
// is explicitly allow-listed.
type ApprovalPolicy struct {
	RequireForKinds []tools.Kind `json:"require_for_kinds"`
	RequireForTools []string     `json:"require_for_tools"`
}

// DefaultApprovalPolicy gates every exec and write tool.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		RequireForKinds: []tools.Kind{tools.KindExec, tools.KindWrite},
	}
}

// requiresApproval applies the gate formula: an allow-listed tool never
// needs approval; otherwise the per-tool flag or a policy match gates
// it.
func requiresApproval(def tools.Definition, policy ApprovalPolicy) bool {
	if def.AllowWithoutApproval {
		return false
	}
	if def.RequiresApproval {
		return true
	}
	for _, kind := range policy.RequireForKinds {
		if def.Kind == kind {
			return true
		}
	}
	for _, name := range policy.RequireForTools {
		if def.Name == name {
			return true
		}
	}
	return false
}
