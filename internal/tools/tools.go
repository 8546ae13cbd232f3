// Package tools defines the agent tool contract and the builtin tool set.
// Tools are workspace-scoped: every path in a tool input goes through
// workspace.SafeJoin, and execution respects the caller's context.
package tools

import (
	"context"
	"encoding/json"

	"github.com/coderelay/agentd/pkg/models"
)

// Kind classifies a tool's side-effect surface. Approval policies match on
// kind as well as name.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindExec    Kind = "exec"
	KindNetwork Kind = "network"
)

// Definition describes a tool to providers and to approval policies.
// Parameters is a JSON-schema-shaped object document.
type Definition struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Parameters           map[string]any `json:"parameters"`
	Kind                 Kind           `json:"kind"`
	RequiresApproval     bool           `json:"requires_approval,omitempty"`
	AllowWithoutApproval bool           `json:"allow_without_approval,omitempty"`
}

// Call is one tool invocation request from the model. Input is the raw
// JSON argument document.
type Call struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Result is the outcome of a tool invocation. Failures set OK=false and
// Error; Parts may still carry diagnostic output either way.
type Result struct {
	ID        string               `json:"id"`
	OK        bool                 `json:"ok"`
	Parts     []models.MessagePart `json:"parts,omitempty"`
	Artifacts []string             `json:"artifacts,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Tool is an executable capability exposed to the agent.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, call Call) (Result, error)
}

func textResult(id, text string) Result {
	return Result{
		ID:    id,
		OK:    true,
		Parts: []models.MessagePart{{Type: "text", Text: text}},
	}
}

func errorResult(id string, err error) Result {
	return Result{ID: id, OK: false, Error: err.Error()}
}

func toJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
