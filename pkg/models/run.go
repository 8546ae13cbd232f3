package models

import "time"

// RunStatus tracks a run through its lifecycle. Terminal states are
// Succeeded, Failed, and Canceled; no transitions leave a terminal state.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
	RunCanceled        RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// StepStatus tracks a single planned step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting_approval"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepType classifies what executing a step means.
type StepType string

const (
	StepTypePlan    StepType = "plan"
	StepTypeCommand StepType = "command"
	StepTypePatch   StepType = "patch"
	StepTypeDiagram StepType = "diagram"
	StepTypeNote    StepType = "note"
)

// Step is one unit of work in a run's plan. Command holds the shell
// command for command steps and is empty otherwise.
type Step struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Type          StepType   `json:"type"`
	NeedsApproval bool       `json:"needs_approval"`
	Command       string     `json:"command,omitempty"`
	Status        StepStatus `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Run is the head state of an autonomous spec-driven execution. It is
// persisted as pretty-printed JSON and reconstructable from the event log.
type Run struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Status        RunStatus `json:"status"`
	WorkspacePath string    `json:"workspace_path"`
	SpecPath      string    `json:"spec_path"`

	// ModelCanonical records the resolved model, informational only.
	ModelCanonical string `json:"model_canonical,omitempty"`

	Steps []Step `json:"steps,omitempty"`

	Error string `json:"error,omitempty"`
}

// StepByID returns a pointer into Steps for in-place mutation, or nil.
func (r *Run) StepByID(id string) *Step {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i]
		}
	}
	return nil
}
