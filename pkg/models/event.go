package models

import "time"

// Run event types. The first event appended to a run log is always
// EventRunCreated.
const (
	EventRunCreated      = "run_created"
	EventRunStarted      = "run_started"
	EventLog             = "log"
	EventSpecLoaded      = "spec_loaded"
	EventContextGathered = "context_gathered"
	EventPlanGenerated   = "plan_generated"
	EventStepStarted     = "step_started"
	EventStepCompleted   = "step_completed"
	EventStepFailed      = "step_failed"
	EventStepSkipped     = "step_skipped"
	EventCommandExecuted = "command_executed"
	EventPatchApplied    = "patch_applied"
	EventRunSucceeded    = "run_succeeded"
	EventRunFailed       = "run_failed"
	EventRunCanceled     = "run_canceled"
)

// Approval event types, shared by runs and sessions. Every
// approval_requested is resolved by exactly one granted/denied event, or
// superseded by cancellation.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalDenied    = "approval_denied"
)

// Session event types. The first event appended to a session log is always
// EventSessionCreated.
const (
	EventSessionCreated     = "session_created"
	EventMessageAdded       = "message_added"
	EventTurnStarted        = "turn_started"
	EventTurnCompleted      = "turn_completed"
	EventTurnFailed         = "turn_failed"
	EventModelResolved      = "model_resolved"
	EventModelOutputDelta   = "model_output_delta"
	EventModelOutputDone    = "model_output_completed"
	EventSpecPathSet        = "spec_path_set"
	EventSpecCreated        = "spec_created"
	EventToolCallStarted    = "tool_call_started"
	EventToolCallCompleted  = "tool_call_completed"
	EventToolCallSkipped    = "tool_call_skipped"
	EventSessionCanceled    = "session_canceled"
	EventSpecUpdated        = "spec_updated"
	EventSpecValidated      = "spec_validated"
	EventVerificationResult = "verification_result"
)

// Event is one append-only record in a run's event log. Events are stored
// as minified JSON, one per line.
type Event struct {
	TS      time.Time      `json:"ts"`
	RunID   string         `json:"run_id"`
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// SessionEvent is one append-only record in a session's event log.
type SessionEvent struct {
	TS        time.Time      `json:"ts"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
