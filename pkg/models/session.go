package models

import "time"

// SessionStatus tracks an interactive session. Completed means the last
// turn finished and the session is idle, not closed; new messages reopen it.
type SessionStatus string

const (
	SessionActive          SessionStatus = "active"
	SessionWaitingApproval SessionStatus = "waiting_approval"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
	SessionCanceled        SessionStatus = "canceled"
)

// SessionMode selects the agent's operating profile. Spec mode adds the
// spec-authoring tools and an extra system prompt treating the spec as
// the primary artifact.
type SessionMode string

const (
	SessionModeChat SessionMode = "chat"
	SessionModeSpec SessionMode = "spec"
)

// TurnStatus tracks one user-initiated exchange within a session.
type TurnStatus string

const (
	TurnPending         TurnStatus = "pending"
	TurnRunning         TurnStatus = "running"
	TurnWaitingApproval TurnStatus = "waiting_approval"
	TurnSucceeded       TurnStatus = "succeeded"
	TurnFailed          TurnStatus = "failed"
)

// MessagePart is one piece of a message. Text parts carry inline content;
// other types reference stored attachments by relative path.
type MessagePart struct {
	Type     string `json:"type"` // text|image|audio|file
	Text     string `json:"text,omitempty"`
	Ref      string `json:"ref,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is a conversation entry. Tool-role messages set ToolCallID to
// bind the output to the assistant tool call that produced it.
type Message struct {
	ID         string        `json:"id"`
	Role       string        `json:"role"` // system|user|assistant|tool
	Parts      []MessagePart `json:"parts"`
	CreatedAt  time.Time     `json:"created_at"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message with a fresh ID.
func TextMessage(role, text string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Parts:     []MessagePart{{Type: "text", Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// Turn is one bounded agent reaction to a user message.
type Turn struct {
	ID          string     `json:"id"`
	Status      TurnStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Session is the head state of an interactive conversation.
type Session struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Status        SessionStatus `json:"status"`
	Mode          SessionMode   `json:"mode,omitempty"`
	WorkspacePath string        `json:"workspace_path"`
	SystemPrompt  string        `json:"system_prompt,omitempty"`
	SpecPath      string        `json:"spec_path,omitempty"`
	LastTurnID    string        `json:"last_turn_id,omitempty"`
	Messages      []Message     `json:"messages,omitempty"`
	Turns         []Turn        `json:"turns,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// TurnByID returns a pointer into Turns for in-place mutation, or nil.
func (s *Session) TurnByID(id string) *Turn {
	for i := range s.Turns {
		if s.Turns[i].ID == id {
			return &s.Turns[i]
		}
	}
	return nil
}

// ApprovalDecision resolves a pending approval gate.
type ApprovalDecision struct {
	Action string `json:"action"` // approve|deny
	Reason string `json:"reason,omitempty"`
}

// Approved reports whether the decision allows the gated action.
func (d ApprovalDecision) Approved() bool { return d.Action == "approve" }
