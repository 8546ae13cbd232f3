// Package provider is the LLM provider kit: a small set of streaming
// adapters behind one interface, plus model listing and policy-based
// resolution. Executors never talk to a vendor SDK directly.
package provider

import (
	"context"
	"encoding/json"
)

// Capabilities describes provider-level behavior the executors must
// adapt to.
type Capabilities struct {
	// NativeToolMessages is true when the provider accepts tool-role
	// messages interleaved with the assistant history. Providers without
	// it get tool output rewritten into assistant text upstream.
	NativeToolMessages bool
	Vision             bool
}

// ModelRecord describes one selectable model.
type ModelRecord struct {
	// ID is the canonical identifier, "<provider>/<model>".
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	ProviderModelID string  `json:"provider_model_id"`
	DisplayName     string  `json:"display_name"`
	ContextSize     int     `json:"context_size"`
	SupportsTools   bool    `json:"supports_tools"`
	SupportsVision  bool    `json:"supports_vision"`
	CostPerMTokUSD  float64 `json:"cost_per_mtok_usd,omitempty"`
}

// ContentPart is one piece of a message: text or an inline image.
type ContentPart struct {
	Type  string
	Text  string
	Image *ImageContent
}

// ImageContent carries inline image bytes.
type ImageContent struct {
	Base64    string
	MediaType string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolDefinition is the provider-facing view of a tool.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Message is one conversation entry in provider-neutral form. Tool-role
// messages carry the originating call id.
type Message struct {
	Role       string
	Content    []ContentPart
	ToolCallID string
	ToolCalls  []ToolCall
}

// Request is a single generation request.
type Request struct {
	Provider  string
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Response is the drained result of a generation.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// ChunkType discriminates streamed chunks.
type ChunkType string

const (
	ChunkDelta      ChunkType = "delta"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkMessageEnd ChunkType = "message_end"
	ChunkError      ChunkType = "error"
)

// Chunk is one streamed generation increment. Tool calls are emitted
// complete, after their input JSON has been fully accumulated.
type Chunk struct {
	Type         ChunkType
	TextDelta    string
	Call         *ToolCall
	FinishReason string
	Err          error
}

// Provider is one model backend. StreamGenerate returns immediately; the
// channel is closed when the stream ends or fails. Implementations must
// observe ctx cancellation.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Models() []ModelRecord
	StreamGenerate(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Text returns the concatenated text parts of a message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}
