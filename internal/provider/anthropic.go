package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Anthropic implements Provider over the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var _ Provider = (*Anthropic)(nil)

// NewAnthropic creates the provider. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Capabilities() Capabilities {
	return Capabilities{NativeToolMessages: true, Vision: true}
}

func (p *Anthropic) Models() []ModelRecord {
	return []ModelRecord{
		{ProviderModelID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", ContextSize: 200000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 15},
		{ProviderModelID: "claude-opus-4-20250514", DisplayName: "Claude Opus 4", ContextSize: 200000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 75},
		{ProviderModelID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 15},
		{ProviderModelID: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", ContextSize: 200000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 1.25},
	}
}

// StreamGenerate opens a streaming Messages request and converts its SSE
// events into chunks. The returned channel is closed when the stream
// ends.
func (p *Anthropic) StreamGenerate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			if !retryableError(err) {
				chunks <- &Chunk{Type: ChunkError, Err: err}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &Chunk{Type: ChunkError, Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- &Chunk{Type: ChunkError, Err: fmt.Errorf("anthropic: max retries exceeded: %w", err)}
			return
		}
		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *Anthropic) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) {
	var currentCall *ToolCall
	var currentInput strings.Builder
	finishReason := ""

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Type: ChunkDelta, TextDelta: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentCall != nil {
				input := currentInput.String()
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				currentCall.Input = json.RawMessage(input)
				chunks <- &Chunk{Type: ChunkToolCall, Call: currentCall}
				currentCall = nil
			}
		case "message_delta":
			if sr := string(event.AsMessageDelta().Delta.StopReason); sr != "" {
				finishReason = sr
			}
		case "message_stop":
			chunks <- &Chunk{Type: ChunkMessageEnd, FinishReason: finishReason}
			return
		case "error":
			chunks <- &Chunk{Type: ChunkError, Err: errors.New("anthropic: stream error")}
			return
		}
	}
	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Type: ChunkError, Err: err}
	}
}

// convertMessages maps the neutral message list to Anthropic params.
// System messages are dropped here; they ride in params.System. Tool
// results become user-role tool_result blocks.
func (p *Anthropic) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == "tool" {
			text := msg.Text()
			if strings.TrimSpace(text) == "" {
				text = "(no output)"
			}
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, text, false))
		} else {
			for _, part := range msg.Content {
				switch part.Type {
				case "text":
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case "image":
					if part.Image != nil {
						content = append(content, anthropic.NewImageBlockBase64(part.Image.MediaType, part.Image.Base64))
					}
				}
			}
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *Anthropic) convertTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// retryableError classifies transient failures worth retrying: rate
// limits, server errors, and timeouts.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "529", "overloaded", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
