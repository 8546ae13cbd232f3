package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI provider. A non-empty BaseURL
// points the same adapter at any OpenAI-compatible backend, which is how
// local models (Ollama's /v1 endpoint, llama.cpp server) are wired.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Name       string
	Models     []ModelRecord
	MaxRetries int
	RetryDelay time.Duration
}

// OpenAI implements Provider over the Chat Completions API.
type OpenAI struct {
	client     *openai.Client
	name       string
	models     []ModelRecord
	maxRetries int
	retryDelay time.Duration
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates the provider. With a BaseURL set the API key may be
// a placeholder (local backends ignore it).
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	models := cfg.Models
	if len(models) == 0 && name == "openai" {
		models = []ModelRecord{
			{ProviderModelID: "gpt-4o", DisplayName: "GPT-4o", ContextSize: 128000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 10},
			{ProviderModelID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextSize: 128000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 0.6},
			{ProviderModelID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", ContextSize: 128000, SupportsTools: true, SupportsVision: true, CostPerMTokUSD: 30},
		}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		name:       name,
		models:     models,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

func (p *OpenAI) Name() string { return p.name }

// Capabilities reports no native tool messages: histories that
// interleave tool-role output after assistant turns confuse these
// backends, so executors rewrite them to assistant text first.
func (p *OpenAI) Capabilities() Capabilities {
	return Capabilities{NativeToolMessages: false, Vision: p.name == "openai"}
}

func (p *OpenAI) Models() []ModelRecord {
	return p.models
}

// StreamGenerate opens a chat completion stream and converts its deltas
// into chunks. Tool calls arrive fragmented and are accumulated by
// index until the finish reason reports them complete.
func (p *OpenAI) StreamGenerate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryableError(lastErr) {
			return nil, fmt.Errorf("%s: %w", p.name, lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%s: max retries exceeded: %w", p.name, lastErr)
	}

	chunks := make(chan *Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	calls := map[int]*ToolCall{}
	order := []int{}
	emit := func(reason string) {
		for _, idx := range order {
			tc := calls[idx]
			if tc.ID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = []byte("{}")
				}
				chunks <- &Chunk{Type: ChunkToolCall, Call: tc}
			}
		}
		calls = map[int]*ToolCall{}
		order = order[:0]
		chunks <- &Chunk{Type: ChunkMessageEnd, FinishReason: reason}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Type: ChunkError, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emit("stop")
				return
			}
			chunks <- &Chunk{Type: ChunkError, Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &Chunk{Type: ChunkDelta, TextDelta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if calls[idx] == nil {
				calls[idx] = &ToolCall{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				calls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[idx].Input = append(calls[idx].Input, tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls || choice.FinishReason == openai.FinishReasonStop {
			emit(string(choice.FinishReason))
			return
		}
	}
}

func (p *OpenAI) convertMessages(req *Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			text := msg.Text()
			if strings.TrimSpace(text) == "" {
				text = "(no output)"
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    text,
				ToolCallID: msg.ToolCallID,
			})
		case "assistant":
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, out)
		default:
			if hasImages(msg) {
				var parts []openai.ChatMessagePart
				for _, part := range msg.Content {
					switch {
					case part.Type == "text" && part.Text != "":
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeText,
							Text: part.Text,
						})
					case part.Type == "image" && part.Image != nil:
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    "data:" + part.Image.MediaType + ";base64," + part.Image.Base64,
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:         msg.Role,
					MultiContent: parts,
				})
			} else {
				result = append(result, openai.ChatCompletionMessage{
					Role:    msg.Role,
					Content: msg.Text(),
				})
			}
		}
	}
	return result
}

func hasImages(msg Message) bool {
	for _, part := range msg.Content {
		if part.Type == "image" && part.Image != nil {
			return true
		}
	}
	return false
}

func convertOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
