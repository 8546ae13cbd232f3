package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coderelay/agentd/internal/provider"
)

var errStream = errors.New("stream interrupted")

// scriptedProvider replays canned chunk scripts, one per StreamGenerate
// call, in order. When the scripts run out it streams an empty reply so
// loops converge instead of hanging.
type scriptedProvider struct {
	name   string
	caps   provider.Capabilities
	models []provider.ModelRecord

	mu       sync.Mutex
	scripts  [][]*provider.Chunk
	requests []*provider.Request
}

func newScriptedProvider(scripts ...[]*provider.Chunk) *scriptedProvider {
	return &scriptedProvider{
		name: "fake",
		caps: provider.Capabilities{NativeToolMessages: true, Vision: true},
		models: []provider.ModelRecord{
			{
				ProviderModelID: "test-model",
				DisplayName:     "Test Model",
				ContextSize:     8192,
				SupportsTools:   true,
				SupportsVision:  true,
			},
		},
		scripts: scripts,
	}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Capabilities() provider.Capabilities { return p.caps }

func (p *scriptedProvider) Models() []provider.ModelRecord { return p.models }

func (p *scriptedProvider) StreamGenerate(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script []*provider.Chunk
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	} else {
		script = []*provider.Chunk{{Type: provider.ChunkMessageEnd, FinishReason: "stop"}}
	}
	p.mu.Unlock()

	ch := make(chan *provider.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func deltaChunk(text string) *provider.Chunk {
	return &provider.Chunk{Type: provider.ChunkDelta, TextDelta: text}
}

func endChunk(reason string) *provider.Chunk {
	return &provider.Chunk{Type: provider.ChunkMessageEnd, FinishReason: reason}
}

func toolChunk(id, name, input string) *provider.Chunk {
	return &provider.Chunk{
		Type: provider.ChunkToolCall,
		Call: &provider.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)},
	}
}
