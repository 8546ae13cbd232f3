package provider

import (
	"context"
	"fmt"
	"strings"
)

// Kit holds the configured providers and dispatches requests to them by
// name. Registration order is preserved for model listing.
type Kit struct {
	providers map[string]Provider
	order     []string
}

// NewKit builds a kit from the given providers. Nil entries are ignored;
// a later provider with the same name replaces the earlier one.
func NewKit(ps ...Provider) *Kit {
	k := &Kit{providers: map[string]Provider{}}
	for _, p := range ps {
		if p == nil {
			continue
		}
		name := p.Name()
		if _, ok := k.providers[name]; !ok {
			k.order = append(k.order, name)
		}
		k.providers[name] = p
	}
	return k
}

// Provider returns the named provider.
func (k *Kit) Provider(name string) (Provider, bool) {
	p, ok := k.providers[name]
	return p, ok
}

// ListModelRecords aggregates every provider's models, stamping the
// provider name and canonical id onto each record.
func (k *Kit) ListModelRecords(ctx context.Context) ([]ModelRecord, error) {
	var out []ModelRecord
	for _, name := range k.order {
		p := k.providers[name]
		caps := p.Capabilities()
		for _, rec := range p.Models() {
			rec.Provider = name
			if rec.ID == "" {
				rec.ID = name + "/" + rec.ProviderModelID
			}
			if !rec.SupportsVision {
				rec.SupportsVision = caps.Vision
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// StreamGenerate dispatches a streaming request to the named provider.
func (k *Kit) StreamGenerate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p, ok := k.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %q", req.Provider)
	}
	return p.StreamGenerate(ctx, req)
}

// Generate runs a request to completion and returns the drained result.
// Providers only implement streaming; this accumulates text and tool
// calls from the stream.
func (k *Kit) Generate(ctx context.Context, req *Request) (*Response, error) {
	stream, err := k.StreamGenerate(ctx, req)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	resp := &Response{}
	for chunk := range stream {
		switch chunk.Type {
		case ChunkDelta:
			text.WriteString(chunk.TextDelta)
		case ChunkToolCall:
			if chunk.Call != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.Call)
			}
		case ChunkMessageEnd:
			resp.FinishReason = chunk.FinishReason
		case ChunkError:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
		}
	}
	resp.Text = text.String()
	return resp, nil
}
