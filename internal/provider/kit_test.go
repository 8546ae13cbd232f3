package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeProvider struct {
	name   string
	caps   Capabilities
	models []ModelRecord
	chunks []*Chunk
	err    error

	lastReq *Request
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) Capabilities() Capabilities { return f.caps }
func (f *fakeProvider) Models() []ModelRecord      { return f.models }

func (f *fakeProvider) StreamGenerate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastReq = req
	out := make(chan *Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func TestKitListModelRecords(t *testing.T) {
	kit := NewKit(
		&fakeProvider{name: "alpha", models: []ModelRecord{
			{ProviderModelID: "a-1", SupportsTools: true},
		}},
		&fakeProvider{name: "beta", caps: Capabilities{Vision: true}, models: []ModelRecord{
			{ProviderModelID: "b-1"},
		}},
	)
	records, err := kit.ListModelRecords(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
	if records[0].ID != "alpha/a-1" || records[0].Provider != "alpha" {
		t.Errorf("canonical id not stamped: %+v", records[0])
	}
	// Provider-level vision capability backfills the record.
	if !records[1].SupportsVision {
		t.Errorf("vision not inherited: %+v", records[1])
	}
}

func TestKitStreamGenerateUnknownProvider(t *testing.T) {
	kit := NewKit(&fakeProvider{name: "alpha"})
	if _, err := kit.StreamGenerate(context.Background(), &Request{Provider: "nope"}); err == nil {
		t.Fatal("want error for unknown provider")
	}
}

func TestKitGenerateDrainsStream(t *testing.T) {
	call := &ToolCall{ID: "call_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)}
	kit := NewKit(&fakeProvider{name: "alpha", chunks: []*Chunk{
		{Type: ChunkDelta, TextDelta: "hel"},
		{Type: ChunkDelta, TextDelta: "lo"},
		{Type: ChunkToolCall, Call: call},
		{Type: ChunkMessageEnd, FinishReason: "tool_use"},
	}})
	resp, err := kit.Generate(context.Background(), &Request{Provider: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" {
		t.Errorf("calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_use" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestKitGenerateSurfacesStreamError(t *testing.T) {
	kit := NewKit(&fakeProvider{name: "alpha", chunks: []*Chunk{
		{Type: ChunkDelta, TextDelta: "partial"},
		{Type: ChunkError, Err: errors.New("boom")},
	}})
	if _, err := kit.Generate(context.Background(), &Request{Provider: "alpha"}); err == nil {
		t.Fatal("want stream error")
	}
}
