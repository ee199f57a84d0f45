package mockengine

import (
	"context"
	"testing"
)

func TestGenerateStream_EndsWithStopFinishReason(t *testing.T) {
	e := New(2)
	ch, err := e.GenerateStream(context.Background(), "hello there friend", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last string
	count := 0
	for chunk := range ch {
		count++
		last = chunk.FinishReason
	}
	if count == 0 {
		t.Fatal("expected at least one chunk")
	}
	if last != "stop" {
		t.Fatalf("expected final chunk to carry finish reason 'stop', got %q", last)
	}
}

func TestEmbed_DeterministicAndBounded(t *testing.T) {
	e := New(1)
	v1, err := e.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, _ := e.Embed(context.Background(), "same text")
	if len(v1) != 16 {
		t.Fatalf("expected 16-dim embedding, got %d", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("expected deterministic embedding, differed at %d", i)
		}
		if v1[i] < -1 || v1[i] > 1 {
			t.Fatalf("expected embedding component in [-1,1], got %f", v1[i])
		}
	}
}

func TestGenerateImage_ReturnsNonEmptyPlaceholder(t *testing.T) {
	e := New(1)
	data, err := e.GenerateImage(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty placeholder image bytes")
	}
}
