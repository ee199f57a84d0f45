package orchestrator

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/meshcompute/host-node/pkg/session"
)

type fakeEngine struct {
	chunks     []TokenChunk
	embedVec   []float32
	imageBytes []byte
	ocrText    string
	descText   string
	err        error
}

func (f *fakeEngine) GenerateStream(ctx context.Context, prompt string, history []string) (<-chan TokenChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan TokenChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embedVec, f.err
}
func (f *fakeEngine) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	return f.imageBytes, f.err
}
func (f *fakeEngine) OCR(ctx context.Context, image []byte) (string, error) { return f.ocrText, f.err }
func (f *fakeEngine) DescribeImage(ctx context.Context, image []byte) (string, error) {
	return f.descText, f.err
}

type fakeTracker struct {
	recordCalls int
	forceCalls  int
}

func (f *fakeTracker) RecordTokens(ctx context.Context, jobID, sessionID string, delta int64, partialResultHash []byte, jobIDBig *big.Int) error {
	f.recordCalls++
	return nil
}

func (f *fakeTracker) ForceCheckpoint(ctx context.Context, jobID, sessionID string, partialResultHash []byte, jobIDBig *big.Int) error {
	f.forceCalls++
	return nil
}

func TestJobIDAsBig_EmptyIsAnonymous(t *testing.T) {
	if _, ok := jobIDAsBig(""); ok {
		t.Fatal("expected empty job id to be treated as anonymous")
	}
}

func TestJobIDAsBig_ParsesDecimal(t *testing.T) {
	n, ok := jobIDAsBig("42")
	if !ok || n.Int64() != 42 {
		t.Fatalf("expected 42, got %v ok=%v", n, ok)
	}
}

func TestJobIDAsBig_RejectsGarbage(t *testing.T) {
	if _, ok := jobIDAsBig("not-a-number"); ok {
		t.Fatal("expected garbage job id to fail parsing")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte("hello world")
	encoded := encodeBase64(data)
	decoded, err := decodeBase64(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(data) {
		t.Fatalf("round trip mismatch: got %q", decoded)
	}
}

func TestHandlers_RegistersAllActions(t *testing.T) {
	r := New(&fakeEngine{}, &fakeTracker{}, session.NewManager(nil, nil), nil)
	handlers := r.Handlers()
	want := []string{
		ActionGenerate, ActionEmbed, ActionGenerateImage, ActionOCR,
		ActionDescribeImage, ActionVectorAdd, ActionVectorSearch, ActionVectorDelete,
		ActionVectorLoad,
	}
	for _, action := range want {
		if _, ok := handlers[action]; !ok {
			t.Errorf("expected handler registered for action %q", action)
		}
	}
	if len(handlers) != len(want) {
		t.Fatalf("expected exactly %d handlers, got %d", len(want), len(handlers))
	}
}

func TestMarshalOrFail_EncodesValue(t *testing.T) {
	raw, wireErr := marshalOrFail(map[string]int{"a": 1})
	if wireErr != nil {
		t.Fatalf("unexpected wire error: %+v", wireErr)
	}
	var out map[string]int
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"] != 1 {
		t.Fatalf("expected a=1, got %v", out)
	}
}
