package result

import (
	"compress/gzip"
	"context"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ethereum"
	"github.com/meshcompute/host-node/pkg/storage"
)

type fakeSubmitter struct {
	calls   int
	err     error
	failN   int // fail this many times before succeeding
	lastErr error
}

func (f *fakeSubmitter) SubmitResult(ctx context.Context, privateKeyHex string, jobID *big.Int, outputCID, proofCID, metadataCID string, tokensUsed *big.Int, inferenceTimeMs uint64, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, f.lastErr
	}
	return &ethereum.ContractCallResult{Success: true}, nil
}

func TestSubmit_SmallOutputStoredUncompressed(t *testing.T) {
	store := storage.NewMock(0)
	sub := &fakeSubmitter{}
	svc := New(store, sub, "0xHost", "deadbeef", Config{})

	_, err := svc.Submit(context.Background(), big.NewInt(1), Output{SessionID: "sess-1", Data: []byte("small output")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := store.Get(context.Background(), storage.OutputPath("0xHost", "sess-1"))
	if err != nil {
		t.Fatalf("expected output stored: %v", err)
	}
	if string(raw) != "small output" {
		t.Fatalf("expected uncompressed payload, got %q", raw)
	}
}

func TestSubmit_LargeOutputCompressed(t *testing.T) {
	store := storage.NewMock(0)
	sub := &fakeSubmitter{}
	svc := New(store, sub, "0xHost", "deadbeef", Config{CompressionThreshold: 10})

	data := []byte(strings.Repeat("x", 1000))
	_, err := svc.Submit(context.Background(), big.NewInt(1), Output{SessionID: "sess-1", Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := store.Get(context.Background(), storage.OutputPath("0xHost", "sess-1"))
	if err != nil {
		t.Fatalf("expected output stored: %v", err)
	}
	gr, err := gzip.NewReader(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("expected gzip payload: %v", err)
	}
	decompressed, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decompressed) != string(data) {
		t.Fatal("decompressed payload does not match original")
	}
}

func TestSubmit_RejectsOversizedResult(t *testing.T) {
	store := storage.NewMock(0)
	sub := &fakeSubmitter{}
	svc := New(store, sub, "0xHost", "deadbeef", Config{MaxResultSize: 10})

	_, err := svc.Submit(context.Background(), big.NewInt(1), Output{SessionID: "sess-1", Data: []byte(strings.Repeat("x", 100))})
	if err == nil {
		t.Fatal("expected oversized result rejection")
	}
}

func TestSubmit_RetriesTransientThenSucceeds(t *testing.T) {
	store := storage.NewMock(0)
	sub := &fakeSubmitter{failN: 2, lastErr: errs.New(errs.KindTransient, errs.CodeInternal, "rpc timeout")}
	svc := New(store, sub, "0xHost", "deadbeef", Config{RetryAttempts: 3})

	_, err := svc.Submit(context.Background(), big.NewInt(1), Output{SessionID: "sess-1", Data: []byte("x")})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if sub.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", sub.calls)
	}
}

func TestSubmit_TerminalErrorNeverRetried(t *testing.T) {
	store := storage.NewMock(0)
	sub := &fakeSubmitter{failN: 99, lastErr: errs.ErrJobAlreadyCompleted}
	svc := New(store, sub, "0xHost", "deadbeef", Config{RetryAttempts: 5})

	_, err := svc.Submit(context.Background(), big.NewInt(1), Output{SessionID: "sess-1", Data: []byte("x")})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if sub.calls != 1 {
		t.Fatalf("expected exactly 1 call for a terminal error, got %d", sub.calls)
	}
}

func TestSubmit_StoresOptionalMetadataAndProof(t *testing.T) {
	store := storage.NewMock(0)
	sub := &fakeSubmitter{}
	svc := New(store, sub, "0xHost", "deadbeef", Config{})

	_, err := svc.Submit(context.Background(), big.NewInt(1), Output{
		SessionID: "sess-1",
		Data:      []byte("output"),
		Metadata:  []byte(`{"k":"v"}`),
		Proof:     []byte("proof-bytes"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get(context.Background(), storage.MetadataPath("0xHost", "sess-1")); err != nil {
		t.Fatalf("expected metadata stored: %v", err)
	}
	if _, err := store.Get(context.Background(), storage.ProofPath("0xHost", "sess-1")); err != nil {
		t.Fatalf("expected proof stored: %v", err)
	}
}
