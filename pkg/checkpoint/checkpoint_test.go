package checkpoint

import (
	"context"
	"math/big"
	"testing"

	"github.com/meshcompute/host-node/pkg/crypto/bls"
	"github.com/meshcompute/host-node/pkg/ethereum"
	"github.com/meshcompute/host-node/pkg/storage"
)

func TestRecordTokens_BelowThresholdDoesNotSubmit(t *testing.T) {
	store := storage.NewMock(0)
	sk, _, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	tr := New(store, nil, sk, "0xHost", "", Config{Threshold: 100})

	if err := tr.RecordTokens(context.Background(), "job-1", "sess-1", 50, []byte("partial"), big.NewInt(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tr.TokensGenerated("job-1"); got != 50 {
		t.Fatalf("expected 50 tokens tracked, got %d", got)
	}

	// Index should not have been written since threshold wasn't crossed.
	if _, err := store.Get(context.Background(), storage.CheckpointIndexPath("0xHost", "sess-1")); err == nil {
		t.Fatal("expected no checkpoint index to exist below threshold")
	}
}

func TestRecordTokens_CrossingThresholdPersistsDeltaAndIndex(t *testing.T) {
	store := storage.NewMock(0)
	sk, _, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	facade := newNoopProofSystemFacade(t)
	tr := New(store, facade, sk, "0xHost", "deadbeef", Config{Threshold: 100})

	if err := tr.RecordTokens(context.Background(), "job-1", "sess-1", 150, []byte("partial"), big.NewInt(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := store.Get(context.Background(), storage.CheckpointIndexPath("0xHost", "sess-1"))
	if err != nil {
		t.Fatalf("expected checkpoint index to be written: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty checkpoint index")
	}

	deltaPath := storage.CheckpointDeltaPath("0xHost", "sess-1", 0)
	if _, err := store.Get(context.Background(), deltaPath); err != nil {
		t.Fatalf("expected delta blob to be written: %v", err)
	}
}

func TestForceCheckpoint_NoopWhenNothingOutstanding(t *testing.T) {
	store := storage.NewMock(0)
	sk, _, _ := bls.GenerateKeyPair()
	tr := New(store, nil, sk, "0xHost", "", Config{Threshold: 100})

	if err := tr.ForceCheckpoint(context.Background(), "job-1", "sess-1", nil, big.NewInt(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get(context.Background(), storage.CheckpointIndexPath("0xHost", "sess-1")); err == nil {
		t.Fatal("expected no checkpoint index when nothing outstanding")
	}
}

func TestSubmitLocked_EntriesChainTokenRanges(t *testing.T) {
	store := storage.NewMock(0)
	sk, _, _ := bls.GenerateKeyPair()
	tr := New(store, newNoopProofSystemFacade(t), sk, "0xHost", "deadbeef", Config{Threshold: 10})

	if err := tr.RecordTokens(context.Background(), "job-1", "sess-1", 20, []byte("a"), big.NewInt(1)); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	if err := tr.RecordTokens(context.Background(), "job-1", "sess-1", 20, []byte("b"), big.NewInt(1)); err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}

	js := tr.stateFor("job-1")
	if len(js.index.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(js.index.Entries))
	}
	if js.index.Entries[0].TokensEnd != js.index.Entries[1].TokensStart {
		t.Fatalf("entries must chain: entry0.end=%d entry1.start=%d", js.index.Entries[0].TokensEnd, js.index.Entries[1].TokensStart)
	}
}

// newNoopProofSystemFacade builds a ProofSubmitter stub that never
// dials a chain.
func newNoopProofSystemFacade(t *testing.T) *noopFacade {
	t.Helper()
	return &noopFacade{}
}

// noopFacade stands in for the on-chain submission path in tests that
// only need to observe storage side effects; every SubmitCheckpoint call
// succeeds.
type noopFacade struct{}

func (f *noopFacade) SubmitCheckpoint(ctx context.Context, privateKeyHex string, jobID, tokensEnd *big.Int, proofBytes []byte, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return &ethereum.ContractCallResult{Success: true}, nil
}
