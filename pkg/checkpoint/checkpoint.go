// Package checkpoint implements the Token Tracker & Checkpointer of
// threshold-triggered delta-blob persistence, index
// append, host-key signing, and submission to the ProofSystem
// contract. Per-job serialization is grounded on
// pkg/batch processing idiom (one worker loop per logical unit,
// channel-gated); signing reuses pkg/crypto/bls unmodified.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/meshcompute/host-node/pkg/crypto/bls"
	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ethereum"
	"github.com/meshcompute/host-node/pkg/storage"
)

// DefaultThreshold is CHECKPOINT_THRESHOLD.
const DefaultThreshold = 100

// DomainCheckpoint is the BLS domain separation tag for checkpoint
// signatures.
const DomainCheckpoint = "MESHCOMPUTE_CHECKPOINT_V1"

// Entry is a CheckpointEntry: for all i,
// entry[i].TokensEnd == entry[i+1].TokensStart.
type Entry struct {
	Index          int       `json:"index"`
	TokensStart    int64     `json:"tokensStart"`
	TokensEnd      int64     `json:"tokensEnd"`
	Timestamp      time.Time `json:"timestamp"`
	SignatureHex   string    `json:"signatureHex"`
	DeltaCID       string    `json:"deltaCid"`
}

// Index is the ordered CheckpointIndex for one session plus the host's
// signature over the final state.
type Index struct {
	SessionID      string  `json:"sessionId"`
	Entries        []Entry `json:"entries"`
	FinalSignature string  `json:"finalSignature,omitempty"`
}

// deltaBlob is the serialized shape stored at the content-addressed
// delta path.
type deltaBlob struct {
	SessionID         string    `json:"sessionId"`
	Index             int       `json:"index"`
	PrevTokens        int64     `json:"prevTokens"`
	NewTokens         int64     `json:"newTokens"`
	Timestamp         time.Time `json:"timestamp"`
	PartialResultHash string    `json:"partialResultHash"`
}

// ProofSubmitter is the on-chain checkpoint submission call, satisfied
// by *contracts.ProofSystemFacade. Declared locally so tests can stub
// the chain call without dialing a client.
type ProofSubmitter interface {
	SubmitCheckpoint(ctx context.Context, privateKeyHex string, jobID, tokensEnd *big.Int, proofBytes []byte, gasLimit uint64) (*ethereum.ContractCallResult, error)
}

// jobState tracks per-job tracker state; access is serialized by the
// job's own mutex so submissions for one job never interleave.
type jobState struct {
	mu                   sync.Mutex
	tokensGenerated      int64
	lastCheckpointTokens int64
	index                Index
}

// Tracker drives threshold-triggered checkpointing across jobs. Each
// job_id has independent, strictly-serialized state; different jobs
// run concurrently.
type Tracker struct {
	store         storage.Store
	proofSystem   ProofSubmitter
	privateKey    *bls.PrivateKey
	hostAddress   string
	privateKeyHex string
	gasLimit      uint64
	threshold     int64
	retryAttempts int
	retryDelay    time.Duration

	mu   sync.Mutex
	jobs map[string]*jobState
}

// Config controls threshold and retry behavior.
type Config struct {
	Threshold     int64
	RetryAttempts int
	RetryDelay    time.Duration
	GasLimit      uint64
}

// New constructs a Tracker. privateKey signs checkpoint submissions;
// privateKeyHex is the host's chain wallet key for the on-chain call.
func New(store storage.Store, proofSystem ProofSubmitter, privateKey *bls.PrivateKey, hostAddress, privateKeyHex string, cfg Config) *Tracker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		store:         store,
		proofSystem:   proofSystem,
		privateKey:    privateKey,
		hostAddress:   hostAddress,
		privateKeyHex: privateKeyHex,
		gasLimit:      cfg.GasLimit,
		threshold:     threshold,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		jobs:          make(map[string]*jobState),
	}
}

func (t *Tracker) stateFor(jobID string) *jobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	js, ok := t.jobs[jobID]
	if !ok {
		js = &jobState{}
		t.jobs[jobID] = js
	}
	return js
}

// RecordTokens registers delta newly-generated tokens for jobID and,
// if the accumulated delta crosses the threshold, fires a checkpoint.
func (t *Tracker) RecordTokens(ctx context.Context, jobID, sessionID string, delta int64, partialResultHash []byte, jobIDBig *big.Int) error {
	js := t.stateFor(jobID)
	js.mu.Lock()
	defer js.mu.Unlock()

	js.tokensGenerated += delta
	if js.tokensGenerated-js.lastCheckpointTokens < t.threshold {
		return nil
	}
	return t.submitLocked(ctx, js, jobID, sessionID, partialResultHash, jobIDBig)
}

// ForceCheckpoint submits a checkpoint regardless of threshold, if any
// tokens are outstanding.
func (t *Tracker) ForceCheckpoint(ctx context.Context, jobID, sessionID string, partialResultHash []byte, jobIDBig *big.Int) error {
	js := t.stateFor(jobID)
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.tokensGenerated <= js.lastCheckpointTokens {
		return nil
	}
	return t.submitLocked(ctx, js, jobID, sessionID, partialResultHash, jobIDBig)
}

// submitLocked implements. Caller holds js.mu.
func (t *Tracker) submitLocked(ctx context.Context, js *jobState, jobID, sessionID string, partialResultHash []byte, jobIDBig *big.Int) error {
	prevTokens := js.lastCheckpointTokens
	if n := len(js.index.Entries); n > 0 {
		prevTokens = js.index.Entries[n-1].TokensEnd
	}
	newTokens := js.tokensGenerated
	index := len(js.index.Entries)

	// Step 1: serialize the delta blob.
	blob := deltaBlob{
		SessionID:         sessionID,
		Index:             index,
		PrevTokens:        prevTokens,
		NewTokens:         newTokens,
		Timestamp:         time.Now(),
		PartialResultHash: fmt.Sprintf("%x", partialResultHash),
	}
	blobBytes, err := json.Marshal(blob)
	if err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "delta blob marshal failed", err)
	}

	// Step 2: store at the canonical content-addressed path.
	deltaPath := storage.CheckpointDeltaPath(t.hostAddress, sessionID, index)
	deltaCID, err := t.store.Put(ctx, deltaPath, blobBytes)
	if err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "delta blob store failed", err)
	}

	// Step 4: sign (session_id, index, tokens_end, result_hash); the
	// signature bytes are the proof submitted on chain in step 5.
	resultHash := sha256.Sum256(partialResultHash)
	msg := bls.ComputeMessageHash(DomainCheckpoint, []byte(sessionID), []byte(fmt.Sprintf("%d", index)), []byte(fmt.Sprintf("%d", newTokens)), resultHash[:])
	sig := t.privateKey.Sign(msg[:])

	entry := Entry{
		Index:        index,
		TokensStart:  prevTokens,
		TokensEnd:    newTokens,
		Timestamp:    blob.Timestamp,
		SignatureHex: sig.Hex(),
		DeltaCID:     deltaCID,
	}

	// Step 3: append to the in-memory index and persist it.
	js.index.SessionID = sessionID
	js.index.Entries = append(js.index.Entries, entry)
	indexPath := storage.CheckpointIndexPath(t.hostAddress, sessionID)
	indexBytes, err := json.Marshal(js.index)
	if err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "checkpoint index marshal failed", err)
	}
	if _, err := t.store.Put(ctx, indexPath, indexBytes); err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "checkpoint index store failed", err)
	}

	// Step 5: submit on chain, retrying bounded attempts. On failure
	// the in-memory position is kept so downstream sees the true count.
	var lastErr error
	for attempt := 0; attempt <= t.retryAttempts; attempt++ {
		_, err := t.proofSystem.SubmitCheckpoint(ctx, t.privateKeyHex, jobIDBig, big.NewInt(newTokens), sig.Bytes(), t.gasLimit)
		if err == nil {
			js.lastCheckpointTokens = newTokens
			return nil
		}
		lastErr = err
		if attempt < t.retryAttempts {
			time.Sleep(t.retryDelay)
		}
	}
	return errs.Wrap(errs.KindTransient, errs.CodeInternal, "checkpoint submission failed after retries", lastErr)
}

// TokensGenerated returns the running token count for jobID.
func (t *Tracker) TokensGenerated(jobID string) int64 {
	js := t.stateFor(jobID)
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.tokensGenerated
}
