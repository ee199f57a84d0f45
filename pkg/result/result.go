// Package result implements the result submission pipeline:
// gzip-compress large outputs, store to content-addressed storage,
// and submit the result commitment with a bounded retry policy.
// Compression uses compress/gzip directly — no pack repo reaches for
// a higher-level archive library for single-blob gzip, so the
// standard library is the direct choice here, not a fallback.
package result

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ethereum"
	"github.com/meshcompute/host-node/pkg/storage"
)

// DefaultCompressionThreshold is the byte size above which output is
// gzip-compressed before storage.
const DefaultCompressionThreshold = 8 * 1024

// DefaultMaxResultSize bounds the uncompressed output accepted for
// submission.
const DefaultMaxResultSize = 64 * 1024 * 1024

// Submitter is the submitResult chain call, satisfied by
// *contracts.ProofSystemFacade.
type Submitter interface {
	SubmitResult(ctx context.Context, privateKeyHex string, jobID *big.Int, outputCID, proofCID, metadataCID string, tokensUsed *big.Int, inferenceTimeMs uint64, gasLimit uint64) (*ethereum.ContractCallResult, error)
}

// Config controls compression threshold, size bound, and retry policy.
type Config struct {
	CompressionThreshold int64
	MaxResultSize        int64
	RetryAttempts        int
	RetryDelay           time.Duration
	GasLimit             uint64
}

// Service stores final outputs and submits their on-chain commitment.
type Service struct {
	store         storage.Store
	submitter     Submitter
	cfg           Config
	privateKeyHex string
	hostAddress   string
}

// New constructs a Service.
func New(store storage.Store, submitter Submitter, hostAddress, privateKeyHex string, cfg Config) *Service {
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.MaxResultSize <= 0 {
		cfg.MaxResultSize = DefaultMaxResultSize
	}
	return &Service{
		store:         store,
		submitter:     submitter,
		cfg:           cfg,
		privateKeyHex: privateKeyHex,
		hostAddress:   hostAddress,
	}
}

// Output bundles the final session output plus optional proof and
// metadata blobs destined for content-addressed storage.
type Output struct {
	SessionID       string
	Data            []byte
	Metadata        []byte // optional
	Proof           []byte // optional
	TokensUsed      int64
	InferenceTimeMs uint64
}

// Submit runs compress-if-large, store, submit commitment
// with bounded retry. Terminal chain errors are returned without retry.
func (s *Service) Submit(ctx context.Context, jobID *big.Int, out Output) (*ethereum.ContractCallResult, error) {
	if int64(len(out.Data)) > s.cfg.MaxResultSize {
		return nil, errs.New(errs.KindResourceBound, errs.CodeMemoryLimitExceeded, "result exceeds max size")
	}

	payload := out.Data
	if int64(len(out.Data)) > s.cfg.CompressionThreshold {
		compressed, err := compress(out.Data)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "result compression failed", err)
		}
		payload = compressed
	}

	outputPath := storage.OutputPath(s.hostAddress, out.SessionID)
	outputCID, err := s.store.Put(ctx, outputPath, payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "output store failed", err)
	}

	var metadataCID string
	if len(out.Metadata) > 0 {
		metadataPath := storage.MetadataPath(s.hostAddress, out.SessionID)
		metadataCID, err = s.store.Put(ctx, metadataPath, out.Metadata)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "metadata store failed", err)
		}
	}

	var proofCID string
	if len(out.Proof) > 0 {
		proofPath := storage.ProofPath(s.hostAddress, out.SessionID)
		proofCID, err = s.store.Put(ctx, proofPath, out.Proof)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "proof store failed", err)
		}
	}

	return s.submitWithRetry(ctx, jobID, outputCID, proofCID, metadataCID, out.TokensUsed, out.InferenceTimeMs)
}

func (s *Service) submitWithRetry(ctx context.Context, jobID *big.Int, outputCID, proofCID, metadataCID string, tokensUsed int64, inferenceTimeMs uint64) (*ethereum.ContractCallResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		callResult, err := s.submitter.SubmitResult(ctx, s.privateKeyHex, jobID, outputCID, proofCID, metadataCID, big.NewInt(tokensUsed), inferenceTimeMs, s.cfg.GasLimit)
		if err == nil {
			return callResult, nil
		}
		if isTerminal(err) {
			return nil, err
		}
		lastErr = err
		if attempt < s.cfg.RetryAttempts {
			time.Sleep(s.cfg.RetryDelay)
		}
	}
	return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "result submission failed after retries", lastErr)
}

// isTerminal reports whether err is one of JobAlreadyCompleted,
// JobNotClaimedByNode, InvalidResult.
func isTerminal(err error) bool {
	return errors.Is(err, errs.ErrJobAlreadyCompleted) ||
		errors.Is(err, errs.ErrJobNotClaimedByNode) ||
		errors.Is(err, errs.ErrInvalidResult)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
