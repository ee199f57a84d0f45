package vectorloader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcompute/host-node/pkg/aead"
	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/storage"
)

// DefaultChunkParallelism bounds concurrent chunk fetches to a
// bounded-parallel degree (5 concurrent by default).
const DefaultChunkParallelism = 5

// bytesPerComponent is the f32 vector component width used by the
// memory pre-check.
const bytesPerComponent = 4

// memoryOverheadBytes is a fixed per-load overhead allowance.
const memoryOverheadBytes = 4096

// ProgressEventKind identifies a loader progress event.
type ProgressEventKind string

const (
	EventManifestDownloaded ProgressEventKind = "ManifestDownloaded"
	EventChunkDownloaded    ProgressEventKind = "ChunkDownloaded"
	EventComplete           ProgressEventKind = "Complete"
)

// ProgressEvent is emitted on the optional progress channel.
type ProgressEvent struct {
	Kind       ProgressEventKind
	ChunkID    int
	TotalChunks int
	Count       int
	DurationMs  int64
}

// RateLimiter gates download attempts against an optional windowed
// limit. Satisfied by *session.RateLimiter, which counts per fixed
// window, not a sliding one.
type RateLimiter interface {
	Allow(bucket string) error
}

// Loader loads encrypted vector databases from content-addressed
// storage.
type Loader struct {
	store        storage.Store
	limiter      RateLimiter
	parallelism  int
	memoryLimit  int64
	timeout      time.Duration
}

// Config controls the loader's guards.
type Config struct {
	Parallelism int
	MemoryLimit int64 // bytes; 0 means unbounded
	Timeout     time.Duration
	Limiter     RateLimiter // nil disables rate limiting
}

// New constructs a Loader over store with the given guards.
func New(store storage.Store, cfg Config) *Loader {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultChunkParallelism
	}
	return &Loader{
		store:       store,
		limiter:     cfg.Limiter,
		parallelism: parallelism,
		memoryLimit: cfg.MemoryLimit,
		timeout:     cfg.Timeout,
	}
}

// Result is the fully-loaded vector database: the manifest plus every
// decoded vector across all chunks.
type Result struct {
	Manifest *Manifest
	Vectors  []ChunkVector
}

// Load runs the seven-step flow: fetch+decrypt the
// manifest, verify ownership, memory pre-check, liveness check,
// internal-consistency check, bounded-parallel chunk fetch, progress
// events.
func (l *Loader) Load(ctx context.Context, manifestPath string, ownerAddress string, sessionKey [aead.KeySize]byte, progress chan<- ProgressEvent) (*Result, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	started := time.Now()

	if l.limiter != nil {
		if err := l.limiter.Allow("vectorloader:" + ownerAddress); err != nil {
			return nil, err
		}
	}

	// Step 1: fetch + decrypt manifest.
	rawManifest, err := l.store.Get(ctx, manifestPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "manifest fetch failed", err)
	}
	var env aead.Envelope
	if err := json.Unmarshal(rawManifest, &env); err != nil {
		return nil, errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "malformed manifest envelope", err)
	}
	plaintext, err := aead.Open(sessionKey, env)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeEncryptionFailed, "manifest decryption failed", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(plaintext, &manifest); err != nil {
		return nil, errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "malformed manifest", err)
	}

	emit(progress, ProgressEvent{Kind: EventManifestDownloaded})

	// Step 2: owner check, case-insensitive for backward compatibility.
	if !strings.EqualFold(manifest.Owner, ownerAddress) {
		return nil, errs.ErrOwnerMismatch
	}

	// Step 3: memory pre-check.
	estimated := int64(manifest.VectorCount)*int64(manifest.Dimensions)*bytesPerComponent + memoryOverheadBytes
	if l.memoryLimit > 0 && estimated > l.memoryLimit {
		return nil, errs.ErrMemoryLimitExceeded
	}

	// Step 4: liveness.
	if manifest.Deleted {
		return nil, errs.New(errs.KindValidation, errs.CodeValidationFailed, "manifest deleted")
	}

	// Step 5: internal consistency.
	if err := manifest.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "manifest inconsistent", err)
	}

	// Step 6: bounded-parallel chunk fetch.
	vectors, err := l.loadChunks(ctx, &manifest, sessionKey, progress)
	if err != nil {
		return nil, err
	}

	emit(progress, ProgressEvent{
		Kind:       EventComplete,
		Count:      len(vectors),
		DurationMs: time.Since(started).Milliseconds(),
	})

	return &Result{Manifest: &manifest, Vectors: vectors}, nil
}

func (l *Loader) loadChunks(ctx context.Context, manifest *Manifest, sessionKey [aead.KeySize]byte, progress chan<- ProgressEvent) ([]ChunkVector, error) {
	results := make([][]ChunkVector, len(manifest.Chunks))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(l.parallelism)

	for i, chunk := range manifest.Chunks {
		i, chunk := i, chunk
		group.Go(func() error {
			vectors, err := l.fetchChunk(gctx, chunk, manifest.Dimensions, sessionKey)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunk.ID, err)
			}
			results[i] = vectors
			emit(progress, ProgressEvent{Kind: EventChunkDownloaded, ChunkID: chunk.ID, TotalChunks: len(manifest.Chunks)})
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "chunk load failed", err)
	}

	all := make([]ChunkVector, 0, manifest.VectorCount)
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func (l *Loader) fetchChunk(ctx context.Context, chunk Chunk, dimensions int, sessionKey [aead.KeySize]byte) ([]ChunkVector, error) {
	raw, err := l.store.Get(ctx, chunk.Path)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	var env aead.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	plaintext, err := aead.Open(sessionKey, env)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	var payload ChunkPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if len(payload.Vectors) != chunk.VectorCount {
		return nil, fmt.Errorf("vector count mismatch: got %d, chunk declares %d", len(payload.Vectors), chunk.VectorCount)
	}
	if len(payload.Vectors) > 0 && len(payload.Vectors[0].Vector) != dimensions {
		return nil, fmt.Errorf("dimension mismatch: got %d, manifest declares %d", len(payload.Vectors[0].Vector), dimensions)
	}
	return payload.Vectors, nil
}

func emit(progress chan<- ProgressEvent, ev ProgressEvent) {
	if progress == nil {
		return
	}
	select {
	case progress <- ev:
	default:
	}
}
