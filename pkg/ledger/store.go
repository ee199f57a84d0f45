package ledger

import (
	"encoding/json"
	"fmt"
)

// KV defines the key-value store interface the ledger is built on.
// Satisfied by pkg/kvdb's CometBFT-backed adapter.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// Store provides typed, namespaced access to the host node's durable
// local state.
//
// CONCURRENCY: Store assumes single-writer access per key family — the
// Job Monitor's poll loop is the only writer of checkpoint position,
// the Job Claimer's permit table has one writer per job id, and each
// rate-limit bucket has one writer. Callers sharing a key family across
// goroutines must add their own synchronization.
type Store struct {
	kv KV
}

// NewStore creates a Store over the given KV backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

var (
	keyCheckpointPosition = []byte("jobmonitor:checkpoint")
	keyClaimPermits       = []byte("jobclaimer:permits")
	keyRateLimiterPrefix  = []byte("ratelimit:")
)

// SaveCheckpointPosition persists the Job Monitor's last processed
// block. The checkpoint is advanced only after successful processing
// of all logs in a range.
func (s *Store) SaveCheckpointPosition(pos CheckpointPosition) error {
	b, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint position: %w", err)
	}
	return s.kv.Set(keyCheckpointPosition, b)
}

// LoadCheckpointPosition loads the last persisted checkpoint, or the
// zero value if none has been written yet.
func (s *Store) LoadCheckpointPosition() (CheckpointPosition, error) {
	b, err := s.kv.Get(keyCheckpointPosition)
	if err != nil {
		return CheckpointPosition{}, fmt.Errorf("failed to read checkpoint position: %w", err)
	}
	if len(b) == 0 {
		return CheckpointPosition{}, nil
	}
	var pos CheckpointPosition
	if err := json.Unmarshal(b, &pos); err != nil {
		return CheckpointPosition{}, fmt.Errorf("failed to unmarshal checkpoint position: %w", err)
	}
	return pos, nil
}

// SaveClaimPermits persists the set of job ids this host currently
// holds a local concurrency permit for.
func (s *Store) SaveClaimPermits(state ClaimPermitState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal claim permit state: %w", err)
	}
	return s.kv.Set(keyClaimPermits, b)
}

// LoadClaimPermits loads the persisted claim permit state, or an
// empty state if none has been written yet.
func (s *Store) LoadClaimPermits() (ClaimPermitState, error) {
	b, err := s.kv.Get(keyClaimPermits)
	if err != nil {
		return ClaimPermitState{}, fmt.Errorf("failed to read claim permit state: %w", err)
	}
	if len(b) == 0 {
		return ClaimPermitState{}, nil
	}
	var state ClaimPermitState
	if err := json.Unmarshal(b, &state); err != nil {
		return ClaimPermitState{}, fmt.Errorf("failed to unmarshal claim permit state: %w", err)
	}
	return state, nil
}

func rateLimiterKey(bucket string) []byte {
	return append(append([]byte{}, keyRateLimiterPrefix...), []byte(bucket)...)
}

// SaveRateLimiterState persists the fixed-window counter for bucket.
func (s *Store) SaveRateLimiterState(bucket string, state RateLimiterState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limiter state: %w", err)
	}
	return s.kv.Set(rateLimiterKey(bucket), b)
}

// LoadRateLimiterState loads the persisted rate limiter state for
// bucket, or the zero value if none exists.
func (s *Store) LoadRateLimiterState(bucket string) (RateLimiterState, error) {
	b, err := s.kv.Get(rateLimiterKey(bucket))
	if err != nil {
		return RateLimiterState{}, fmt.Errorf("failed to read rate limiter state: %w", err)
	}
	if len(b) == 0 {
		return RateLimiterState{}, nil
	}
	var state RateLimiterState
	if err := json.Unmarshal(b, &state); err != nil {
		return RateLimiterState{}, fmt.Errorf("failed to unmarshal rate limiter state: %w", err)
	}
	return state, nil
}
