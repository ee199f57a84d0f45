package session

import (
	"sync"
	"testing"
	"time"

	"github.com/meshcompute/host-node/pkg/ledger"
)

// memKV is a trivial in-memory ledger.KV for tests.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	store := ledger.NewStore(newMemKV())
	rl := NewRateLimiter(store, time.Minute, 3)

	for i := 0; i < 3; i++ {
		if err := rl.Allow("bucket-a"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if err := rl.Allow("bucket-a"); err == nil {
		t.Fatal("expected 4th call to exceed the limit")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	store := ledger.NewStore(newMemKV())
	rl := NewRateLimiter(store, 5*time.Millisecond, 1)

	if err := rl.Allow("bucket-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rl.Allow("bucket-b"); err == nil {
		t.Fatal("expected limit exceeded before window elapses")
	}
	time.Sleep(10 * time.Millisecond)
	if err := rl.Allow("bucket-b"); err != nil {
		t.Fatalf("expected window reset to allow another call, got %v", err)
	}
}

func TestRateLimiter_BucketsAreIndependent(t *testing.T) {
	store := ledger.NewStore(newMemKV())
	rl := NewRateLimiter(store, time.Minute, 1)

	if err := rl.Allow("bucket-c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rl.Allow("bucket-d"); err != nil {
		t.Fatalf("expected independent bucket to be unaffected: %v", err)
	}
}

func TestRateLimiter_ReleaseClearsState(t *testing.T) {
	store := ledger.NewStore(newMemKV())
	rl := NewRateLimiter(store, time.Minute, 1)

	if err := rl.Allow("bucket-e"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rl.Release("bucket-e")
	if err := rl.Allow("bucket-e"); err != nil {
		t.Fatalf("expected released bucket to allow again, got %v", err)
	}
}
