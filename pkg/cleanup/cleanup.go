// Package cleanup implements a TTL policy keyed by final session
// state, plus a
// background sweeper that deletes expired checkpoint blobs. The
// ticker-driven sweep loop is grounded on
// pkg/anchor/scheduler.go batchCheckLoop shape (time.NewTicker +
// ctx-cancellable select loop).
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/meshcompute/host-node/pkg/checkpoint"
	"github.com/meshcompute/host-node/pkg/storage"
)

// FinalState is the terminal session state that determines TTL.
type FinalState string

const (
	StateActive    FinalState = "Active"
	StateCompleted FinalState = "Completed"
	StateTimedOut  FinalState = "TimedOut"
	StateCancelled FinalState = "Cancelled"
	StateDispute   FinalState = "Dispute"
)

// TTL returns the retention window for a final state. A zero duration
// with ok=false means "never clean" (Active); a zero duration with
// ok=true means immediate deletion (Cancelled).
func TTL(state FinalState) (d time.Duration, ok bool) {
	switch state {
	case StateActive:
		return 0, false
	case StateCompleted:
		return 7 * 24 * time.Hour, true
	case StateTimedOut:
		return 30 * 24 * time.Hour, true
	case StateCancelled:
		return 0, true
	case StateDispute:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// entry tracks one session's pending cleanup.
type entry struct {
	host      string
	sessionID string
	chunks    int // number of checkpoint delta blobs (index == chunk count)
	expiresAt time.Time
	immediate bool
}

// Sweeper schedules and executes checkpoint deletion according to the
// TTL table. Mark is called once per session when its final state is
// known; Sweep (run periodically) deletes anything past its TTL.
type Sweeper struct {
	store storage.Store

	mu      sync.Mutex
	pending map[string]*entry // keyed by host+":"+sessionID

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Sweeper. interval controls how often Start's
// background loop invokes Sweep.
func New(store storage.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		pending:  make(map[string]*entry),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Mark records a session's final state. Cancelled sessions are
// deleted immediately; a Dispute hold adds a further 7-day grace
// period after resolution (resolvedAt); other states are scheduled
// for their TTL from finalizedAt.
func (s *Sweeper) Mark(ctx context.Context, host, sessionID string, state FinalState, chunkCount int, finalizedAt time.Time, disputeResolvedAt *time.Time) error {
	ttl, ok := TTL(state)
	if !ok {
		return nil // Active: never clean.
	}

	if state == StateCancelled {
		return s.deleteNow(ctx, host, sessionID, chunkCount)
	}

	base := finalizedAt
	if state == StateDispute {
		if disputeResolvedAt == nil {
			// Not yet resolved: hold indefinitely until Mark is called
			// again with a resolution timestamp.
			return nil
		}
		base = *disputeResolvedAt
	}

	s.mu.Lock()
	s.pending[key(host, sessionID)] = &entry{
		host:      host,
		sessionID: sessionID,
		chunks:    chunkCount,
		expiresAt: base.Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

// Sweep deletes every pending entry whose TTL has elapsed. Deletion is
// idempotent; missing objects are tolerated (storage.Mock/Portal both
// treat Delete of a missing path as a no-op or 404-as-success).
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now()

	s.mu.Lock()
	due := make([]*entry, 0)
	for k, e := range s.pending {
		if !now.Before(e.expiresAt) {
			due = append(due, e)
			delete(s.pending, k)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.deleteNow(ctx, e.host, e.sessionID, e.chunks); err != nil {
			return err
		}
	}
	return nil
}

// deleteNow removes the checkpoint index and every delta blob for a
// session. Errors from individual deletes are tolerated (idempotent,
// missing objects ignored) except the final aggregate error, if any.
func (s *Sweeper) deleteNow(ctx context.Context, host, sessionID string, chunkCount int) error {
	var firstErr error
	for i := 0; i < chunkCount; i++ {
		if err := s.store.Delete(ctx, storage.CheckpointDeltaPath(host, sessionID, i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.store.Delete(ctx, storage.CheckpointIndexPath(host, sessionID)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Start runs Sweep on a ticker until ctx is cancelled or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the background sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func key(host, sessionID string) string {
	return host + ":" + sessionID
}

// ChunkCountFromIndex derives chunkCount from an already-loaded
// checkpoint index, for callers that have one in hand.
func ChunkCountFromIndex(idx *checkpoint.Index) int {
	if idx == nil {
		return 0
	}
	return len(idx.Entries)
}
