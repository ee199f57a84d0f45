// Package host implements the startup registration sequence and the
// background heartbeat loop grounded on the
// startup/shutdown shape of the anchor manager and batch
// scheduler lifecycle methods (context + cancel + waitgroup).
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/contracts"
	"github.com/meshcompute/host-node/pkg/errs"
)

// Metadata is the canonical JSON blob published to the registry,
// listing supported models, hardware, and pricing.
type Metadata struct {
	Models        []string `json:"models"`
	Hardware      string   `json:"hardware"`
	MemoryGB      uint32   `json:"memory_gb"`
	PricePerToken float64  `json:"price_per_token"`
	MaxConcurrent uint32   `json:"max_concurrent"`
}

// Canonical returns the deterministic JSON encoding of m used as the
// registerNode metadata argument.
func (m Metadata) Canonical() ([]byte, error) {
	return json.Marshal(m)
}

// Node manages the registration lifecycle and heartbeat loop for this
// host against the NodeRegistry contract.
type Node struct {
	registry *contracts.NodeRegistryFacade
	privateKeyHex string
	address       common.Address

	heartbeatInterval time.Duration
	gasLimit          uint64

	mu            sync.RWMutex
	lastHeartbeat time.Time
	registered    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode constructs a Node bound to a NodeRegistry facade and this
// host's signing key.
func NewNode(registry *contracts.NodeRegistryFacade, privateKeyHex string, address common.Address, heartbeatInterval time.Duration, gasLimit uint64) *Node {
	return &Node{
		registry:          registry,
		privateKeyHex:     privateKeyHex,
		address:           address,
		heartbeatInterval: heartbeatInterval,
		gasLimit:          gasLimit,
	}
}

// Register verifies the stake minimum, builds the canonical metadata
// blob, and submits registerNode(stake, metadata).
func (n *Node) Register(ctx context.Context, stake *big.Int, metadata Metadata) error {
	minStake, err := n.registry.MinimumStake(ctx)
	if err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "failed to read minimum stake", err)
	}
	if stake.Cmp(minStake) < 0 {
		return errs.New(errs.KindFatal, errs.CodeInternal, fmt.Sprintf("stake %s below minimum %s", stake, minStake))
	}

	blob, err := metadata.Canonical()
	if err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeValidationFailed, "failed to encode metadata", err)
	}

	if _, err := n.registry.RegisterNode(ctx, n.privateKeyHex, stake, blob, n.gasLimit); err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "registerNode failed", err)
	}

	n.mu.Lock()
	n.registered = true
	n.lastHeartbeat = time.Now()
	n.mu.Unlock()
	return nil
}

// StartHeartbeat launches the background liveness loop. Call
// StopHeartbeat before Unregister.
func (n *Node) StartHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(1)
	go n.heartbeatLoop(hbCtx)
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.registry.Heartbeat(ctx, n.privateKeyHex, n.gasLimit); err != nil {
				continue
			}
			n.mu.Lock()
			n.lastHeartbeat = time.Now()
			n.mu.Unlock()
		}
	}
}

// StopHeartbeat cancels the background loop and waits for it to exit.
func (n *Node) StopHeartbeat() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Healthy reports whether the last heartbeat occurred within 2x the
// configured interval.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.lastHeartbeat.IsZero() {
		return false
	}
	return time.Since(n.lastHeartbeat) <= 2*n.heartbeatInterval
}

// Unregister stops heartbeats first, then calls unregisterNode. The
// caller is responsible for waiting for stake return on chain.
func (n *Node) Unregister(ctx context.Context) error {
	n.StopHeartbeat()
	if _, err := n.registry.UnregisterNode(ctx, n.privateKeyHex, n.gasLimit); err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "unregisterNode failed", err)
	}
	n.mu.Lock()
	n.registered = false
	n.mu.Unlock()
	return nil
}

// Registered reports whether Register has succeeded and Unregister
// has not yet been called.
func (n *Node) Registered() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.registered
}
