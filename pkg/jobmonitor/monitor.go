// Package jobmonitor streams JobPosted/JobClaimed/JobCompleted events
// from the marketplace contract with a durable log-position checkpoint.
// Grounded on pkg/anchor/event_watcher.go:
// same ticker-driven poll loop, channel fan-out, and checkpoint-after-
// success ordering, repointed at the JobMarketplace contract.
package jobmonitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethgo "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/contracts"
	"github.com/meshcompute/host-node/pkg/ethereum"
	"github.com/meshcompute/host-node/pkg/ledger"
)

// Config controls the monitor's polling behavior.
type Config struct {
	MarketplaceAddress common.Address
	PollInterval       time.Duration
	ConfirmationDepth   uint64
	BlockLookback       uint64 // used only when no checkpoint exists yet
	EventBufferSize     int
	RetryDelay          time.Duration
}

// DefaultConfig returns sane polling defaults.
func DefaultConfig(marketplace common.Address) Config {
	return Config{
		MarketplaceAddress: marketplace,
		PollInterval:       15 * time.Second,
		ConfirmationDepth:  3,
		BlockLookback:      100,
		EventBufferSize:    256,
		RetryDelay:         2 * time.Second,
	}
}

// Monitor runs the polling loop and fans out decoded events to a
// bounded channel. A full buffer slows the poll loop rather than
// dropping events.
type Monitor struct {
	client *ethereum.Client
	store  *ledger.Store
	cfg    Config

	events chan contracts.ContractEvent
	errors chan error

	mu                 sync.Mutex
	lastProcessedBlock uint64
	errorCount         int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	running bool
}

// NewMonitor constructs a Monitor. store persists the checkpoint so a
// restart resumes from the last successfully processed block.
func NewMonitor(client *ethereum.Client, store *ledger.Store, cfg Config) *Monitor {
	return &Monitor{
		client: client,
		store:  store,
		cfg:    cfg,
		events: make(chan contracts.ContractEvent, cfg.EventBufferSize),
		errors: make(chan error, 16),
	}
}

// Events returns the channel of decoded marketplace events.
func (m *Monitor) Events() <-chan contracts.ContractEvent { return m.events }

// Errors returns the channel of poll-loop errors.
func (m *Monitor) Errors() <-chan error { return m.errors }

// Start launches the poll loop in the background.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.initializeStartBlock(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	m.wg.Add(1)
	go m.pollLoop(loopCtx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// IsRunning reports whether the poll loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) initializeStartBlock(ctx context.Context) error {
	pos, err := m.store.LoadCheckpointPosition()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if pos.LastProcessedBlock > 0 {
		m.setLastProcessedBlock(pos.LastProcessedBlock)
		return nil
	}

	latest, err := m.client.GetLatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch latest block: %w", err)
	}
	start := uint64(0)
	if uint64(latest) > m.cfg.BlockLookback {
		start = uint64(latest) - m.cfg.BlockLookback
	}
	m.setLastProcessedBlock(start)
	return nil
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				m.mu.Lock()
				m.errorCount++
				m.mu.Unlock()
				select {
				case m.errors <- err:
				default:
				}
				time.Sleep(m.cfg.RetryDelay)
			}
		}
	}
}

// pollOnce fetches [last+1 .. current - confirmationDepth], parses
// logs, fans them out, and advances the checkpoint only after every
// log in the range has been dispatched.
func (m *Monitor) pollOnce(ctx context.Context) error {
	latest, err := m.client.GetLatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch latest block: %w", err)
	}
	if uint64(latest) <= m.cfg.ConfirmationDepth {
		return nil
	}
	safeHead := uint64(latest) - m.cfg.ConfirmationDepth

	last := m.getLastProcessedBlock()
	if safeHead <= last {
		return nil
	}
	fromBlock := last + 1
	toBlock := safeHead

	logs, err := m.client.GetClient().FilterLogs(ctx, ethgo.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{m.cfg.MarketplaceAddress},
	})
	if err != nil {
		return fmt.Errorf("failed to fetch logs [%d..%d]: %w", fromBlock, toBlock, err)
	}

	for _, raw := range logs {
		block, err := m.client.GetBlock(ctx, new(big.Int).SetUint64(raw.BlockNumber))
		var blockTime time.Time
		if err == nil {
			blockTime = time.Unix(int64(block.Time()), 0)
		} else {
			blockTime = time.Now()
		}

		event, err := contracts.ParseLog(raw, blockTime)
		if err != nil {
			return fmt.Errorf("failed to parse log at block %d: %w", raw.BlockNumber, err)
		}
		if event == nil {
			continue
		}
		m.events <- event // blocks on a full buffer: backpressure, not drop
	}

	m.setLastProcessedBlock(toBlock)
	if err := m.store.SaveCheckpointPosition(ledger.CheckpointPosition{
		LastProcessedBlock: toBlock,
		UpdatedAt:          time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

func (m *Monitor) getLastProcessedBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessedBlock
}

func (m *Monitor) setLastProcessedBlock(b uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProcessedBlock = b
}

// GetLastProcessedBlock returns the most recently checkpointed block.
func (m *Monitor) GetLastProcessedBlock() uint64 {
	return m.getLastProcessedBlock()
}
