// Package payment implements the payment claimer and splitter:
// basis-point-exact escrow splitting, a profitability gate
// mirroring the Job Claimer, deferred-accumulation claims, and
// withdrawal. Payment truth lives entirely on chain — this package
// never keeps its own ledger of who is owed what beyond the small
// in-memory accumulator that mirrors the contract's own accumulator
// mode; see the escrow create/deposit/release bookkeeping shape used
// as a secondary reference, though the authoritative calls all go
// through the Contract Facade.
package payment

import (
	"math/big"
	"sync"
	"time"

	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ethereum"
)

// Basis-point split.
const (
	HostBps     = 8500
	TreasuryBps = 1000
	StakersBps  = 500
	TotalBps    = 10000
)

// Split is the basis-point-exact division of one escrow balance.
// Residual rounding (from integer division) is credited to Host so
// the three shares always sum exactly to balance.
type Split struct {
	Host     *big.Int
	Treasury *big.Int
	Stakers  *big.Int
}

// ComputeSplit divides balance into host/treasury/stakers shares.
func ComputeSplit(balance *big.Int) Split {
	treasury := new(big.Int).Div(new(big.Int).Mul(balance, big.NewInt(TreasuryBps)), big.NewInt(TotalBps))
	stakers := new(big.Int).Div(new(big.Int).Mul(balance, big.NewInt(StakersBps)), big.NewInt(TotalBps))
	host := new(big.Int).Sub(balance, new(big.Int).Add(treasury, stakers))
	return Split{Host: host, Treasury: treasury, Stakers: stakers}
}

// EscrowFacade is the on-chain surface this package drives, satisfied
// by *contracts.PaymentEscrowFacade.
type EscrowFacade interface {
	IsJobPayable(ctx context.Context, jobID *big.Int) (bool, error)
	EscrowBalance(ctx context.Context, jobID *big.Int) (*big.Int, error)
	ClaimPayment(ctx context.Context, privateKeyHex string, jobID *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error)
	ClaimAccumulated(ctx context.Context, privateKeyHex string, gasLimit uint64) (*ethereum.ContractCallResult, error)
	Withdraw(ctx context.Context, privateKeyHex string, node, destination common.Address, amount *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error)
}

// AuditRecorder persists a successful claim for the audit trail,
// satisfied by *auditledger.Client.
type AuditRecorder interface {
	RecordPayment(ctx context.Context, jobID, hostShareWei, treasuryShareWei, stakersShareWei, claimTxHash string, claimedAt time.Time) error
}

// GasEstimator abstracts chain gas lookups so the profitability gate
// is testable without a live client.
type GasEstimator interface {
	EstimateClaimGas(ctx context.Context, jobID *big.Int) (gasUnits uint64, gasPrice *big.Int, err error)
}

// Config controls claim thresholds and retry behavior.
type Config struct {
	MinClaimAmount       *big.Int
	MinWithdrawalAmount  *big.Int
	AccumulatorThreshold *big.Int
	GasLimit             uint64
	RetryAttempts        int
	RetryDelay           time.Duration
}

// Claimer drives post-completion payment claims and withdrawal.
type Claimer struct {
	escrow        EscrowFacade
	audit         AuditRecorder
	cfg           Config
	privateKeyHex string

	mu          sync.Mutex
	accumulator *big.Int
}

// New constructs a Claimer. audit may be nil to disable audit recording.
func New(escrow EscrowFacade, audit AuditRecorder, privateKeyHex string, cfg Config) *Claimer {
	if cfg.MinClaimAmount == nil {
		cfg.MinClaimAmount = big.NewInt(0)
	}
	if cfg.MinWithdrawalAmount == nil {
		cfg.MinWithdrawalAmount = big.NewInt(0)
	}
	if cfg.AccumulatorThreshold == nil {
		cfg.AccumulatorThreshold = big.NewInt(0)
	}
	return &Claimer{
		escrow:        escrow,
		audit:         audit,
		cfg:           cfg,
		privateKeyHex: privateKeyHex,
		accumulator:   big.NewInt(0),
	}
}

// Claim runs the six-step post-completion flow. On
// success it records the split to the audit ledger (if configured)
// and returns the split actually computed.
func (c *Claimer) Claim(ctx context.Context, jobID *big.Int, gas GasEstimator) (*Split, error) {
	// Step 1: payable check.
	payable, err := c.escrow.IsJobPayable(ctx, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "isJobPayable failed", err)
	}
	if !payable {
		return nil, errs.ErrJobNotPayable
	}

	// Step 2: read balance, compute split.
	balance, err := c.escrow.EscrowBalance(ctx, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "escrowBalance failed", err)
	}
	if balance.Sign() <= 0 {
		return nil, errs.ErrNoEscrowBalance
	}
	split := ComputeSplit(balance)

	// Step 3: profitability gate.
	gasUnits, gasPrice, err := gas.EstimateClaimGas(ctx, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "gas estimate failed", err)
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasUnits))
	if split.Host.Cmp(c.cfg.MinClaimAmount) < 0 {
		return nil, errs.ErrBelowMinimumThreshold
	}
	if split.Host.Cmp(gasCost) <= 0 {
		return nil, errs.ErrBelowMinimumThreshold
	}

	// Step 4: claim. Retried on transient errors; terminal errors
	// (JobNotPayable, NoEscrowBalance, BelowMinimumThreshold) are not.
	result, err := c.claimWithRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if c.audit != nil {
		txHash := ""
		if result != nil {
			txHash = result.TransactionHash
		}
		if err := c.audit.RecordPayment(ctx, jobID.String(), split.Host.String(), split.Treasury.String(), split.Stakers.String(), txHash, time.Now()); err != nil {
			return &split, errs.Wrap(errs.KindTransient, errs.CodeInternal, "audit record failed", err)
		}
	}
	return &split, nil
}

func (c *Claimer) claimWithRetry(ctx context.Context, jobID *big.Int) (*ethereum.ContractCallResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		result, err := c.escrow.ClaimPayment(ctx, c.privateKeyHex, jobID, c.cfg.GasLimit)
		if err == nil {
			return result, nil
		}
		if isTerminal(err) {
			return nil, err
		}
		lastErr = err
		if attempt < c.cfg.RetryAttempts {
			time.Sleep(c.cfg.RetryDelay)
		}
	}
	return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "claim failed after retries", lastErr)
}

func isTerminal(err error) bool {
	return errs.Is(err, errs.KindChainConflict) || errs.Is(err, errs.KindResourceBound)
}

// RecordAccumulated adds amount to the deferred-payment accumulator
// for small payments that can be deferred until FlushAccumulated.
func (c *Claimer) RecordAccumulated(amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulator.Add(c.accumulator, amount)
}

// FlushAccumulated submits claimAccumulated if the accumulator has
// reached the configured threshold; returns false if no flush was due.
func (c *Claimer) FlushAccumulated(ctx context.Context) (bool, error) {
	c.mu.Lock()
	due := c.accumulator.Cmp(c.cfg.AccumulatorThreshold) >= 0 && c.accumulator.Sign() > 0
	c.mu.Unlock()
	if !due {
		return false, nil
	}

	_, err := c.escrow.ClaimAccumulated(ctx, c.privateKeyHex, c.cfg.GasLimit)
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, errs.CodeInternal, "claimAccumulated failed", err)
	}

	c.mu.Lock()
	c.accumulator.SetInt64(0)
	c.mu.Unlock()
	return true, nil
}

// Withdraw moves the host's credit to an external address, when
// balance (the host's current on-chain credit, read by the caller)
// meets the minimum withdrawal threshold.
func (c *Claimer) Withdraw(ctx context.Context, node, destination common.Address, balance, amount *big.Int) (*ethereum.ContractCallResult, error) {
	if balance.Cmp(c.cfg.MinWithdrawalAmount) < 0 {
		return nil, errs.ErrBelowMinimumThreshold
	}
	result, err := c.escrow.Withdraw(ctx, c.privateKeyHex, node, destination, amount, c.cfg.GasLimit)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, errs.CodeInternal, "withdraw failed", err)
	}
	return result, nil
}
