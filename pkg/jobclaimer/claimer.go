// Package jobclaimer implements the profitability-gated claim state
// machine: for every JobPosted event applicable to this
// host, validate, gate on profitability, acquire a concurrency permit,
// and submit claimJob with bounded retry. Grounded on
// pkg/batch permit/retry/error-sentinel idiom (errors.go, scheduler.go).
package jobclaimer

import (
	"context"
	"math/big"
	"time"

	"github.com/meshcompute/host-node/pkg/contracts"
	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ledger"
)

// Config controls the claimer's profitability thresholds and retry
// policy.
type Config struct {
	MaxConcurrentJobs  int
	MinPaymentPerToken *big.Int // wei per token
	MaxGasPriceWei     *big.Int
	MinProfitMarginBps int64 // e.g. 1000 = 10%
	ClaimRetryAttempts int
	RetryDelay         time.Duration
	GasLimit           uint64
}

// Capabilities reports which models this host may serve. Supplied by
// the capability validator.
type Capabilities interface {
	ValidateClaim(modelID string) error
}

// ClaimedEvent is emitted on downstream broadcast after a successful
// claimJob.
type ClaimedEvent struct {
	JobID  *big.Int
	TxHash string
}

// DroppedEvent is emitted when a job is evaluated and not claimed,
// with the reason attached for observability.
type DroppedEvent struct {
	JobID  *big.Int
	Reason string
}

// Claimer drives the claim attempt for each JobPosted event.
type Claimer struct {
	marketplace  *contracts.JobMarketplaceFacade
	capabilities Capabilities
	store        *ledger.Store
	cfg          Config

	privateKeyHex string

	permits chan struct{}

	claimed chan ClaimedEvent
	dropped chan DroppedEvent
}

// NewClaimer constructs a Claimer bounded by cfg.MaxConcurrentJobs
// local permits.
func NewClaimer(marketplace *contracts.JobMarketplaceFacade, capabilities Capabilities, store *ledger.Store, privateKeyHex string, cfg Config) *Claimer {
	return &Claimer{
		marketplace:   marketplace,
		capabilities:  capabilities,
		store:         store,
		cfg:           cfg,
		privateKeyHex: privateKeyHex,
		permits:       make(chan struct{}, cfg.MaxConcurrentJobs),
		claimed:       make(chan ClaimedEvent, 64),
		dropped:       make(chan DroppedEvent, 64),
	}
}

// Claimed returns the channel of successful claims.
func (c *Claimer) Claimed() <-chan ClaimedEvent { return c.claimed }

// Dropped returns the channel of jobs evaluated and not claimed.
func (c *Claimer) Dropped() <-chan DroppedEvent { return c.dropped }

// GasEstimator abstracts the gas estimate for a claimJob call so tests
// can substitute a fake without a live chain.
type GasEstimator interface {
	EstimateClaimGas(ctx context.Context, jobID *big.Int) (gasUnits uint64, gasPrice *big.Int, err error)
}

// Evaluate runs the eight-step gate against a posted job
// and, if it passes, attempts the claim. modelID is the job's decoded
// model identifier (hex-decoded from JobPostedEvent.ModelID upstream).
func (c *Claimer) Evaluate(ctx context.Context, ev *contracts.JobPostedEvent, modelID string, gas GasEstimator) {
	// Step 1: capability.
	if err := c.capabilities.ValidateClaim(modelID); err != nil {
		c.drop(ev.JobID, "unsupported model")
		return
	}

	// Step 2: payment-per-token floor.
	if ev.MaxTokens.Sign() == 0 {
		c.drop(ev.JobID, "max_tokens is zero")
		return
	}
	paymentPerToken := new(big.Int).Div(ev.MaxPricePerTok, ev.MaxTokens)
	if c.cfg.MinPaymentPerToken != nil && paymentPerToken.Cmp(c.cfg.MinPaymentPerToken) < 0 {
		c.drop(ev.JobID, "payment per token below minimum")
		return
	}

	// Step 3/4: gas-price and profitability gates.
	gasUnits, gasPrice, err := gas.EstimateClaimGas(ctx, ev.JobID)
	if err != nil {
		c.drop(ev.JobID, "gas estimation failed")
		return
	}
	if c.cfg.MaxGasPriceWei != nil && gasPrice.Cmp(c.cfg.MaxGasPriceWei) > 0 {
		c.drop(ev.JobID, "gas price above maximum")
		return
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasUnits))
	minProfit := new(big.Int).Div(new(big.Int).Mul(ev.MaxPricePerTok, big.NewInt(c.cfg.MinProfitMarginBps)), big.NewInt(10000))
	threshold := new(big.Int).Add(gasCost, minProfit)
	if ev.MaxPricePerTok.Cmp(threshold) <= 0 {
		c.drop(ev.JobID, "insufficient profit margin")
		return
	}

	// Step 5: local concurrency permit.
	select {
	case c.permits <- struct{}{}:
	default:
		c.drop(ev.JobID, "at max concurrent jobs")
		return
	}

	c.attemptClaim(ctx, ev.JobID)
}

func (c *Claimer) attemptClaim(ctx context.Context, jobID *big.Int) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ClaimRetryAttempts; attempt++ {
		result, err := c.marketplace.ClaimJob(ctx, c.privateKeyHex, jobID, c.cfg.GasLimit)
		if err == nil {
			c.claimed <- ClaimedEvent{JobID: jobID, TxHash: result.TransactionHash}
			c.persistPermit(jobID, true)
			return
		}
		lastErr = err

		// Never retry on these terminal conditions.
		if errs.Is(err, errs.KindChainConflict) || errs.Is(err, errs.KindAuthorization) || errs.Is(err, errs.KindValidation) {
			break
		}
		if attempt < c.cfg.ClaimRetryAttempts-1 {
			time.Sleep(c.cfg.RetryDelay)
		}
	}

	<-c.permits // release permit on failure
	reason := "claim failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	c.drop(jobID, reason)
}

// Unclaim releases a held permit and calls unclaim on chain, per
// (irrecoverable post-claim failure before completion).
func (c *Claimer) Unclaim(ctx context.Context, jobID *big.Int) error {
	if _, err := c.marketplace.Unclaim(ctx, c.privateKeyHex, jobID, c.cfg.GasLimit); err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "unclaim failed", err)
	}
	c.releasePermit()
	c.persistPermit(jobID, false)
	return nil
}

// releasePermit returns one concurrency permit to the pool.
func (c *Claimer) releasePermit() {
	select {
	case <-c.permits:
	default:
	}
}

func (c *Claimer) persistPermit(jobID *big.Int, held bool) {
	state, err := c.store.LoadClaimPermits()
	if err != nil {
		return
	}
	id := jobID.String()
	if held {
		state.JobIDs = append(state.JobIDs, id)
	} else {
		filtered := state.JobIDs[:0]
		for _, existing := range state.JobIDs {
			if existing != id {
				filtered = append(filtered, existing)
			}
		}
		state.JobIDs = filtered
	}
	_ = c.store.SaveClaimPermits(state)
}

func (c *Claimer) drop(jobID *big.Int, reason string) {
	select {
	case c.dropped <- DroppedEvent{JobID: jobID, Reason: reason}:
	default:
	}
}
