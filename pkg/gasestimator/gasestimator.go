// Package gasestimator supplies a chain-backed implementation of the
// GasEstimator interfaces narrow to pkg/jobclaimer and pkg/payment,
// so the profitability gates in both packages share one source of
// gas-price truth instead of querying the chain independently.
package gasestimator

import (
	"context"
	"math/big"

	"github.com/meshcompute/host-node/pkg/ethereum"
)

// Estimator pairs a fixed gas-unit budget per call kind with the
// chain's current gas price (claimJob/claimPayment gas use is roughly
// constant regardless of job parameters, so only price is live).
type Estimator struct {
	client      *ethereum.Client
	claimGas    uint64
	withdrawGas uint64
}

// New constructs an Estimator. claimGasUnits is the fixed gas-unit
// budget for claimJob/claimPayment calls and withdrawGasUnits the one
// for withdraw calls; the live gas price is always fetched from the
// chain.
func New(client *ethereum.Client, claimGasUnits, withdrawGasUnits uint64) *Estimator {
	return &Estimator{client: client, claimGas: claimGasUnits, withdrawGas: withdrawGasUnits}
}

// EstimateClaimGas satisfies both jobclaimer.GasEstimator and
// payment.GasEstimator (identical method shapes).
func (e *Estimator) EstimateClaimGas(ctx context.Context, jobID *big.Int) (uint64, *big.Int, error) {
	price, err := e.client.GetGasPrice(ctx)
	if err != nil {
		return 0, nil, err
	}
	return e.claimGas, price, nil
}

// EstimateWithdrawGas returns the withdraw gas-unit budget paired with
// the chain's current gas price.
func (e *Estimator) EstimateWithdrawGas(ctx context.Context) (uint64, *big.Int, error) {
	price, err := e.client.GetGasPrice(ctx)
	if err != nil {
		return 0, nil, err
	}
	return e.withdrawGas, price, nil
}
