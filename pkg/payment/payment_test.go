package payment

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ethereum"
)

type fakeEscrow struct {
	payable       bool
	payableErr    error
	balance       *big.Int
	balanceErr    error
	claimErr      error
	claimCalls    int
	accumErr      error
	accumCalls    int
	withdrawErr   error
	withdrawCalls int
}

func (f *fakeEscrow) IsJobPayable(ctx context.Context, jobID *big.Int) (bool, error) {
	return f.payable, f.payableErr
}
func (f *fakeEscrow) EscrowBalance(ctx context.Context, jobID *big.Int) (*big.Int, error) {
	return f.balance, f.balanceErr
}
func (f *fakeEscrow) ClaimPayment(ctx context.Context, privateKeyHex string, jobID *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	f.claimCalls++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return &ethereum.ContractCallResult{TransactionHash: "0xabc", Success: true}, nil
}
func (f *fakeEscrow) ClaimAccumulated(ctx context.Context, privateKeyHex string, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	f.accumCalls++
	return &ethereum.ContractCallResult{Success: true}, f.accumErr
}
func (f *fakeEscrow) Withdraw(ctx context.Context, privateKeyHex string, node, destination common.Address, amount *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	f.withdrawCalls++
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	return &ethereum.ContractCallResult{Success: true}, nil
}

type fakeGas struct {
	gasUnits uint64
	gasPrice *big.Int
	err      error
}

func (f *fakeGas) EstimateClaimGas(ctx context.Context, jobID *big.Int) (uint64, *big.Int, error) {
	return f.gasUnits, f.gasPrice, f.err
}

func TestComputeSplit_SumsExactlyToBalance(t *testing.T) {
	balance := big.NewInt(1_000_037) // deliberately not divisible evenly
	split := ComputeSplit(balance)
	sum := new(big.Int).Add(split.Host, new(big.Int).Add(split.Treasury, split.Stakers))
	if sum.Cmp(balance) != 0 {
		t.Fatalf("split does not sum to balance: host=%s treasury=%s stakers=%s sum=%s balance=%s",
			split.Host, split.Treasury, split.Stakers, sum, balance)
	}
}

func TestComputeSplit_DefaultBasisPoints(t *testing.T) {
	balance := big.NewInt(10_000)
	split := ComputeSplit(balance)
	if split.Host.Cmp(big.NewInt(8500)) != 0 {
		t.Errorf("expected host=8500, got %s", split.Host)
	}
	if split.Treasury.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("expected treasury=1000, got %s", split.Treasury)
	}
	if split.Stakers.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("expected stakers=500, got %s", split.Stakers)
	}
}

func TestClaim_RejectsNotPayable(t *testing.T) {
	escrow := &fakeEscrow{payable: false}
	c := New(escrow, nil, "deadbeef", Config{})
	_, err := c.Claim(context.Background(), big.NewInt(1), &fakeGas{})
	if err == nil {
		t.Fatal("expected not-payable rejection")
	}
}

func TestClaim_RejectsZeroBalance(t *testing.T) {
	escrow := &fakeEscrow{payable: true, balance: big.NewInt(0)}
	c := New(escrow, nil, "deadbeef", Config{})
	_, err := c.Claim(context.Background(), big.NewInt(1), &fakeGas{})
	if err == nil {
		t.Fatal("expected no-escrow-balance rejection")
	}
}

func TestClaim_RejectsBelowMinClaimAmount(t *testing.T) {
	escrow := &fakeEscrow{payable: true, balance: big.NewInt(10_000)}
	c := New(escrow, nil, "deadbeef", Config{MinClaimAmount: big.NewInt(1_000_000)})
	_, err := c.Claim(context.Background(), big.NewInt(1), &fakeGas{gasUnits: 1, gasPrice: big.NewInt(1)})
	if err == nil {
		t.Fatal("expected below-minimum-threshold rejection")
	}
}

func TestClaim_RejectsWhenGasExceedsHostShare(t *testing.T) {
	escrow := &fakeEscrow{payable: true, balance: big.NewInt(10_000)} // host share 8500
	c := New(escrow, nil, "deadbeef", Config{})
	_, err := c.Claim(context.Background(), big.NewInt(1), &fakeGas{gasUnits: 100, gasPrice: big.NewInt(1000)}) // gasCost=100000
	if err == nil {
		t.Fatal("expected profitability rejection")
	}
}

func TestClaim_SucceedsAndRecordsAudit(t *testing.T) {
	escrow := &fakeEscrow{payable: true, balance: big.NewInt(10_000)}
	recorder := &recordingAudit{}
	c := New(escrow, recorder, "deadbeef", Config{})
	split, err := c.Claim(context.Background(), big.NewInt(42), &fakeGas{gasUnits: 1, gasPrice: big.NewInt(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if split.Host.Cmp(big.NewInt(8500)) != 0 {
		t.Errorf("expected host share 8500, got %s", split.Host)
	}
	if recorder.calls != 1 {
		t.Fatalf("expected 1 audit record call, got %d", recorder.calls)
	}
}

type recordingAudit struct {
	calls int
}

func (r *recordingAudit) RecordPayment(ctx context.Context, jobID, hostShareWei, treasuryShareWei, stakersShareWei, claimTxHash string, claimedAt time.Time) error {
	r.calls++
	return nil
}

func TestClaim_TerminalChainErrorNotRetried(t *testing.T) {
	escrow := &fakeEscrow{payable: true, balance: big.NewInt(10_000), claimErr: errs.ErrJobAlreadyCompleted}
	c := New(escrow, nil, "deadbeef", Config{RetryAttempts: 5})
	_, err := c.Claim(context.Background(), big.NewInt(1), &fakeGas{gasUnits: 1, gasPrice: big.NewInt(1)})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if escrow.claimCalls != 1 {
		t.Fatalf("expected exactly 1 claim attempt, got %d", escrow.claimCalls)
	}
}

func TestFlushAccumulated_FlushesAtThreshold(t *testing.T) {
	escrow := &fakeEscrow{}
	c := New(escrow, nil, "deadbeef", Config{AccumulatorThreshold: big.NewInt(100)})

	c.RecordAccumulated(big.NewInt(50))
	flushed, err := c.FlushAccumulated(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flushed {
		t.Fatal("expected no flush below threshold")
	}

	c.RecordAccumulated(big.NewInt(60))
	flushed, err = c.FlushAccumulated(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !flushed {
		t.Fatal("expected flush once threshold reached")
	}
	if escrow.accumCalls != 1 {
		t.Fatalf("expected 1 claimAccumulated call, got %d", escrow.accumCalls)
	}
}

func TestWithdraw_RejectsBelowMinimum(t *testing.T) {
	escrow := &fakeEscrow{}
	c := New(escrow, nil, "deadbeef", Config{MinWithdrawalAmount: big.NewInt(1000)})
	_, err := c.Withdraw(context.Background(), common.Address{}, common.Address{}, big.NewInt(500), big.NewInt(500))
	if err == nil {
		t.Fatal("expected below-minimum rejection")
	}
}

func TestWithdraw_SucceedsAboveMinimum(t *testing.T) {
	escrow := &fakeEscrow{}
	c := New(escrow, nil, "deadbeef", Config{MinWithdrawalAmount: big.NewInt(1000)})
	_, err := c.Withdraw(context.Background(), common.Address{}, common.Address{}, big.NewInt(2000), big.NewInt(2000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if escrow.withdrawCalls != 1 {
		t.Fatalf("expected 1 withdraw call, got %d", escrow.withdrawCalls)
	}
}
