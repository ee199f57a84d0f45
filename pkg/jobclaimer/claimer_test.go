package jobclaimer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/contracts"
)

type fakeCapabilities struct {
	supported map[string]bool
}

func (f *fakeCapabilities) ValidateClaim(modelID string) error {
	if f.supported[modelID] {
		return nil
	}
	return errUnsupported
}

var errUnsupported = &capError{"unsupported"}

type capError struct{ msg string }

func (e *capError) Error() string { return e.msg }

type fakeGasEstimator struct {
	gasUnits uint64
	gasPrice *big.Int
	err      error
}

func (f *fakeGasEstimator) EstimateClaimGas(ctx context.Context, jobID *big.Int) (uint64, *big.Int, error) {
	return f.gasUnits, f.gasPrice, f.err
}

func newTestEvent(jobID int64, maxPrice, maxTokens int64) *contracts.JobPostedEvent {
	return &contracts.JobPostedEvent{
		JobID:          big.NewInt(jobID),
		Client:         common.HexToAddress("0x1"),
		MaxPricePerTok: big.NewInt(maxPrice),
		MaxTokens:      big.NewInt(maxTokens),
	}
}

func TestEvaluate_DropsUnsupportedModel(t *testing.T) {
	c := &Claimer{
		capabilities: &fakeCapabilities{supported: map[string]bool{}},
		cfg:          Config{MaxConcurrentJobs: 1},
		permits:      make(chan struct{}, 1),
		dropped:      make(chan DroppedEvent, 1),
		claimed:      make(chan ClaimedEvent, 1),
	}
	ev := newTestEvent(1, 1000, 100)
	c.Evaluate(context.Background(), ev, "unknown-model", &fakeGasEstimator{})

	select {
	case d := <-c.Dropped():
		if d.Reason != "unsupported model" {
			t.Errorf("expected unsupported model drop, got %q", d.Reason)
		}
	default:
		t.Fatal("expected a drop event")
	}
}

func TestEvaluate_DropsZeroMaxTokens(t *testing.T) {
	c := &Claimer{
		capabilities: &fakeCapabilities{supported: map[string]bool{"m1": true}},
		cfg:          Config{MaxConcurrentJobs: 1},
		permits:      make(chan struct{}, 1),
		dropped:      make(chan DroppedEvent, 1),
		claimed:      make(chan ClaimedEvent, 1),
	}
	ev := newTestEvent(1, 1000, 0)
	c.Evaluate(context.Background(), ev, "m1", &fakeGasEstimator{})

	select {
	case d := <-c.Dropped():
		if d.Reason != "max_tokens is zero" {
			t.Errorf("expected zero max_tokens drop, got %q", d.Reason)
		}
	default:
		t.Fatal("expected a drop event")
	}
}

func TestEvaluate_DropsBelowMinPaymentPerToken(t *testing.T) {
	c := &Claimer{
		capabilities: &fakeCapabilities{supported: map[string]bool{"m1": true}},
		cfg: Config{
			MaxConcurrentJobs:  1,
			MinPaymentPerToken: big.NewInt(100),
		},
		permits: make(chan struct{}, 1),
		dropped: make(chan DroppedEvent, 1),
		claimed: make(chan ClaimedEvent, 1),
	}
	// price/token = 1000/100 = 10, below the 100 floor.
	ev := newTestEvent(1, 1000, 100)
	c.Evaluate(context.Background(), ev, "m1", &fakeGasEstimator{})

	select {
	case d := <-c.Dropped():
		if d.Reason != "payment per token below minimum" {
			t.Errorf("expected payment-floor drop, got %q", d.Reason)
		}
	default:
		t.Fatal("expected a drop event")
	}
}

func TestEvaluate_DropsInsufficientProfitMargin(t *testing.T) {
	c := &Claimer{
		capabilities: &fakeCapabilities{supported: map[string]bool{"m1": true}},
		cfg: Config{
			MaxConcurrentJobs:  1,
			MinProfitMarginBps: 1000, // 10%
			MaxGasPriceWei:     big.NewInt(1_000_000),
		},
		permits: make(chan struct{}, 1),
		dropped: make(chan DroppedEvent, 1),
		claimed: make(chan ClaimedEvent, 1),
	}
	// payment = 10. gasCost = gasPrice(1) * gasUnits(100) = 100.
	// minProfit = 10 * 1000/10000 = 1. threshold = 101. payment(10) <= threshold,
	// so the gate drops it.
	ev := newTestEvent(1, 10, 1) // maxPricePerTok used directly as payment threshold input
	gas := &fakeGasEstimator{gasUnits: 100, gasPrice: big.NewInt(1)}
	c.Evaluate(context.Background(), ev, "m1", gas)

	select {
	case d := <-c.Dropped():
		if d.Reason != "insufficient profit margin" {
			t.Errorf("expected profit-margin drop, got %q", d.Reason)
		}
	default:
		t.Fatal("expected a drop event")
	}
}

func TestEvaluate_DropsAtMaxConcurrency(t *testing.T) {
	c := &Claimer{
		capabilities: &fakeCapabilities{supported: map[string]bool{"m1": true}},
		cfg:          Config{MaxConcurrentJobs: 1},
		permits:      make(chan struct{}, 1),
		dropped:      make(chan DroppedEvent, 2),
		claimed:      make(chan ClaimedEvent, 2),
	}
	c.permits <- struct{}{} // pre-fill the single permit slot

	ev := newTestEvent(1, 1000, 1)
	gas := &fakeGasEstimator{gasUnits: 1, gasPrice: big.NewInt(1)}
	c.Evaluate(context.Background(), ev, "m1", gas)

	select {
	case d := <-c.Dropped():
		if d.Reason != "at max concurrent jobs" {
			t.Errorf("expected concurrency drop, got %q", d.Reason)
		}
	default:
		t.Fatal("expected a drop event")
	}
}

func TestDroppedChannel_NonBlockingWhenFull(t *testing.T) {
	c := &Claimer{
		capabilities: &fakeCapabilities{supported: map[string]bool{}},
		cfg:          Config{MaxConcurrentJobs: 1},
		permits:      make(chan struct{}, 1),
		dropped:      make(chan DroppedEvent), // unbuffered, no reader
		claimed:      make(chan ClaimedEvent, 1),
	}
	done := make(chan struct{})
	go func() {
		ev := newTestEvent(1, 1000, 100)
		c.Evaluate(context.Background(), ev, "unknown", &fakeGasEstimator{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop() blocked on an unread channel instead of returning")
	}
}
