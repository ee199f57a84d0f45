package gasestimator

import "testing"

func TestNew_StoresFixedBudgets(t *testing.T) {
	e := New(nil, 200_000, 21_000)
	if e.claimGas != 200_000 {
		t.Fatalf("expected claim gas 200000, got %d", e.claimGas)
	}
	if e.withdrawGas != 21_000 {
		t.Fatalf("expected withdraw gas 21000, got %d", e.withdrawGas)
	}
}
