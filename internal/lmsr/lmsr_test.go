package lmsr

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/omx/prediction-engine/internal/model"
)

// Liquidity of 100 units in micro-units, used by most tests.
const b100 = 100 * model.Micro

func mm(t *testing.T, b int64) *MarketMaker {
	t.Helper()
	m, err := NewMarketMaker(b)
	if err != nil {
		t.Fatalf("NewMarketMaker(%d): %v", b, err)
	}
	return m
}

// --- Constructor tests ---

func TestNewMarketMaker_InvalidB(t *testing.T) {
	for _, b := range []int64{0, -1, -b100} {
		if _, err := NewMarketMaker(b); !errors.Is(err, ErrInvalidLiquidity) {
			t.Errorf("b=%d: expected ErrInvalidLiquidity, got %v", b, err)
		}
	}
}

// --- Price tests ---

func TestYesPrice_InitiallyFiftyFifty(t *testing.T) {
	m := mm(t, b100)
	p, err := m.YesPrice(0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if PriceMicros(p) != 500_000 {
		t.Errorf("expected initial price 500000 micro, got %d", PriceMicros(p))
	}
}

func TestYesPrice_MovesWithQuantities(t *testing.T) {
	m := mm(t, b100)

	up, _ := m.YesPrice(10*model.Micro, 0)
	if PriceMicros(up) <= 500_000 {
		t.Errorf("buying YES should raise the YES price, got %d", PriceMicros(up))
	}

	down, _ := m.YesPrice(0, 10*model.Micro)
	if PriceMicros(down) >= 500_000 {
		t.Errorf("buying NO should lower the YES price, got %d", PriceMicros(down))
	}
}

func TestPrices_SumToOneWithinOneMicro(t *testing.T) {
	m := mm(t, b100)

	tests := []struct {
		qYes, qNo int64
	}{
		{0, 0},
		{10 * model.Micro, 0},
		{0, 10 * model.Micro},
		{30 * model.Micro, 10 * model.Micro},
		{100 * model.Micro, 200 * model.Micro},
		{5000 * model.Micro, 100 * model.Micro},
	}
	for _, tt := range tests {
		yes, err := m.YesPrice(tt.qYes, tt.qNo)
		if err != nil {
			t.Fatalf("YesPrice(%d,%d): %v", tt.qYes, tt.qNo, err)
		}
		no, err := m.NoPrice(tt.qYes, tt.qNo)
		if err != nil {
			t.Fatalf("NoPrice(%d,%d): %v", tt.qYes, tt.qNo, err)
		}
		sum := PriceMicros(yes) + PriceMicros(no)
		if sum < model.Micro-1 || sum > model.Micro+1 {
			t.Errorf("prices should sum to 1e6 within one micro: %d (q=%d,%d)",
				sum, tt.qYes, tt.qNo)
		}
	}
}

func TestYesPrice_ExtremeImbalance_NoOverflow(t *testing.T) {
	m := mm(t, b100)

	// Exponent arguments far beyond float range for the naive form.
	p, err := m.YesPrice(1_000_000*model.Micro, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(1)) {
		t.Errorf("extreme YES imbalance should saturate to 1, got %s", p)
	}

	p, err = m.YesPrice(0, 1_000_000*model.Micro)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("extreme NO imbalance should saturate to 0, got %s", p)
	}
}

// --- Cost tests ---

func TestBuyCost_ClosedForm(t *testing.T) {
	// b = 100 units, buy 10 YES from the origin:
	// cost = b·ln((1 + e^{10/100}) / 2) = 5.1249479513626 units.
	m := mm(t, b100)
	cost, err := m.BuyCost(0, 0, 10*model.Micro, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const want = 5_124_948
	if cost < want-1 || cost > want+1 {
		t.Errorf("expected closed-form cost ≈ %d micro, got %d", want, cost)
	}

	// Post-trade YES price must exceed 0.5.
	p, _ := m.YesPrice(10*model.Micro, 0)
	if PriceMicros(p) <= 500_000 {
		t.Errorf("post-buy price should exceed 500000, got %d", PriceMicros(p))
	}
}

func TestBuyCost_SymmetricAtOrigin(t *testing.T) {
	m := mm(t, b100)
	yes, _ := m.BuyCost(0, 0, 10*model.Micro, 0)
	no, _ := m.BuyCost(0, 0, 0, 10*model.Micro)
	if yes != no {
		t.Errorf("origin buys should be symmetric: YES=%d NO=%d", yes, no)
	}
}

func TestBuyCost_PathIndependence(t *testing.T) {
	m := mm(t, b100)
	c1, _ := m.BuyCost(0, 0, 10*model.Micro, 0)
	c2, _ := m.BuyCost(10*model.Micro, 0, 5*model.Micro, 0)
	direct, _ := m.BuyCost(0, 0, 15*model.Micro, 0)

	diff := c1 + c2 - direct
	if diff < -1 || diff > 1 {
		t.Errorf("path independence violated: sequential=%d direct=%d", c1+c2, direct)
	}
}

func TestBuyCost_Convexity(t *testing.T) {
	m := mm(t, b100)
	first, _ := m.BuyCost(0, 0, 10*model.Micro, 0)
	second, _ := m.BuyCost(10*model.Micro, 0, 10*model.Micro, 0)
	if second <= first {
		t.Errorf("second batch should cost more: first=%d second=%d", first, second)
	}
}

func TestBuyCost_PositiveForPositivePurchase(t *testing.T) {
	m := mm(t, b100)
	for _, qty := range []int64{model.Micro, 10 * model.Micro, 500 * model.Micro} {
		cost, err := m.BuyCost(0, 0, qty, 0)
		if err != nil {
			t.Fatalf("BuyCost(qty=%d): %v", qty, err)
		}
		if cost <= 0 {
			t.Errorf("buying %d micro-shares should cost > 0, got %d", qty, cost)
		}
	}
}

func TestBuyCost_ZeroCostPurchaseIsInvariantViolation(t *testing.T) {
	// A purchase so small its cost rounds to zero micro-units must be
	// flagged, not silently given away.
	m := mm(t, 1_000_000*model.Micro)
	_, err := m.BuyCost(0, 0, 1, 0)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation for zero-cost purchase, got %v", err)
	}
}

func TestBuyCost_NegativeDelta(t *testing.T) {
	m := mm(t, b100)
	if _, err := m.BuyCost(0, 0, -model.Micro, 0); !errors.Is(err, ErrArithmeticUnderflow) {
		t.Errorf("expected ErrArithmeticUnderflow for negative delta, got %v", err)
	}
}

// --- Sell tests ---

func TestSellPayout_RoundTripNeverProfits(t *testing.T) {
	m := mm(t, b100)
	for _, qty := range []int64{model.Micro, 10 * model.Micro, 250 * model.Micro} {
		cost, err := m.BuyCost(0, 0, qty, 0)
		if err != nil {
			t.Fatalf("BuyCost: %v", err)
		}
		payout, err := m.SellPayout(qty, 0, qty, 0)
		if err != nil {
			t.Fatalf("SellPayout: %v", err)
		}
		if payout > cost {
			t.Errorf("round trip of %d micro-shares profits: cost=%d payout=%d",
				qty, cost, payout)
		}
	}
}

func TestSellPayout_PositiveWithDepth(t *testing.T) {
	m := mm(t, b100)
	payout, err := m.SellPayout(50*model.Micro, 0, 10*model.Micro, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payout <= 0 {
		t.Errorf("sell with depth should pay out > 0, got %d", payout)
	}
}

func TestSellPayout_BeyondDepth(t *testing.T) {
	m := mm(t, b100)
	_, err := m.SellPayout(5*model.Micro, 0, 10*model.Micro, 0)
	if !errors.Is(err, ErrArithmeticUnderflow) {
		t.Errorf("expected ErrArithmeticUnderflow selling beyond depth, got %v", err)
	}
	_, err = m.SellPayout(0, 5*model.Micro, 0, 10*model.Micro)
	if !errors.Is(err, ErrArithmeticUnderflow) {
		t.Errorf("expected ErrArithmeticUnderflow on NO side, got %v", err)
	}
}

// --- Helper tests ---

func TestPerSharePrice(t *testing.T) {
	// 5.124948 units for 10 shares → 0.512495 per share.
	p, err := PerSharePrice(5_124_948, 10*model.Micro)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 512_495 {
		t.Errorf("expected 512495 micro-price, got %d", p)
	}

	if _, err := PerSharePrice(100, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestCost_FactoredFormMatchesNaiveInSafeRange(t *testing.T) {
	// Where the naive form is representable, the factored form must agree.
	m := mm(t, b100)
	got, err := m.Cost(30*model.Micro, 10*model.Micro)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// b·ln(e^{0.3} + e^{0.1}) = 89.8138869... units.
	want := decimal.RequireFromString("89813886.9")
	if got.Sub(want).Abs().GreaterThan(decimal.NewFromInt(1)) {
		t.Errorf("cost mismatch: got %s want ≈ %s", got, want)
	}
}
