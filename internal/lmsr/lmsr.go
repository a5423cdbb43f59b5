// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(2))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All quantities are int64 micro-units at the package boundary; every
// intermediate computation runs in shopspring/decimal at 32 significant
// digits — never float64 for money. Results convert back to micro-units
// with banker's rounding at the single exit point.
//
// The naive cost form b·ln(e^{qYes/b} + e^{qNo/b}) overflows for realistic
// quantities, so the package only ever evaluates the factored form
//
//	C = max(qYes, qNo) + b·ln(1 + e^{-|qYes-qNo|/b})
//
// which keeps every exponent argument non-positive and bounded.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/omx/prediction-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrArithmeticUnderflow is returned when a cost comes out negative or a
	// sell exceeds market depth. Valid inputs can never trigger it; callers
	// treat it as a math-contract defect, not a user error.
	ErrArithmeticUnderflow = errors.New("lmsr: arithmetic underflow")

	// ErrInvariantViolation is returned when a result breaks an LMSR
	// invariant (zero cost for a non-zero purchase, price outside [0, 1]).
	ErrInvariantViolation = errors.New("lmsr: invariant violation")

	// ErrDivisionByZero is returned when a per-share price is requested for
	// a zero quantity.
	ErrDivisionByZero = errors.New("lmsr: division by zero")
)

// calcPrecision is the number of significant digits for decimal Ln/Exp
// evaluation. The precision contract requires at least 28.
const calcPrecision int32 = 32

// expCutoff bounds the exponent argument fed to the decimal Taylor
// expansion. Beyond it e^{-x} is below 1e-28 and contributes nothing at
// calcPrecision.
var expCutoff = decimal.NewFromInt(64)

var one = decimal.NewFromInt(1)

// MarketMaker evaluates the LMSR cost function for one option's liquidity
// parameter. It is stateless — quantities are passed as arguments, not
// stored — so the same instance may price concurrent reads.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a market maker from a liquidity parameter in
// micro-units. Higher b → deeper, less volatile pricing.
func NewMarketMaker(bMicros int64) (*MarketMaker, error) {
	if bMicros <= 0 {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: decimal.NewFromInt(bMicros)}, nil
}

// B returns the liquidity parameter in micro-units.
func (m *MarketMaker) B() int64 {
	return m.b.IntPart()
}

// Cost evaluates C(qYes, qNo) in micro-units via the factored stable form.
func (m *MarketMaker) Cost(qYes, qNo int64) (decimal.Decimal, error) {
	qy := decimal.NewFromInt(qYes)
	qn := decimal.NewFromInt(qNo)

	maxQ, minQ := qy, qn
	if qn.GreaterThan(qy) {
		maxQ, minQ = qn, qy
	}

	// x = |qYes - qNo| / b, always >= 0.
	x := maxQ.Sub(minQ).DivRound(m.b, calcPrecision)
	if x.GreaterThan(expCutoff) {
		// e^{-x} vanishes at working precision: C = max(qYes, qNo).
		return maxQ, nil
	}

	expTerm, err := x.Neg().ExpTaylor(calcPrecision)
	if err != nil {
		return decimal.Zero, err
	}
	lnTerm, err := one.Add(expTerm).Ln(calcPrecision)
	if err != nil {
		return decimal.Zero, err
	}
	return maxQ.Add(m.b.Mul(lnTerm)), nil
}

// BuyCost returns the cost in micro-units of adding buyYes/buyNo shares:
//
//	cost = C(qYes+buyYes, qNo+buyNo) − C(qYes, qNo)
//
// A negative result is ErrArithmeticUnderflow; a zero result for a non-zero
// purchase is ErrInvariantViolation. Both indicate a defect, never a user
// error.
func (m *MarketMaker) BuyCost(qYes, qNo, buyYes, buyNo int64) (int64, error) {
	if buyYes < 0 || buyNo < 0 {
		return 0, ErrArithmeticUnderflow
	}
	before, err := m.Cost(qYes, qNo)
	if err != nil {
		return 0, err
	}
	after, err := m.Cost(qYes+buyYes, qNo+buyNo)
	if err != nil {
		return 0, err
	}

	cost := after.Sub(before).RoundBank(0).IntPart()
	if cost < 0 {
		return 0, ErrArithmeticUnderflow
	}
	if cost == 0 && (buyYes > 0 || buyNo > 0) {
		return 0, ErrInvariantViolation
	}
	return cost, nil
}

// SellPayout returns the payout in micro-units of removing sellYes/sellNo
// shares:
//
//	payout = C(qYes, qNo) − C(qYes−sellYes, qNo−sellNo)
//
// Selling beyond market depth is ErrArithmeticUnderflow. Callers are
// expected to have validated depth already; this re-validates.
func (m *MarketMaker) SellPayout(qYes, qNo, sellYes, sellNo int64) (int64, error) {
	if sellYes < 0 || sellNo < 0 || sellYes > qYes || sellNo > qNo {
		return 0, ErrArithmeticUnderflow
	}
	before, err := m.Cost(qYes, qNo)
	if err != nil {
		return 0, err
	}
	after, err := m.Cost(qYes-sellYes, qNo-sellNo)
	if err != nil {
		return 0, err
	}

	payout := before.Sub(after).RoundBank(0).IntPart()
	if payout < 0 {
		return 0, ErrArithmeticUnderflow
	}
	return payout, nil
}

// YesPrice returns the instantaneous YES probability in [0, 1], computed
// via the logistic form
//
//	p = 1 / (1 + e^{(qNo-qYes)/b})
//
// which cannot overflow or leave [0, 1] by construction; a violation means
// corrupted inputs.
func (m *MarketMaker) YesPrice(qYes, qNo int64) (decimal.Decimal, error) {
	x := decimal.NewFromInt(qNo - qYes).DivRound(m.b, calcPrecision)

	// Saturate once the exponential dwarfs working precision.
	if x.GreaterThan(expCutoff) {
		return decimal.Zero, nil
	}
	if x.Neg().GreaterThan(expCutoff) {
		return one, nil
	}

	expTerm, err := x.ExpTaylor(calcPrecision)
	if err != nil {
		return decimal.Zero, err
	}
	p := one.DivRound(one.Add(expTerm), calcPrecision)
	if p.IsNegative() || p.GreaterThan(one) {
		return decimal.Zero, ErrInvariantViolation
	}
	return p, nil
}

// NoPrice returns 1 − YesPrice. YesPrice + NoPrice == 1 exactly at working
// precision; serialization may introduce at most one micro-unit of skew.
func (m *MarketMaker) NoPrice(qYes, qNo int64) (decimal.Decimal, error) {
	p, err := m.YesPrice(qYes, qNo)
	if err != nil {
		return decimal.Zero, err
	}
	return one.Sub(p), nil
}

// PerSharePrice returns the average execution micro-price of a fill:
// amount / quantity scaled to [0, 1e6].
func PerSharePrice(amountMicros, quantityMicros int64) (int64, error) {
	if quantityMicros == 0 {
		return 0, ErrDivisionByZero
	}
	p := decimal.NewFromInt(amountMicros).
		Mul(decimal.NewFromInt(model.Micro)).
		DivRound(decimal.NewFromInt(quantityMicros), calcPrecision)
	return p.RoundBank(0).IntPart(), nil
}

// PriceMicros converts a probability in [0, 1] to its serialized
// micro-price with banker's rounding.
func PriceMicros(p decimal.Decimal) int64 {
	return p.Mul(decimal.NewFromInt(model.Micro)).RoundBank(0).IntPart()
}
