// Package ledger applies buy/sell/claim deltas to a trader's position.
//
// All three operations are pure transformations over a model.Position plus
// explicit deltas; the caller owns persistence and transactional atomicity.
// Proportional allocations run through shopspring/decimal so int64
// intermediates never truncate or overflow — never float64 for money.
package ledger

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/omx/prediction-engine/internal/model"
)

var (
	// ErrInsufficientShares is returned when a sell exceeds the position's
	// holdings on either leg.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrAlreadyClaimed is returned when a claim is applied to a position
	// whose claimed flag is already set.
	ErrAlreadyClaimed = errors.New("ledger: position already claimed")

	// ErrNegativeDelta is returned for negative share or money deltas.
	ErrNegativeDelta = errors.New("ledger: negative delta")
)

// ApplyBuy adds yesDelta/noDelta micro-shares bought for cost micro-units.
// The cost is split between the legs in proportion to shares bought, and
// each leg's average price is recomputed as totalCost / totalShares.
func ApplyBuy(p *model.Position, yesDelta, noDelta, cost int64) error {
	if yesDelta < 0 || noDelta < 0 || cost < 0 {
		return ErrNegativeDelta
	}
	if yesDelta == 0 && noDelta == 0 {
		return nil
	}

	yesCost := allocate(cost, yesDelta, yesDelta+noDelta)
	noCost := cost - yesCost // remainder, so the split never drops a micro

	p.YesShares += yesDelta
	p.NoShares += noDelta
	p.TotalYesCost += yesCost
	p.TotalNoCost += noCost
	p.AvgYesPrice = avgPrice(p.TotalYesCost, p.YesShares)
	p.AvgNoPrice = avgPrice(p.TotalNoCost, p.NoShares)
	return nil
}

// ApplySell removes yesDelta/noDelta micro-shares sold for payout
// micro-units. Cost basis is removed proportionally at the existing
// average price — not the sale price — and the difference lands in
// realized P&L.
func ApplySell(p *model.Position, yesDelta, noDelta, payout int64) error {
	if yesDelta < 0 || noDelta < 0 || payout < 0 {
		return ErrNegativeDelta
	}
	if yesDelta > p.YesShares || noDelta > p.NoShares {
		return ErrInsufficientShares
	}

	removed := removeBasis(&p.YesShares, &p.TotalYesCost, yesDelta) +
		removeBasis(&p.NoShares, &p.TotalNoCost, noDelta)

	p.AvgYesPrice = avgPrice(p.TotalYesCost, p.YesShares)
	p.AvgNoPrice = avgPrice(p.TotalNoCost, p.NoShares)
	p.RealizedPnL += payout - removed
	return nil
}

// ApplyClaim settles a resolved option: winning-side shares are worth
// payoutPerShare micro-units each (1e6 for the standard one-unit payout),
// losing-side shares are worth zero. Both legs are zeroed and realized
// P&L absorbs payout − total cost basis (negative for a net loser).
// The computed payout in micro-units is returned for wallet crediting.
func ApplyClaim(p *model.Position, winner model.Side, payoutPerShare int64) (int64, error) {
	if p.Claimed {
		return 0, ErrAlreadyClaimed
	}
	if payoutPerShare < 0 {
		return 0, ErrNegativeDelta
	}

	winningShares := p.YesShares
	if winner == model.SideNo {
		winningShares = p.NoShares
	}

	payout := decimal.NewFromInt(winningShares).
		Mul(decimal.NewFromInt(payoutPerShare)).
		DivRound(decimal.NewFromInt(model.Micro), 0).
		IntPart()

	basis := p.TotalYesCost + p.TotalNoCost
	p.RealizedPnL += payout - basis
	p.YesShares = 0
	p.NoShares = 0
	p.TotalYesCost = 0
	p.TotalNoCost = 0
	p.AvgYesPrice = 0
	p.AvgNoPrice = 0
	p.Claimed = true
	return payout, nil
}

// allocate returns amount × part / whole with a wide decimal intermediate
// and banker's rounding.
func allocate(amount, part, whole int64) int64 {
	if whole == 0 || part == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(part)).
		DivRound(decimal.NewFromInt(whole), 8).
		RoundBank(0).
		IntPart()
}

// removeBasis takes delta shares off a leg, removing basis proportionally
// at the existing average. A full sell clears the leg exactly so no
// rounding residue survives.
func removeBasis(shares, totalCost *int64, delta int64) int64 {
	if delta == 0 {
		return 0
	}
	if delta == *shares {
		removed := *totalCost
		*shares = 0
		*totalCost = 0
		return removed
	}
	removed := allocate(*totalCost, delta, *shares)
	*shares -= delta
	*totalCost -= removed
	return removed
}

// avgPrice returns totalCost / shares as a micro-price, zero when flat.
func avgPrice(totalCost, shares int64) int64 {
	if shares == 0 {
		return 0
	}
	return decimal.NewFromInt(totalCost).
		Mul(decimal.NewFromInt(model.Micro)).
		DivRound(decimal.NewFromInt(shares), 8).
		RoundBank(0).
		IntPart()
}
