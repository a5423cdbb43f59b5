// Package model defines the core domain types shared across the prediction
// engine. All monetary and share quantities are int64 in micro-units
// (1 unit = 1,000,000 micro-units), matching the settlement currency's
// precision. Arithmetic over these values uses shopspring/decimal — never
// float64 for money.
package model

import (
	"time"
)

// Micro is the fixed-point scale: 1 unit = 1,000,000 micro-units.
const Micro int64 = 1_000_000

// Side identifies the YES or NO leg of an option.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether the side is one of the two known legs.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// TradeType distinguishes the three mutating operations.
type TradeType string

const (
	TradeBuy   TradeType = "BUY"
	TradeSell  TradeType = "SELL"
	TradeClaim TradeType = "CLAIM"
)

// Sweep status values for an option's resolution sweep.
const (
	SweepPending   = "pending"
	SweepRunning   = "running"
	SweepCompleted = "completed"
)

// Market identifies a question with one or more options, the LMSR liquidity
// parameter b (fixed at initialization), and the pool balance backing sell
// and claim payouts. b and all quantities share the micro-unit scale.
type Market struct {
	ID                string    `json:"id" db:"id"`
	Question          string    `json:"question" db:"question"`
	CreatorID         string    `json:"creator_id" db:"creator_id"`
	B                 int64     `json:"b" db:"b"` // liquidity parameter, micro-units
	Initialized       bool      `json:"initialized" db:"initialized"`
	Resolved          bool      `json:"resolved" db:"resolved"`
	PoolLiquidity     int64     `json:"pool_liquidity" db:"pool_liquidity"`
	FeeAccrued        int64     `json:"fee_accrued" db:"fee_accrued"`
	CreatorFeeAccrued int64     `json:"creator_fee_accrued" db:"creator_fee_accrued"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Option is one outcome of a market. The YES/NO quantities are the AMM's
// sole state variables — prices are derived from them, never stored as
// ground truth.
type Option struct {
	ID          string `json:"id" db:"id"`
	MarketID    string `json:"market_id" db:"market_id"`
	Label       string `json:"label" db:"label"`
	QYes        int64  `json:"q_yes" db:"q_yes"`
	QNo         int64  `json:"q_no" db:"q_no"`
	Resolved    bool   `json:"resolved" db:"resolved"`
	Winner      Side   `json:"winner,omitempty" db:"winner"` // set once resolved
	SweepStatus string `json:"sweep_status" db:"sweep_status"`
}

// Position tracks one user's holdings in one option: share balances,
// weighted average entry prices, cost basis, and realized P&L.
//
// Invariant: TotalYesCost == YesShares × AvgYesPrice / Micro up to integer
// rounding, and likewise for the NO leg. Positions are created lazily on
// first buy and never hard-deleted — realized P&L history survives a full
// sell or claim.
type Position struct {
	UserID       string `json:"user_id" db:"user_id"`
	OptionID     string `json:"option_id" db:"option_id"`
	MarketID     string `json:"market_id" db:"market_id"`
	YesShares    int64  `json:"yes_shares" db:"yes_shares"`
	NoShares     int64  `json:"no_shares" db:"no_shares"`
	AvgYesPrice  int64  `json:"avg_yes_price" db:"avg_yes_price"` // micro-price in [0, 1e6]
	AvgNoPrice   int64  `json:"avg_no_price" db:"avg_no_price"`
	TotalYesCost int64  `json:"total_yes_cost" db:"total_yes_cost"`
	TotalNoCost  int64  `json:"total_no_cost" db:"total_no_cost"`
	RealizedPnL  int64  `json:"realized_pnl" db:"realized_pnl"`
	Claimed      bool   `json:"claimed" db:"claimed"`
}

// Trade is an immutable record of a completed buy/sell/claim.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	OptionID  string    `json:"option_id" db:"option_id"`
	Type      TradeType `json:"type" db:"type"`
	Side      Side      `json:"side" db:"side"`
	Quantity  int64     `json:"quantity" db:"quantity"` // micro-shares
	Price     int64     `json:"price" db:"price"`       // micro-price per share
	Cost      int64     `json:"cost" db:"cost"`         // gross cost/payout, micro-units
	Fee       int64     `json:"fee" db:"fee"`           // micro-units
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Wallet is the settlement balance row for one user, in micro-units.
type Wallet struct {
	UserID  string `json:"user_id" db:"user_id"`
	Balance int64  `json:"balance" db:"balance"`
}

// PriceSnapshot is an immutable per-trade time-series point.
type PriceSnapshot struct {
	ID        string    `json:"id" db:"id"`
	OptionID  string    `json:"option_id" db:"option_id"`
	TradeID   string    `json:"trade_id" db:"trade_id"`
	PriceYes  int64     `json:"price_yes" db:"price_yes"` // micro-price
	QYes      int64     `json:"q_yes" db:"q_yes"`
	QNo       int64     `json:"q_no" db:"q_no"`
	Volume    int64     `json:"volume" db:"volume"` // micro-shares traded
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Candle is a mutable OHLC aggregate bucket keyed by
// (option, interval, bucket start).
//
// Invariant: High ≥ max(Open, Close) and Low ≤ min(Open, Close).
type Candle struct {
	OptionID    string    `json:"option_id" db:"option_id"`
	Interval    string    `json:"interval" db:"interval"`
	BucketStart time.Time `json:"bucket_start" db:"bucket_start"`
	Open        int64     `json:"open" db:"open"`
	High        int64     `json:"high" db:"high"`
	Low         int64     `json:"low" db:"low"`
	Close       int64     `json:"close" db:"close"`
	Volume      int64     `json:"volume" db:"volume"`
	TradeCount  int64     `json:"trade_count" db:"trade_count"`
}
