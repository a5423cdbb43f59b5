// Package events fans out externally-observable engine events: trade
// executions, price moves, balance changes, and resolution outcomes.
//
// Delivery is best-effort by contract — every publisher swallows and logs
// its own failures, and emission happens post-commit so a dropped event
// can never affect trade correctness.
package events

import (
	"context"
	"time"
)

// Event types emitted by the engine.
const (
	TypeTradeExecuted  = "trade_executed"
	TypePriceUpdated   = "price_updated"
	TypeBalanceUpdated = "balance_updated"
	TypeClaimSettled   = "claim_settled"
	TypeMarketResolved = "market_resolved"
)

// Event is one structured fan-out payload. Monetary fields are micro-units;
// prices are micro-prices in [0, 1e6].
type Event struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"market_id,omitempty"`
	OptionID  string    `json:"option_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	TradeID   string    `json:"trade_id,omitempty"`
	Side      string    `json:"side,omitempty"`
	Quantity  int64     `json:"quantity,omitempty"`
	PriceYes  int64     `json:"price_yes,omitempty"`
	PriceNo   int64     `json:"price_no,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Balance   int64     `json:"balance,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events to one transport. Implementations must never
// block trade execution and must not return errors to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Fanout delivers each event to every child publisher.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		p.Publish(ctx, e)
	}
}

// Discard is a Publisher that drops everything. Useful in tests.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) {}
