// Package sweep settles every unclaimed position on a resolved option in
// one pass: winners are paid from the market pool, losers realize their
// cost basis as a loss. A sweep is idempotent and safe under concurrent
// invocation — exactly one runner wins the status transition, everyone
// else exits without side effects.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omx/prediction-engine/internal/events"
	"github.com/omx/prediction-engine/internal/ledger"
	"github.com/omx/prediction-engine/internal/metrics"
	"github.com/omx/prediction-engine/internal/model"
	"github.com/omx/prediction-engine/internal/store"
)

// ErrNotResolved is returned when sweeping an option that has no recorded
// winning side yet.
var ErrNotResolved = errors.New("sweep: option not resolved")

// Result summarizes one completed sweep.
type Result struct {
	OptionID  string `json:"option_id"`
	Winners   int    `json:"winners"`
	Losers    int    `json:"losers"`
	Skipped   int    `json:"skipped"` // left unclaimed: pool could not cover them
	TotalPaid int64  `json:"total_paid"`
}

// Sweeper runs resolution sweeps.
type Sweeper struct {
	store store.Store
	pub   events.Publisher
}

// New creates a sweeper. pub may be events.Discard{}.
func New(st store.Store, pub events.Publisher) *Sweeper {
	return &Sweeper{store: st, pub: pub}
}

// Run sweeps one resolved option. Returns (nil, nil) when another runner
// already owns or finished the sweep — callers retried by a scheduler
// treat that as success.
//
// Winners whose payout exceeds remaining pool liquidity are skipped, not
// failed: their positions stay unclaimed so the manual claim path can pay
// them once the pool is replenished.
func (s *Sweeper) Run(ctx context.Context, optionID string) (*Result, error) {
	opt, err := s.store.GetOption(ctx, optionID)
	if err != nil {
		return nil, err
	}
	if !opt.Resolved || !opt.Winner.Valid() {
		return nil, ErrNotResolved
	}

	acquired, err := s.store.TryStartSweep(ctx, optionID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		metrics.SweepsTotal.WithLabelValues("lost_race").Inc()
		return nil, nil
	}

	res, settled, err := s.settle(ctx, opt)
	if err != nil {
		metrics.SweepsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	// Only flip to completed once the settlement has committed; a crash
	// in between leaves the status "running" for operators to re-arm.
	if err := s.store.FinishSweep(ctx, optionID); err != nil {
		return nil, fmt.Errorf("finish sweep: %w", err)
	}

	metrics.SweepsTotal.WithLabelValues("completed").Inc()
	metrics.SweepPositionsSettled.Add(float64(res.Winners + res.Losers))
	slog.Info("resolution sweep completed",
		"option_id", optionID,
		"winner", opt.Winner,
		"winners", res.Winners,
		"losers", res.Losers,
		"skipped", res.Skipped,
		"total_paid", res.TotalPaid,
	)

	// Notifications go out after the credits are durable; their failure
	// never undoes a payout.
	for _, n := range settled {
		s.pub.Publish(ctx, n)
	}
	return res, nil
}

// settle runs the single settlement transaction: lock the market row,
// lock every unclaimed position, apply claims, and commit.
func (s *Sweeper) settle(ctx context.Context, opt *model.Option) (*Result, []events.Event, error) {
	tx, err := s.store.BeginTrade(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	mkt, err := tx.MarketForUpdate(ctx, opt.MarketID)
	if err != nil {
		return nil, nil, err
	}
	positions, err := tx.UnclaimedPositionsForUpdate(ctx, opt.ID)
	if err != nil {
		return nil, nil, err
	}

	res := &Result{OptionID: opt.ID}
	pool := mkt.PoolLiquidity
	now := time.Now().UTC()
	var settled []events.Event

	for i := range positions {
		pos := &positions[i]

		winningShares := pos.YesShares
		if opt.Winner == model.SideNo {
			winningShares = pos.NoShares
		}
		if winningShares > pool {
			// Pool cannot cover this winner right now. Leave the position
			// unclaimed for the manual claim path.
			res.Skipped++
			continue
		}

		payout, err := ledger.ApplyClaim(pos, opt.Winner, model.Micro)
		if err != nil {
			return nil, nil, err
		}

		if payout > 0 {
			pool -= payout
			res.Winners++
			res.TotalPaid += payout
			if err := tx.CreditWallet(ctx, pos.UserID, payout); err != nil {
				return nil, nil, err
			}
		} else {
			res.Losers++
		}

		if err := tx.SavePosition(ctx, pos); err != nil {
			return nil, nil, err
		}
		if err := tx.InsertTrade(ctx, &model.Trade{
			ID:        uuid.New().String(),
			UserID:    pos.UserID,
			MarketID:  opt.MarketID,
			OptionID:  opt.ID,
			Type:      model.TradeClaim,
			Side:      opt.Winner,
			Quantity:  winningShares,
			Price:     model.Micro,
			Cost:      payout,
			Timestamp: now,
		}); err != nil {
			return nil, nil, err
		}

		settled = append(settled, events.Event{
			Type:      events.TypeClaimSettled,
			MarketID:  opt.MarketID,
			OptionID:  opt.ID,
			UserID:    pos.UserID,
			Side:      string(opt.Winner),
			Quantity:  winningShares,
			Amount:    payout,
			Message:   claimMessage(opt, payout),
			Timestamp: now,
		})
	}

	if err := tx.SetMarketBalances(ctx, mkt.ID, pool, mkt.FeeAccrued, mkt.CreatorFeeAccrued); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return res, settled, nil
}

func claimMessage(opt *model.Option, payout int64) string {
	if payout > 0 {
		return fmt.Sprintf("You won %d micro-units on %q", payout, opt.Label)
	}
	return fmt.Sprintf("Your position on %q did not win", opt.Label)
}
