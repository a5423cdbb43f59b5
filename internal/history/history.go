// Package history records per-trade price snapshots and maintains rolling
// OHLC aggregates at multiple granularities for chart rendering.
//
// Recording is best-effort and runs after the settling transaction has
// committed: a recording failure is logged and never unwinds the trade.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omx/prediction-engine/internal/model"
	"github.com/omx/prediction-engine/internal/store"
)

// Interval is one OHLC aggregation granularity.
type Interval struct {
	Name     string
	Duration time.Duration
}

// Intervals is the fixed set of granularities maintained for every option.
// Each trade updates all of them in one pass.
var Intervals = []Interval{
	{"1m", time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"1h", time.Hour},
	{"4h", 4 * time.Hour},
	{"1d", 24 * time.Hour},
}

// rawLookback bounds how far back the raw-snapshot read path reaches;
// longer ranges are served from OHLC aggregates.
const rawLookback = 2 * time.Hour

// Recorder appends snapshots and upserts OHLC buckets.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// RecordTrade appends one immutable snapshot for a settled trade and folds
// its price into every interval bucket. The first error encountered is
// returned; partial aggregate writes are tolerated and reconciled by
// later trades on the same buckets.
func (r *Recorder) RecordTrade(ctx context.Context, t *model.Trade, priceYes, qYes, qNo int64) error {
	snap := &model.PriceSnapshot{
		ID:        uuid.New().String(),
		OptionID:  t.OptionID,
		TradeID:   t.ID,
		PriceYes:  priceYes,
		QYes:      qYes,
		QNo:       qNo,
		Volume:    t.Quantity,
		Timestamp: t.Timestamp,
	}
	if err := r.store.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, iv := range Intervals {
		c := &model.Candle{
			OptionID:    t.OptionID,
			Interval:    iv.Name,
			BucketStart: t.Timestamp.Truncate(iv.Duration),
			Open:        priceYes,
			High:        priceYes,
			Low:         priceYes,
			Close:       priceYes,
			Volume:      t.Quantity,
			TradeCount:  1,
		}
		if err := r.store.UpsertCandle(ctx, c); err != nil {
			return fmt.Errorf("upsert %s candle: %w", iv.Name, err)
		}
	}
	return nil
}

// Series is the read-path result: either OHLC candles or raw snapshots,
// never both.
type Series struct {
	Interval  string                `json:"interval,omitempty"`
	Candles   []model.Candle        `json:"candles,omitempty"`
	Snapshots []model.PriceSnapshot `json:"snapshots,omitempty"`
}

// Query returns price history for an option over [from, to]. Short ranges
// are served from raw snapshots; longer ranges pick the coarsest interval
// that yields a useful number of buckets, falling back to raw snapshots
// for options too young to have aggregates.
func (r *Recorder) Query(ctx context.Context, optionID string, from, to time.Time) (*Series, error) {
	if to.Sub(from) <= rawLookback {
		snaps, err := r.store.Snapshots(ctx, optionID, from, to)
		if err != nil {
			return nil, err
		}
		return &Series{Snapshots: snaps}, nil
	}

	iv := pickInterval(to.Sub(from))
	candles, err := r.store.Candles(ctx, optionID, iv.Name, from, to)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		// Newly created option with no aggregates yet.
		snaps, err := r.store.Snapshots(ctx, optionID, from, to)
		if err != nil {
			return nil, err
		}
		return &Series{Snapshots: snaps}, nil
	}
	return &Series{Interval: iv.Name, Candles: candles}, nil
}

// pickInterval chooses the coarsest interval giving at least ~60 buckets
// over the requested range.
func pickInterval(span time.Duration) Interval {
	for i := len(Intervals) - 1; i >= 0; i-- {
		if span/Intervals[i].Duration >= 60 {
			return Intervals[i]
		}
	}
	return Intervals[0]
}
