package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omx/prediction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot market and option reads. Reads check Redis first then fall
// back to the primary; settlement commits invalidate the touched keys so
// the display path converges shortly after each trade. Trade transactions
// themselves always read through the primary under row locks — the cache
// only ever serves the unlocked, eventually-consistent read path.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if data, err := s.rdb.Get(ctx, marketKey(id)).Bytes(); err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetOption(ctx context.Context, id string) (*model.Option, error) {
	if data, err := s.rdb.Get(ctx, optionKey(id)).Bytes(); err == nil {
		var o model.Option
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.Store.GetOption(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, optionKey(id), o)
	return o, nil
}

func (s *CachedStore) ResolveOption(ctx context.Context, optionID string, winner model.Side) error {
	if err := s.Store.ResolveOption(ctx, optionID, winner); err != nil {
		return err
	}
	s.invalidateOption(ctx, optionID)
	return nil
}

func (s *CachedStore) FinishSweep(ctx context.Context, optionID string) error {
	if err := s.Store.FinishSweep(ctx, optionID); err != nil {
		return err
	}
	s.rdb.Del(ctx, optionKey(optionID))
	return nil
}

// BeginTrade wraps the primary transaction so a successful commit
// invalidates every market/option key the transaction wrote.
func (s *CachedStore) BeginTrade(ctx context.Context) (TradeTx, error) {
	tx, err := s.Store.BeginTrade(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTradeTx{TradeTx: tx, cache: s}, nil
}

type cachedTradeTx struct {
	TradeTx
	cache   *CachedStore
	touched []string
}

func (t *cachedTradeTx) SetOptionQuantities(ctx context.Context, optionID string, qYes, qNo int64) error {
	if err := t.TradeTx.SetOptionQuantities(ctx, optionID, qYes, qNo); err != nil {
		return err
	}
	t.touched = append(t.touched, optionKey(optionID))
	return nil
}

func (t *cachedTradeTx) SetMarketBalances(ctx context.Context, marketID string, pool, fee, creatorFee int64) error {
	if err := t.TradeTx.SetMarketBalances(ctx, marketID, pool, fee, creatorFee); err != nil {
		return err
	}
	t.touched = append(t.touched, marketKey(marketID))
	return nil
}

func (t *cachedTradeTx) Commit(ctx context.Context) error {
	if err := t.TradeTx.Commit(ctx); err != nil {
		return err
	}
	if len(t.touched) > 0 {
		t.cache.rdb.Del(ctx, t.touched...)
	}
	return nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidateOption(ctx context.Context, optionID string) {
	s.rdb.Del(ctx, optionKey(optionID))
	if o, err := s.Store.GetOption(ctx, optionID); err == nil {
		s.rdb.Del(ctx, marketKey(o.MarketID))
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func optionKey(id string) string { return fmt.Sprintf("option:%s", id) }
