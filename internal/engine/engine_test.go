package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omx/prediction-engine/internal/engine"
	"github.com/omx/prediction-engine/internal/events"
	"github.com/omx/prediction-engine/internal/history"
	"github.com/omx/prediction-engine/internal/ledger"
	"github.com/omx/prediction-engine/internal/model"
	"github.com/omx/prediction-engine/internal/store"
)

// newTestEnv creates an engine over an in-memory store with the default
// 2.5% fee split evenly between protocol and creator.
func newTestEnv(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	e := engine.New(ms, history.NewRecorder(ms), events.Discard{}, engine.Params{
		FeeBips:             250,
		CreatorFeeShareBips: 5000,
		DefaultB:            100_000_000,
		QueueTimeout:        5 * time.Second,
	})
	return e, ms
}

// seedMarket creates a one-option market with b = 100 units and returns
// the market and its option.
func seedMarket(t *testing.T, e *engine.Engine) (*model.Market, model.Option) {
	t.Helper()
	m, opts, err := e.CreateMarket(context.Background(), engine.CreateMarketRequest{
		Question:  "Will it rain tomorrow?",
		CreatorID: "creator1",
		B:         100_000_000,
		Options:   []string{"Rain"},
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m, opts[0]
}

func fundWallet(t *testing.T, ms *store.MemoryStore, userID string, balance int64) {
	t.Helper()
	if err := ms.UpsertWallet(context.Background(), &model.Wallet{UserID: userID, Balance: balance}); err != nil {
		t.Fatalf("UpsertWallet: %v", err)
	}
}

func buy(t *testing.T, e *engine.Engine, m *model.Market, opt model.Option, user string, side model.Side, qty int64) *engine.TradeResult {
	t.Helper()
	res, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:   user,
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeBuy,
		Side:     side,
		Quantity: qty,
		MaxCost:  1_000_000_000_000,
	})
	if err != nil {
		t.Fatalf("buy %s %d: %v", side, qty, err)
	}
	return res
}

func TestExecuteTrade_BuyYes(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)

	res := buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)

	// Closed form: 100·ln((e^0.1 + 1)/2) ≈ 5.124948 units.
	if res.Trade.Cost < 5_124_947 || res.Trade.Cost > 5_124_949 {
		t.Errorf("cost = %d, want ≈5_124_948", res.Trade.Cost)
	}
	// 2.5% of the gross cost.
	wantFee := res.Trade.Cost * 250 / 10_000
	if diff := res.Trade.Fee - wantFee; diff < -1 || diff > 1 {
		t.Errorf("fee = %d, want ≈%d", res.Trade.Fee, wantFee)
	}
	if res.PriceYes <= 500_000 {
		t.Errorf("price after YES buy = %d, want > 500_000", res.PriceYes)
	}
	if res.WalletBalance != 100*model.Micro-res.Trade.Cost-res.Trade.Fee {
		t.Errorf("wallet = %d, want debited by cost+fee", res.WalletBalance)
	}

	got, err := ms.GetOption(context.Background(), opt.ID)
	if err != nil {
		t.Fatalf("GetOption: %v", err)
	}
	if got.QYes != 10*model.Micro || got.QNo != 0 {
		t.Errorf("quantities = (%d, %d), want (10e6, 0)", got.QYes, got.QNo)
	}

	mkt, err := ms.GetMarket(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if mkt.PoolLiquidity != res.Trade.Cost {
		t.Errorf("pool = %d, want gross cost %d", mkt.PoolLiquidity, res.Trade.Cost)
	}
	if mkt.FeeAccrued+mkt.CreatorFeeAccrued != res.Trade.Fee {
		t.Errorf("fee accruals = %d+%d, want total %d",
			mkt.FeeAccrued, mkt.CreatorFeeAccrued, res.Trade.Fee)
	}

	if res.Position.YesShares != 10*model.Micro || res.Position.TotalYesCost != res.Trade.Cost {
		t.Errorf("position = %+v, want 10e6 shares at cost basis %d", res.Position, res.Trade.Cost)
	}
}

func TestExecuteTrade_SlippageExceeded(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)

	_, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeBuy,
		Side:     model.SideYes,
		Quantity: 10 * model.Micro,
		MaxCost:  1, // far below actual cost
	})
	if !errors.Is(err, engine.ErrSlippageExceeded) {
		t.Fatalf("err = %v, want ErrSlippageExceeded", err)
	}

	// Nothing moved.
	got, _ := ms.GetOption(context.Background(), opt.ID)
	if got.QYes != 0 || got.QNo != 0 {
		t.Errorf("quantities changed after rejected trade: %+v", got)
	}
	w, _ := ms.GetWallet(context.Background(), "user1")
	if w.Balance != 100*model.Micro {
		t.Errorf("wallet changed after rejected trade: %d", w.Balance)
	}
}

func TestExecuteTrade_InsufficientFunds(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 1_000) // far below any 10-unit cost

	_, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeBuy,
		Side:     model.SideYes,
		Quantity: 10 * model.Micro,
		MaxCost:  1_000_000_000,
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestExecuteTrade_SellMoreThanHeld(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)
	buy(t, e, m, opt, "user1", model.SideNo, 5*model.Micro)

	before, _ := ms.GetOption(context.Background(), opt.ID)

	_, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeSell,
		Side:     model.SideNo,
		Quantity: 10 * model.Micro,
	})
	if !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Fatalf("err = %v, want ErrInsufficientShares", err)
	}

	after, _ := ms.GetOption(context.Background(), opt.ID)
	if *after != *before {
		t.Errorf("option state changed after rejected sell: %+v -> %+v", before, after)
	}
	pos, _ := ms.GetPosition(context.Background(), "user1", opt.ID)
	if pos.NoShares != 5*model.Micro {
		t.Errorf("position changed after rejected sell: %+v", pos)
	}
}

func TestExecuteTrade_RoundTripNeverProfits(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	start := 100 * model.Micro
	fundWallet(t, ms, "user1", start)

	buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)

	res, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeSell,
		Side:     model.SideYes,
		Quantity: 10 * model.Micro,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if res.WalletBalance >= start {
		t.Errorf("round trip profited: start %d, end %d", start, res.WalletBalance)
	}
	if res.Position.YesShares != 0 || res.Position.TotalYesCost != 0 {
		t.Errorf("position not flat after full exit: %+v", res.Position)
	}
	if res.Position.RealizedPnL >= 0 {
		t.Errorf("realized pnl = %d, want negative after fee round trip", res.Position.RealizedPnL)
	}

	// Value conservation: user balance + pool + fee accruals = starting balance.
	mkt, _ := ms.GetMarket(context.Background(), m.ID)
	total := res.WalletBalance + mkt.PoolLiquidity + mkt.FeeAccrued + mkt.CreatorFeeAccrued
	if diff := total - start; diff < -2 || diff > 2 {
		t.Errorf("value not conserved: %d vs start %d", total, start)
	}
}

func TestExecuteTrade_SellBelowMinPayout(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)
	buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)

	_, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:    "user1",
		MarketID:  m.ID,
		OptionID:  opt.ID,
		Type:      model.TradeSell,
		Side:      model.SideYes,
		Quantity:  10 * model.Micro,
		MinPayout: 100 * model.Micro, // more than the buy cost
	})
	if !errors.Is(err, engine.ErrSlippageExceeded) {
		t.Fatalf("err = %v, want ErrSlippageExceeded", err)
	}
}

func TestExecuteTrade_Validation(t *testing.T) {
	e, _ := newTestEnv(t)

	cases := []struct {
		name string
		req  engine.TradeRequest
	}{
		{"missing user", engine.TradeRequest{MarketID: "m", OptionID: "o", Type: model.TradeBuy, Side: model.SideYes, Quantity: 1, MaxCost: 1}},
		{"bad side", engine.TradeRequest{UserID: "u", MarketID: "m", OptionID: "o", Type: model.TradeBuy, Side: "MAYBE", Quantity: 1, MaxCost: 1}},
		{"zero quantity", engine.TradeRequest{UserID: "u", MarketID: "m", OptionID: "o", Type: model.TradeBuy, Side: model.SideYes, MaxCost: 1}},
		{"negative quantity", engine.TradeRequest{UserID: "u", MarketID: "m", OptionID: "o", Type: model.TradeBuy, Side: model.SideYes, Quantity: -5, MaxCost: 1}},
		{"buy without max cost", engine.TradeRequest{UserID: "u", MarketID: "m", OptionID: "o", Type: model.TradeBuy, Side: model.SideYes, Quantity: 1}},
		{"claim type via trade", engine.TradeRequest{UserID: "u", MarketID: "m", OptionID: "o", Type: model.TradeClaim, Side: model.SideYes, Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.ExecuteTrade(context.Background(), tc.req); !errors.Is(err, engine.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestExecuteTrade_ConcurrentSerialization(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	start := int64(1_000) * model.Micro
	fundWallet(t, ms, "user1", start)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
				UserID:   "user1",
				MarketID: m.ID,
				OptionID: opt.ID,
				Type:     model.TradeBuy,
				Side:     model.SideYes,
				Quantity: model.Micro,
				MaxCost:  1_000_000_000,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent buy: %v", err)
		}
	}

	got, _ := ms.GetOption(context.Background(), opt.ID)
	if got.QYes != n*model.Micro {
		t.Errorf("q_yes = %d, want %d", got.QYes, int64(n)*model.Micro)
	}

	// Every debit landed exactly once.
	w, _ := ms.GetWallet(context.Background(), "user1")
	mkt, _ := ms.GetMarket(context.Background(), m.ID)
	total := w.Balance + mkt.PoolLiquidity + mkt.FeeAccrued + mkt.CreatorFeeAccrued
	if diff := total - start; diff < -n || diff > n {
		t.Errorf("value not conserved under concurrency: %d vs start %d", total, start)
	}
}

func TestExecuteTrade_RecordsHistory(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)

	res := buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)

	ctx := context.Background()
	now := time.Now().UTC()
	snaps, err := ms.Snapshots(ctx, opt.ID, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].PriceYes != res.PriceYes || snaps[0].TradeID != res.Trade.ID {
		t.Errorf("snapshot = %+v, want price %d for trade %s", snaps[0], res.PriceYes, res.Trade.ID)
	}

	candles, err := ms.Candles(ctx, opt.ID, "1m", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 1 || candles[0].Close != res.PriceYes {
		t.Errorf("1m candles = %+v, want one closing at %d", candles, res.PriceYes)
	}
}

func TestGetQuote_MatchesExecution(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)

	q, err := e.GetQuote(context.Background(), engine.QuoteRequest{
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeBuy,
		Side:     model.SideYes,
		Quantity: 10 * model.Micro,
	})
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}

	res := buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)
	if res.Trade.Cost != q.Amount || res.Trade.Fee != q.Fee {
		t.Errorf("executed (cost %d, fee %d) != quoted (%d, %d)",
			res.Trade.Cost, res.Trade.Fee, q.Amount, q.Fee)
	}
	if res.PriceYes != q.PriceYes {
		t.Errorf("post-trade price %d != quoted %d", res.PriceYes, q.PriceYes)
	}
}

func TestClaim_WinnerPaidOnce(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)
	fundWallet(t, ms, "user2", 100*model.Micro)

	buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)
	buy(t, e, m, opt, "user2", model.SideNo, 20*model.Micro) // fills the pool

	if err := e.Resolve(context.Background(), opt.ID, model.SideYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	wBefore, _ := ms.GetWallet(context.Background(), "user1")
	mktBefore, _ := ms.GetMarket(context.Background(), m.ID)

	res, err := e.Claim(context.Background(), engine.ClaimRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// 10 winning micro-shares pay one unit each.
	if res.Trade.Cost != 10*model.Micro {
		t.Errorf("payout = %d, want 10e6", res.Trade.Cost)
	}
	if res.WalletBalance != wBefore.Balance+10*model.Micro {
		t.Errorf("wallet = %d, want %d", res.WalletBalance, wBefore.Balance+10*model.Micro)
	}
	if !res.Position.Claimed || res.Position.YesShares != 0 {
		t.Errorf("position not settled: %+v", res.Position)
	}

	mktAfter, _ := ms.GetMarket(context.Background(), m.ID)
	if mktAfter.PoolLiquidity != mktBefore.PoolLiquidity-10*model.Micro {
		t.Errorf("pool = %d, want debited by payout", mktAfter.PoolLiquidity)
	}

	// Second claim must be rejected.
	if _, err := e.Claim(context.Background(), engine.ClaimRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
	}); !errors.Is(err, ledger.ErrAlreadyClaimed) {
		t.Fatalf("second claim err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaim_BeforeResolution(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)
	buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)

	_, err := e.Claim(context.Background(), engine.ClaimRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
	})
	if !errors.Is(err, engine.ErrOptionNotResolved) {
		t.Fatalf("err = %v, want ErrOptionNotResolved", err)
	}
}

func TestClaim_PoolShortfall(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)

	// One-sided market: the pool holds only the buy cost (~5.1 units),
	// less than the 10-unit winning payout.
	buy(t, e, m, opt, "user1", model.SideYes, 10*model.Micro)

	if err := e.Resolve(context.Background(), opt.ID, model.SideYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, err := e.Claim(context.Background(), engine.ClaimRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
	})
	if !errors.Is(err, engine.ErrInsufficientPoolLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientPoolLiquidity", err)
	}

	// Position stays unclaimed so the user can retry later.
	pos, _ := ms.GetPosition(context.Background(), "user1", opt.ID)
	if pos.Claimed || pos.YesShares != 10*model.Micro {
		t.Errorf("position mutated by failed claim: %+v", pos)
	}
}

func TestTradeOnResolvedOption(t *testing.T) {
	e, ms := newTestEnv(t)
	m, opt := seedMarket(t, e)
	fundWallet(t, ms, "user1", 100*model.Micro)
	buy(t, e, m, opt, "user1", model.SideYes, model.Micro)

	if err := e.Resolve(context.Background(), opt.ID, model.SideYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, err := e.ExecuteTrade(context.Background(), engine.TradeRequest{
		UserID:   "user1",
		MarketID: m.ID,
		OptionID: opt.ID,
		Type:     model.TradeBuy,
		Side:     model.SideYes,
		Quantity: model.Micro,
		MaxCost:  1_000_000_000,
	})
	if !errors.Is(err, engine.ErrOptionResolved) {
		t.Fatalf("err = %v, want ErrOptionResolved", err)
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  engine.CreateMarketRequest
	}{
		{"missing question", engine.CreateMarketRequest{CreatorID: "c", Options: []string{"A"}}},
		{"missing creator", engine.CreateMarketRequest{Question: "q", Options: []string{"A"}}},
		{"no options", engine.CreateMarketRequest{Question: "q", CreatorID: "c"}},
		{"negative b", engine.CreateMarketRequest{Question: "q", CreatorID: "c", B: -1, Options: []string{"A"}}},
		{"empty label", engine.CreateMarketRequest{Question: "q", CreatorID: "c", Options: []string{""}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := e.CreateMarket(ctx, tc.req); !errors.Is(err, engine.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateMarket_DefaultLiquidity(t *testing.T) {
	e, ms := newTestEnv(t)
	m, _, err := e.CreateMarket(context.Background(), engine.CreateMarketRequest{
		Question:  "Default b?",
		CreatorID: "creator1",
		Options:   []string{"A", "B"},
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if m.B != 100_000_000 {
		t.Errorf("b = %d, want default 100_000_000", m.B)
	}
	opts, _ := ms.ListOptions(context.Background(), m.ID)
	if len(opts) != 2 {
		t.Errorf("options = %d, want 2", len(opts))
	}
	for _, o := range opts {
		if o.SweepStatus != model.SweepPending {
			t.Errorf("option %s sweep status = %q, want pending", o.ID, o.SweepStatus)
		}
	}
}
