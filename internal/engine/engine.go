// Package engine executes trades against the LMSR market maker: quoting,
// buy/sell settlement, and claim payouts. Every mutating request moves
// through a fixed pipeline — validate, queue, lock, price, settle, commit,
// then best-effort recording — with all failures before commit rolling
// back cleanly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/omx/prediction-engine/internal/events"
	"github.com/omx/prediction-engine/internal/history"
	"github.com/omx/prediction-engine/internal/ledger"
	"github.com/omx/prediction-engine/internal/lmsr"
	"github.com/omx/prediction-engine/internal/metrics"
	"github.com/omx/prediction-engine/internal/model"
	"github.com/omx/prediction-engine/internal/queue"
	"github.com/omx/prediction-engine/internal/store"
)

var (
	// ErrValidation is the base error for malformed requests, rejected
	// before any queue or lock interaction.
	ErrValidation = errors.New("engine: invalid request")

	// ErrMarketNotInitialized is returned when trading an uninitialized market.
	ErrMarketNotInitialized = errors.New("engine: market not initialized")

	// ErrMarketResolved is returned when trading a resolved market.
	ErrMarketResolved = errors.New("engine: market already resolved")

	// ErrOptionResolved is returned when buying or selling a resolved option.
	ErrOptionResolved = errors.New("engine: option already resolved")

	// ErrOptionNotResolved is returned when claiming an unresolved option.
	ErrOptionNotResolved = errors.New("engine: option not resolved")

	// ErrSlippageExceeded is returned when a buy's total cost exceeds the
	// caller's max_cost, or a sell's net payout falls below min_payout.
	// Safe to retry with a fresh quote.
	ErrSlippageExceeded = errors.New("engine: slippage bound exceeded")

	// ErrInsufficientFunds is returned when the wallet cannot cover a
	// buy's cost plus fee.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")

	// ErrInsufficientPoolLiquidity is returned when the market pool cannot
	// cover a sell or claim payout in full. The caller can retry later once
	// the pool is replenished.
	ErrInsufficientPoolLiquidity = errors.New("engine: insufficient pool liquidity")
)

// feeDenominator converts basis points to a fraction.
const feeDenominator int64 = 10_000

// Params holds the immutable per-instance trading configuration, resolved
// once at startup and threaded through every request.
type Params struct {
	// FeeBips is the trading fee in basis points (250 = 2.5%).
	FeeBips int64
	// CreatorFeeShareBips is the slice of each fee accrued to the market
	// creator, in basis points of the fee.
	CreatorFeeShareBips int64
	// DefaultB is the liquidity parameter assigned to markets created
	// without one, in micro-units.
	DefaultB int64
	// QueueTimeout bounds the wait for a per-option execution slot.
	QueueTimeout time.Duration
}

// Engine is the trade execution service.
type Engine struct {
	store    store.Store
	queue    *queue.Queue
	recorder *history.Recorder
	pub      events.Publisher
	params   Params
}

// New creates an engine over the given store. pub may be events.Discard{}.
func New(st store.Store, rec *history.Recorder, pub events.Publisher, p Params) *Engine {
	if p.QueueTimeout <= 0 {
		p.QueueTimeout = 10 * time.Second
	}
	return &Engine{
		store:    st,
		queue:    queue.New(),
		recorder: rec,
		pub:      pub,
		params:   p,
	}
}

// --- Market lifecycle ---

// CreateMarketRequest describes a new market and its options.
type CreateMarketRequest struct {
	Question  string   `json:"question"`
	CreatorID string   `json:"creator_id"`
	B         int64    `json:"b"` // micro-units; 0 → default
	Options   []string `json:"options"`
}

// CreateMarket validates and persists an initialized market with one
// option row per label, all quantities zero.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, []model.Option, error) {
	if req.Question == "" {
		return nil, nil, fmt.Errorf("%w: question is required", ErrValidation)
	}
	if req.CreatorID == "" {
		return nil, nil, fmt.Errorf("%w: creator_id is required", ErrValidation)
	}
	if len(req.Options) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one option is required", ErrValidation)
	}

	b := req.B
	if b == 0 {
		b = e.params.DefaultB
	}
	if _, err := lmsr.NewMarketMaker(b); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	m := &model.Market{
		ID:          uuid.New().String(),
		Question:    req.Question,
		CreatorID:   req.CreatorID,
		B:           b,
		Initialized: true,
		CreatedAt:   time.Now().UTC(),
	}
	options := make([]model.Option, len(req.Options))
	for i, label := range req.Options {
		if label == "" {
			return nil, nil, fmt.Errorf("%w: option label must not be empty", ErrValidation)
		}
		options[i] = model.Option{
			ID:          uuid.New().String(),
			MarketID:    m.ID,
			Label:       label,
			SweepStatus: model.SweepPending,
		}
	}

	if err := e.store.CreateMarket(ctx, m, options); err != nil {
		return nil, nil, err
	}
	slog.Info("market created", "market_id", m.ID, "creator", m.CreatorID, "b", b, "options", len(options))
	return m, options, nil
}

// Resolve records the winning side for an option. The resolution sweep is
// triggered separately.
func (e *Engine) Resolve(ctx context.Context, optionID string, winner model.Side) error {
	if !winner.Valid() {
		return fmt.Errorf("%w: winner must be YES or NO", ErrValidation)
	}
	opt, err := e.store.GetOption(ctx, optionID)
	if err != nil {
		return err
	}
	if opt.Resolved {
		return ErrOptionResolved
	}
	if err := e.store.ResolveOption(ctx, optionID, winner); err != nil {
		return err
	}

	slog.Info("option resolved", "option_id", optionID, "market_id", opt.MarketID, "winner", winner)
	e.pub.Publish(ctx, events.Event{
		Type:      events.TypeMarketResolved,
		MarketID:  opt.MarketID,
		OptionID:  optionID,
		Side:      string(winner),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// --- Quoting ---

// QuoteRequest asks what a trade would cost right now, without locks.
type QuoteRequest struct {
	MarketID string          `json:"market_id"`
	OptionID string          `json:"option_id"`
	Type     model.TradeType `json:"type"`
	Side     model.Side      `json:"side"`
	Quantity int64           `json:"quantity"` // micro-shares
}

// Quote is an advisory price. It may be stale by the time the trade
// executes; the slippage bound covers the gap.
type Quote struct {
	OptionID string          `json:"option_id"`
	Type     model.TradeType `json:"type"`
	Side     model.Side      `json:"side"`
	Quantity int64           `json:"quantity"`
	Amount   int64           `json:"amount"`    // gross cost or payout, micro-units
	Fee      int64           `json:"fee"`       // micro-units
	Total    int64           `json:"total"`     // cost+fee for buys, payout−fee for sells
	PerShare int64           `json:"per_share"` // average micro-price of the fill
	PriceYes int64           `json:"price_yes"` // post-trade micro-price
	PriceNo  int64           `json:"price_no"`
}

// GetQuote prices a prospective trade against an unlocked snapshot of the
// option's quantities.
func (e *Engine) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side must be YES or NO", ErrValidation)
	}
	if req.Type != model.TradeBuy && req.Type != model.TradeSell {
		return nil, fmt.Errorf("%w: type must be BUY or SELL", ErrValidation)
	}

	opt, err := e.store.GetOption(ctx, req.OptionID)
	if err != nil {
		return nil, err
	}
	mkt, err := e.store.GetMarket(ctx, opt.MarketID)
	if err != nil {
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(mkt.B)
	if err != nil {
		return nil, err
	}

	yesDelta, noDelta := sideDeltas(req.Side, req.Quantity)

	var amount int64
	var newQYes, newQNo int64
	switch req.Type {
	case model.TradeBuy:
		amount, err = mm.BuyCost(opt.QYes, opt.QNo, yesDelta, noDelta)
		newQYes, newQNo = opt.QYes+yesDelta, opt.QNo+noDelta
	case model.TradeSell:
		amount, err = mm.SellPayout(opt.QYes, opt.QNo, yesDelta, noDelta)
		newQYes, newQNo = opt.QYes-yesDelta, opt.QNo-noDelta
	}
	if err != nil {
		return nil, err
	}

	fee := e.feeFor(amount)
	total := amount + fee
	if req.Type == model.TradeSell {
		total = amount - fee
	}
	perShare, err := lmsr.PerSharePrice(amount, req.Quantity)
	if err != nil {
		return nil, err
	}
	priceYes, priceNo, err := pricePair(mm, newQYes, newQNo)
	if err != nil {
		return nil, err
	}

	return &Quote{
		OptionID: req.OptionID,
		Type:     req.Type,
		Side:     req.Side,
		Quantity: req.Quantity,
		Amount:   amount,
		Fee:      fee,
		Total:    total,
		PerShare: perShare,
		PriceYes: priceYes,
		PriceNo:  priceNo,
	}, nil
}

// --- Trade execution ---

// TradeRequest is a buy or sell order. Exactly one slippage bound applies:
// MaxCost caps a buy's total cost including fee; MinPayout floors a sell's
// net payout after fee.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OptionID  string          `json:"option_id"`
	Type      model.TradeType `json:"type"`
	Side      model.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`   // micro-shares
	MaxCost   int64           `json:"max_cost"`   // micro-units, buys only
	MinPayout int64           `json:"min_payout"` // micro-units, sells only
}

// TradeResult is returned from a settled buy, sell, or claim.
type TradeResult struct {
	Trade         model.Trade    `json:"trade"`
	Position      model.Position `json:"position"`
	WalletBalance int64          `json:"wallet_balance"`
	PriceYes      int64          `json:"price_yes"`
	PriceNo       int64          `json:"price_no"`
}

// ExecuteTrade runs a buy or sell through the full settlement pipeline.
// The request is serialized with all other trades on the same option;
// pricing always uses quantities re-read under the row lock.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if err := validateTrade(req); err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	start := time.Now()
	var result *TradeResult

	ctx, cancel := context.WithTimeout(ctx, e.params.QueueTimeout)
	defer cancel()

	key := queue.Key{MarketID: req.MarketID, OptionID: req.OptionID}
	metrics.QueueDepth.Inc()
	err := e.queue.Enqueue(ctx, key, func() error {
		var opErr error
		result, opErr = e.settleTrade(context.WithoutCancel(ctx), req)
		return opErr
	})
	metrics.QueueDepth.Dec()
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Type), string(req.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(req.MarketID, string(req.Side)).Add(float64(req.Quantity))
	return result, nil
}

// settleTrade is the critical section: it runs holding the option's queue
// slot and performs the only mutation path for wallet, option, and market
// rows. Lock order is fixed: wallet, then option, then market.
func (e *Engine) settleTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	tx, err := e.store.BeginTrade(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wallet, err := tx.WalletForUpdate(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	opt, err := tx.OptionForUpdate(ctx, req.OptionID)
	if err != nil {
		return nil, err
	}
	if opt.MarketID != req.MarketID {
		return nil, fmt.Errorf("%w: option %s does not belong to market %s", ErrValidation, req.OptionID, req.MarketID)
	}
	if opt.Resolved {
		return nil, ErrOptionResolved
	}
	mkt, err := tx.MarketForUpdate(ctx, opt.MarketID)
	if err != nil {
		return nil, err
	}
	if !mkt.Initialized {
		return nil, ErrMarketNotInitialized
	}
	if mkt.Resolved {
		return nil, ErrMarketResolved
	}

	mm, err := lmsr.NewMarketMaker(mkt.B)
	if err != nil {
		return nil, err
	}

	pos, err := tx.Position(ctx, req.UserID, req.OptionID)
	if errors.Is(err, store.ErrNotFound) {
		pos = &model.Position{UserID: req.UserID, OptionID: req.OptionID, MarketID: opt.MarketID}
	} else if err != nil {
		return nil, err
	}

	yesDelta, noDelta := sideDeltas(req.Side, req.Quantity)

	var gross, fee, walletDelta int64
	var newQYes, newQNo int64

	switch req.Type {
	case model.TradeBuy:
		gross, err = mm.BuyCost(opt.QYes, opt.QNo, yesDelta, noDelta)
		if err != nil {
			return nil, err
		}
		fee = e.feeFor(gross)
		total := gross + fee
		if total > req.MaxCost {
			return nil, fmt.Errorf("%w: cost %d exceeds max_cost %d", ErrSlippageExceeded, total, req.MaxCost)
		}
		if wallet.Balance < total {
			return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, total, wallet.Balance)
		}
		if err := ledger.ApplyBuy(pos, yesDelta, noDelta, gross); err != nil {
			return nil, err
		}
		walletDelta = -total
		newQYes, newQNo = opt.QYes+yesDelta, opt.QNo+noDelta

	case model.TradeSell:
		if yesDelta > pos.YesShares || noDelta > pos.NoShares {
			return nil, ledger.ErrInsufficientShares
		}
		gross, err = mm.SellPayout(opt.QYes, opt.QNo, yesDelta, noDelta)
		if err != nil {
			return nil, err
		}
		if gross > mkt.PoolLiquidity {
			return nil, fmt.Errorf("%w: payout %d exceeds pool %d", ErrInsufficientPoolLiquidity, gross, mkt.PoolLiquidity)
		}
		fee = e.feeFor(gross)
		net := gross - fee
		if net < req.MinPayout {
			return nil, fmt.Errorf("%w: payout %d below min_payout %d", ErrSlippageExceeded, net, req.MinPayout)
		}
		if err := ledger.ApplySell(pos, yesDelta, noDelta, net); err != nil {
			return nil, err
		}
		walletDelta = net
		newQYes, newQNo = opt.QYes-yesDelta, opt.QNo-noDelta
	}

	perShare, err := lmsr.PerSharePrice(gross, req.Quantity)
	if err != nil {
		return nil, err
	}
	priceYes, priceNo, err := pricePair(mm, newQYes, newQNo)
	if err != nil {
		return nil, err
	}

	// Buys grow the pool by the gross cost; sells drain it by the gross
	// payout. The fee never touches the pool — it accrues to protocol and
	// creator balances.
	newPool := mkt.PoolLiquidity + gross
	if req.Type == model.TradeSell {
		newPool = mkt.PoolLiquidity - gross
	}
	creatorFee := e.creatorShare(fee)
	protocolFee := fee - creatorFee

	trade := &model.Trade{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		MarketID:  opt.MarketID,
		OptionID:  opt.ID,
		Type:      req.Type,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     perShare,
		Cost:      gross,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	}

	newBalance := wallet.Balance + walletDelta
	if err := tx.SetWalletBalance(ctx, req.UserID, newBalance); err != nil {
		return nil, err
	}
	if err := tx.SetOptionQuantities(ctx, opt.ID, newQYes, newQNo); err != nil {
		return nil, err
	}
	if err := tx.SetMarketBalances(ctx, mkt.ID, newPool, mkt.FeeAccrued+protocolFee, mkt.CreatorFeeAccrued+creatorFee); err != nil {
		return nil, err
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	slog.Info("trade settled",
		"trade_id", trade.ID,
		"user", req.UserID,
		"option", opt.ID,
		"type", req.Type,
		"side", req.Side,
		"quantity", req.Quantity,
		"gross", gross,
		"fee", fee,
		"price_yes", priceYes,
	)

	// Post-commit recording is best-effort: the committed trade is the
	// source of truth and derived analytics may lag.
	e.record(ctx, trade, priceYes, newQYes, newQNo)
	e.publishTrade(ctx, trade, priceYes, priceNo, newBalance)

	return &TradeResult{
		Trade:         *trade,
		Position:      *pos,
		WalletBalance: newBalance,
		PriceYes:      priceYes,
		PriceNo:       priceNo,
	}, nil
}

// --- Claims ---

// ClaimRequest settles a user's position on a resolved option.
type ClaimRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	OptionID string `json:"option_id"`
}

// Claim pays out winning shares at one unit each on a resolved option.
// There is no pricing step and no slippage bound; the pool-liquidity check
// is mandatory so a claim can never overdraw the pool, and the position's
// claimed flag is checked under the same lock to prevent double payout.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*TradeResult, error) {
	if req.UserID == "" || req.MarketID == "" || req.OptionID == "" {
		return nil, fmt.Errorf("%w: user_id, market_id, and option_id are required", ErrValidation)
	}

	start := time.Now()
	var result *TradeResult

	ctx, cancel := context.WithTimeout(ctx, e.params.QueueTimeout)
	defer cancel()

	key := queue.Key{MarketID: req.MarketID, OptionID: req.OptionID}
	metrics.QueueDepth.Inc()
	err := e.queue.Enqueue(ctx, key, func() error {
		var opErr error
		result, opErr = e.settleClaim(context.WithoutCancel(ctx), req)
		return opErr
	})
	metrics.QueueDepth.Dec()
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeClaim), string(result.Trade.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(model.TradeClaim)).Observe(time.Since(start).Seconds())
	return result, nil
}

func (e *Engine) settleClaim(ctx context.Context, req ClaimRequest) (*TradeResult, error) {
	tx, err := e.store.BeginTrade(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wallet, err := tx.WalletForUpdate(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		wallet = &model.Wallet{UserID: req.UserID}
	} else if err != nil {
		return nil, err
	}
	opt, err := tx.OptionForUpdate(ctx, req.OptionID)
	if err != nil {
		return nil, err
	}
	if opt.MarketID != req.MarketID {
		return nil, fmt.Errorf("%w: option %s does not belong to market %s", ErrValidation, req.OptionID, req.MarketID)
	}
	if !opt.Resolved || !opt.Winner.Valid() {
		return nil, ErrOptionNotResolved
	}
	mkt, err := tx.MarketForUpdate(ctx, opt.MarketID)
	if err != nil {
		return nil, err
	}

	pos, err := tx.Position(ctx, req.UserID, req.OptionID)
	if err != nil {
		return nil, err
	}
	if pos.Claimed {
		return nil, ledger.ErrAlreadyClaimed
	}

	winningShares := pos.YesShares
	if opt.Winner == model.SideNo {
		winningShares = pos.NoShares
	}
	if winningShares > mkt.PoolLiquidity {
		return nil, fmt.Errorf("%w: payout %d exceeds pool %d", ErrInsufficientPoolLiquidity, winningShares, mkt.PoolLiquidity)
	}

	payout, err := ledger.ApplyClaim(pos, opt.Winner, model.Micro)
	if err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		MarketID:  opt.MarketID,
		OptionID:  opt.ID,
		Type:      model.TradeClaim,
		Side:      opt.Winner,
		Quantity:  winningShares,
		Price:     model.Micro,
		Cost:      payout,
		Timestamp: time.Now().UTC(),
	}

	newBalance := wallet.Balance + payout
	if err := tx.CreditWallet(ctx, req.UserID, payout); err != nil {
		return nil, err
	}
	if err := tx.SetMarketBalances(ctx, mkt.ID, mkt.PoolLiquidity-payout, mkt.FeeAccrued, mkt.CreatorFeeAccrued); err != nil {
		return nil, err
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	slog.Info("claim settled",
		"trade_id", trade.ID,
		"user", req.UserID,
		"option", opt.ID,
		"winner", opt.Winner,
		"payout", payout,
	)

	e.pub.Publish(ctx, events.Event{
		Type:      events.TypeClaimSettled,
		MarketID:  opt.MarketID,
		OptionID:  opt.ID,
		UserID:    req.UserID,
		TradeID:   trade.ID,
		Side:      string(opt.Winner),
		Quantity:  winningShares,
		Amount:    payout,
		Balance:   newBalance,
		Message:   fmt.Sprintf("Claimed %d micro-units on %s", payout, opt.Label),
		Timestamp: trade.Timestamp,
	})

	return &TradeResult{
		Trade:         *trade,
		Position:      *pos,
		WalletBalance: newBalance,
	}, nil
}

// --- Helpers ---

func validateTrade(req TradeRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if req.MarketID == "" || req.OptionID == "" {
		return fmt.Errorf("%w: market_id and option_id are required", ErrValidation)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: side must be YES or NO", ErrValidation)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	switch req.Type {
	case model.TradeBuy:
		if req.MaxCost <= 0 {
			return fmt.Errorf("%w: max_cost is required for buys", ErrValidation)
		}
	case model.TradeSell:
		if req.MinPayout < 0 {
			return fmt.Errorf("%w: min_payout must not be negative", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: type must be BUY or SELL", ErrValidation)
	}
	return nil
}

// sideDeltas maps a side and quantity to (yesDelta, noDelta).
func sideDeltas(side model.Side, quantity int64) (int64, int64) {
	if side == model.SideYes {
		return quantity, 0
	}
	return 0, quantity
}

// feeFor computes the basis-point fee on an amount with banker's rounding.
func (e *Engine) feeFor(amount int64) int64 {
	if e.params.FeeBips == 0 || amount == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(e.params.FeeBips)).
		DivRound(decimal.NewFromInt(feeDenominator), 8).
		RoundBank(0).
		IntPart()
}

// creatorShare splits a fee between protocol and market creator.
func (e *Engine) creatorShare(fee int64) int64 {
	if e.params.CreatorFeeShareBips == 0 || fee == 0 {
		return 0
	}
	return decimal.NewFromInt(fee).
		Mul(decimal.NewFromInt(e.params.CreatorFeeShareBips)).
		DivRound(decimal.NewFromInt(feeDenominator), 8).
		RoundBank(0).
		IntPart()
}

func pricePair(mm *lmsr.MarketMaker, qYes, qNo int64) (int64, int64, error) {
	yes, err := mm.YesPrice(qYes, qNo)
	if err != nil {
		return 0, 0, err
	}
	no, err := mm.NoPrice(qYes, qNo)
	if err != nil {
		return 0, 0, err
	}
	return lmsr.PriceMicros(yes), lmsr.PriceMicros(no), nil
}

// record writes the post-commit price history. Failures are logged only.
func (e *Engine) record(ctx context.Context, t *model.Trade, priceYes, qYes, qNo int64) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTrade(ctx, t, priceYes, qYes, qNo); err != nil {
		slog.Error("price history recording failed", "trade_id", t.ID, "err", err)
	}
}

func (e *Engine) publishTrade(ctx context.Context, t *model.Trade, priceYes, priceNo, balance int64) {
	e.pub.Publish(ctx, events.Event{
		Type:      events.TypeTradeExecuted,
		MarketID:  t.MarketID,
		OptionID:  t.OptionID,
		UserID:    t.UserID,
		TradeID:   t.ID,
		Side:      string(t.Side),
		Quantity:  t.Quantity,
		PriceYes:  priceYes,
		PriceNo:   priceNo,
		Amount:    t.Cost,
		Timestamp: t.Timestamp,
	})
	e.pub.Publish(ctx, events.Event{
		Type:      events.TypePriceUpdated,
		MarketID:  t.MarketID,
		OptionID:  t.OptionID,
		PriceYes:  priceYes,
		PriceNo:   priceNo,
		Timestamp: t.Timestamp,
	})
	e.pub.Publish(ctx, events.Event{
		Type:      events.TypeBalanceUpdated,
		UserID:    t.UserID,
		Balance:   balance,
		Timestamp: t.Timestamp,
	})
}

// rejectionReason maps a pipeline error to a bounded metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPoolLiquidity):
		return "insufficient_pool"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, queue.ErrTimeout):
		return "timeout"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
