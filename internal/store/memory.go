package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omx/prediction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. BeginTrade holds the store lock for the transaction's
// lifetime, which makes every transaction trivially serializable.
type MemoryStore struct {
	mu        sync.Mutex
	markets   map[string]*model.Market
	options   map[string]*model.Option
	wallets   map[string]*model.Wallet
	positions map[posKey]*model.Position
	trades    []model.Trade
	snapshots []model.PriceSnapshot
	candles   map[candleKey]*model.Candle
}

type posKey struct{ userID, optionID string }

type candleKey struct {
	optionID    string
	interval    string
	bucketStart int64 // unix nanos
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		options:   make(map[string]*model.Option),
		wallets:   make(map[string]*model.Wallet),
		positions: make(map[posKey]*model.Position),
		candles:   make(map[candleKey]*model.Candle),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, options []model.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.ID] = &cp
	for _, opt := range options {
		oc := opt
		s.options[opt.ID] = &oc
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetOption(_ context.Context, id string) (*model.Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.options[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOptions(_ context.Context, marketID string) ([]model.Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Option
	for _, o := range s.options {
		if o.MarketID == marketID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ResolveOption(_ context.Context, optionID string, winner model.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.options[optionID]
	if !ok {
		return ErrNotFound
	}
	o.Resolved = true
	o.Winner = winner

	allResolved := true
	for _, sib := range s.options {
		if sib.MarketID == o.MarketID && !sib.Resolved {
			allResolved = false
			break
		}
	}
	if m, ok := s.markets[o.MarketID]; ok && allResolved {
		m.Resolved = true
	}
	return nil
}

func (s *MemoryStore) TryStartSweep(_ context.Context, optionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.options[optionID]
	if !ok {
		return false, ErrNotFound
	}
	if o.SweepStatus != model.SweepPending {
		return false, nil
	}
	o.SweepStatus = model.SweepRunning
	return true, nil
}

func (s *MemoryStore) FinishSweep(_ context.Context, optionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.options[optionID]
	if !ok {
		return ErrNotFound
	}
	o.SweepStatus = model.SweepCompleted
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) UpsertWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, optionID string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey{userID, optionID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OptionID < out[j].OptionID })
	return out, nil
}

func (s *MemoryStore) ListTradesByOption(_ context.Context, optionID string, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.trades[i].OptionID == optionID {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) Snapshots(_ context.Context, optionID string, from, to time.Time) ([]model.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PriceSnapshot
	for _, snap := range s.snapshots {
		if snap.OptionID == optionID && !snap.Timestamp.Before(from) && !snap.Timestamp.After(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertCandle(_ context.Context, c *model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := candleKey{c.OptionID, c.Interval, c.BucketStart.UnixNano()}
	existing, ok := s.candles[key]
	if !ok {
		cp := *c
		s.candles[key] = &cp
		return nil
	}
	if c.High > existing.High {
		existing.High = c.High
	}
	if c.Low < existing.Low {
		existing.Low = c.Low
	}
	existing.Close = c.Close
	existing.Volume += c.Volume
	existing.TradeCount += c.TradeCount
	return nil
}

func (s *MemoryStore) Candles(_ context.Context, optionID, interval string, from, to time.Time) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Candle
	for _, c := range s.candles {
		if c.OptionID == optionID && c.Interval == interval &&
			!c.BucketStart.Before(from) && !c.BucketStart.After(to) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// BeginTrade locks the whole store until Commit or Rollback. Writes are
// staged and only land on Commit, so a rollback is a pure unlock.
func (s *MemoryStore) BeginTrade(_ context.Context) (TradeTx, error) {
	s.mu.Lock()
	return &memoryTx{
		store:     s,
		wallets:   make(map[string]int64),
		options:   make(map[string][2]int64),
		marketBal: make(map[string][3]int64),
		positions: make(map[posKey]model.Position),
	}, nil
}

type memoryTx struct {
	store     *MemoryStore
	done      bool
	wallets   map[string]int64    // staged absolute balances
	credits   []walletCredit      // staged increments (sweep path)
	options   map[string][2]int64 // staged qYes/qNo
	marketBal map[string][3]int64 // staged pool/fee/creatorFee
	positions map[posKey]model.Position
	trades    []model.Trade
}

type walletCredit struct {
	userID string
	amount int64
}

func (tx *memoryTx) WalletForUpdate(_ context.Context, userID string) (*model.Wallet, error) {
	if bal, ok := tx.wallets[userID]; ok {
		return &model.Wallet{UserID: userID, Balance: bal}, nil
	}
	w, ok := tx.store.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (tx *memoryTx) OptionForUpdate(_ context.Context, id string) (*model.Option, error) {
	o, ok := tx.store.options[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	if q, ok := tx.options[id]; ok {
		cp.QYes, cp.QNo = q[0], q[1]
	}
	return &cp, nil
}

func (tx *memoryTx) MarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := tx.store.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	if b, ok := tx.marketBal[id]; ok {
		cp.PoolLiquidity, cp.FeeAccrued, cp.CreatorFeeAccrued = b[0], b[1], b[2]
	}
	return &cp, nil
}

func (tx *memoryTx) Position(_ context.Context, userID, optionID string) (*model.Position, error) {
	key := posKey{userID, optionID}
	if p, ok := tx.positions[key]; ok {
		cp := p
		return &cp, nil
	}
	p, ok := tx.store.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (tx *memoryTx) UnclaimedPositionsForUpdate(_ context.Context, optionID string) ([]model.Position, error) {
	var out []model.Position
	for k, p := range tx.store.positions {
		if k.optionID == optionID && !p.Claimed {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (tx *memoryTx) SetWalletBalance(_ context.Context, userID string, balance int64) error {
	tx.wallets[userID] = balance
	return nil
}

func (tx *memoryTx) CreditWallet(_ context.Context, userID string, amount int64) error {
	tx.credits = append(tx.credits, walletCredit{userID, amount})
	return nil
}

func (tx *memoryTx) SetOptionQuantities(_ context.Context, optionID string, qYes, qNo int64) error {
	if _, ok := tx.store.options[optionID]; !ok {
		return ErrNotFound
	}
	tx.options[optionID] = [2]int64{qYes, qNo}
	return nil
}

func (tx *memoryTx) SetMarketBalances(_ context.Context, marketID string, pool, fee, creatorFee int64) error {
	if _, ok := tx.store.markets[marketID]; !ok {
		return ErrNotFound
	}
	tx.marketBal[marketID] = [3]int64{pool, fee, creatorFee}
	return nil
}

func (tx *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	tx.positions[posKey{p.UserID, p.OptionID}] = *p
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	s := tx.store

	for userID, bal := range tx.wallets {
		s.wallets[userID] = &model.Wallet{UserID: userID, Balance: bal}
	}
	for _, c := range tx.credits {
		if w, ok := s.wallets[c.userID]; ok {
			w.Balance += c.amount
		} else {
			s.wallets[c.userID] = &model.Wallet{UserID: c.userID, Balance: c.amount}
		}
	}
	for id, q := range tx.options {
		s.options[id].QYes, s.options[id].QNo = q[0], q[1]
	}
	for id, b := range tx.marketBal {
		m := s.markets[id]
		m.PoolLiquidity, m.FeeAccrued, m.CreatorFeeAccrued = b[0], b[1], b[2]
	}
	for key, p := range tx.positions {
		cp := p
		s.positions[key] = &cp
	}
	s.trades = append(s.trades, tx.trades...)

	s.mu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}
