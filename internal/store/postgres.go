package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omx/prediction-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary and share values are stored as BIGINT micro-units, so no
// precision is lost crossing the driver boundary.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, options []model.Option) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, question, creator_id, b, initialized, resolved,
		                      pool_liquidity, fee_accrued, creator_fee_accrued, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.Question, m.CreatorID, m.B, m.Initialized, m.Resolved,
		m.PoolLiquidity, m.FeeAccrued, m.CreatorFeeAccrued, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}

	for _, opt := range options {
		_, err = tx.Exec(ctx,
			`INSERT INTO options (id, market_id, label, q_yes, q_no, resolved, winner, sweep_status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			opt.ID, opt.MarketID, opt.Label, opt.QYes, opt.QNo,
			opt.Resolved, string(opt.Winner), opt.SweepStatus,
		)
		if err != nil {
			return fmt.Errorf("insert option %s: %w", opt.ID, err)
		}
	}
	return tx.Commit(ctx)
}

const marketColumns = `id, question, creator_id, b, initialized, resolved,
	pool_liquidity, fee_accrued, creator_fee_accrued, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.Question, &m.CreatorID, &m.B, &m.Initialized, &m.Resolved,
		&m.PoolLiquidity, &m.FeeAccrued, &m.CreatorFeeAccrued, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

const optionColumns = `id, market_id, label, q_yes, q_no, resolved, winner, sweep_status`

func scanOption(row pgx.Row) (*model.Option, error) {
	var o model.Option
	var winner string
	err := row.Scan(&o.ID, &o.MarketID, &o.Label, &o.QYes, &o.QNo, &o.Resolved, &winner, &o.SweepStatus)
	if err != nil {
		return nil, notFound(err)
	}
	o.Winner = model.Side(winner)
	return &o, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
}

func (s *PostgresStore) GetOption(ctx context.Context, id string) (*model.Option, error) {
	return scanOption(s.pool.QueryRow(ctx,
		`SELECT `+optionColumns+` FROM options WHERE id = $1`, id))
}

func (s *PostgresStore) ListOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+optionColumns+` FROM options WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []model.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		options = append(options, *o)
	}
	return options, rows.Err()
}

func (s *PostgresStore) ResolveOption(ctx context.Context, optionID string, winner model.Side) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE options SET resolved = TRUE, winner = $2 WHERE id = $1`,
		optionID, string(winner))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE markets m SET resolved = TRUE
		 WHERE m.id = (SELECT market_id FROM options WHERE id = $1)
		   AND NOT EXISTS (
		     SELECT 1 FROM options o
		     WHERE o.market_id = m.id AND NOT o.resolved)`,
		optionID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TryStartSweep(ctx context.Context, optionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE options SET sweep_status = $2
		 WHERE id = $1 AND sweep_status = $3`,
		optionID, model.SweepRunning, model.SweepPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishSweep(ctx context.Context, optionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE options SET sweep_status = $2 WHERE id = $1`,
		optionID, model.SweepCompleted)
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.Balance)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *PostgresStore) UpsertWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance`,
		w.UserID, w.Balance)
	return err
}

const positionColumns = `user_id, option_id, market_id, yes_shares, no_shares,
	avg_yes_price, avg_no_price, total_yes_cost, total_no_cost, realized_pnl, claimed`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	err := row.Scan(&p.UserID, &p.OptionID, &p.MarketID, &p.YesShares, &p.NoShares,
		&p.AvgYesPrice, &p.AvgNoPrice, &p.TotalYesCost, &p.TotalNoCost,
		&p.RealizedPnL, &p.Claimed)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, optionID string) (*model.Position, error) {
	return scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND option_id = $2`,
		userID, optionID))
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY option_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTradesByOption(ctx context.Context, optionID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, option_id, type, side, quantity, price, cost, fee, timestamp
		 FROM trades WHERE option_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		optionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var typ, side string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OptionID, &typ, &side,
			&t.Quantity, &t.Price, &t.Cost, &t.Fee, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Type = model.TradeType(typ)
		t.Side = model.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (id, option_id, trade_id, price_yes, q_yes, q_no, volume, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.OptionID, snap.TradeID, snap.PriceYes,
		snap.QYes, snap.QNo, snap.Volume, snap.Timestamp)
	return err
}

func (s *PostgresStore) Snapshots(ctx context.Context, optionID string, from, to time.Time) ([]model.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, option_id, trade_id, price_yes, q_yes, q_no, volume, timestamp
		 FROM price_snapshots
		 WHERE option_id = $1 AND timestamp BETWEEN $2 AND $3
		 ORDER BY timestamp`,
		optionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var snap model.PriceSnapshot
		if err := rows.Scan(&snap.ID, &snap.OptionID, &snap.TradeID, &snap.PriceYes,
			&snap.QYes, &snap.QNo, &snap.Volume, &snap.Timestamp); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) UpsertCandle(ctx context.Context, c *model.Candle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candles (option_id, interval, bucket_start, open, high, low, close, volume, trade_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (option_id, interval, bucket_start) DO UPDATE SET
		   high = GREATEST(candles.high, EXCLUDED.high),
		   low = LEAST(candles.low, EXCLUDED.low),
		   close = EXCLUDED.close,
		   volume = candles.volume + EXCLUDED.volume,
		   trade_count = candles.trade_count + EXCLUDED.trade_count`,
		c.OptionID, c.Interval, c.BucketStart,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount)
	return err
}

func (s *PostgresStore) Candles(ctx context.Context, optionID, interval string, from, to time.Time) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT option_id, interval, bucket_start, open, high, low, close, volume, trade_count
		 FROM candles
		 WHERE option_id = $1 AND interval = $2 AND bucket_start BETWEEN $3 AND $4
		 ORDER BY bucket_start`,
		optionID, interval, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.OptionID, &c.Interval, &c.BucketStart,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func (s *PostgresStore) BeginTrade(ctx context.Context) (TradeTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTradeTx{tx: tx}, nil
}

// pgTradeTx wraps a pgx transaction. Row locks are taken with
// SELECT ... FOR UPDATE; callers lock wallet, then option, then market.
type pgTradeTx struct {
	tx pgx.Tx
}

func (t *pgTradeTx) WalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, balance FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&w.UserID, &w.Balance)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (t *pgTradeTx) OptionForUpdate(ctx context.Context, id string) (*model.Option, error) {
	return scanOption(t.tx.QueryRow(ctx,
		`SELECT `+optionColumns+` FROM options WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTradeTx) MarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTradeTx) Position(ctx context.Context, userID, optionID string) (*model.Position, error) {
	return scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND option_id = $2`,
		userID, optionID))
}

func (t *pgTradeTx) UnclaimedPositionsForUpdate(ctx context.Context, optionID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE option_id = $1 AND NOT claimed
		 ORDER BY user_id
		 FOR UPDATE`,
		optionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (t *pgTradeTx) SetWalletBalance(ctx context.Context, userID string, balance int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2 WHERE user_id = $1`, userID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTradeTx) CreditWallet(ctx context.Context, userID string, amount int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`,
		userID, amount)
	return err
}

func (t *pgTradeTx) SetOptionQuantities(ctx context.Context, optionID string, qYes, qNo int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE options SET q_yes = $2, q_no = $3 WHERE id = $1`, optionID, qYes, qNo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTradeTx) SetMarketBalances(ctx context.Context, marketID string, pool, fee, creatorFee int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET pool_liquidity = $2, fee_accrued = $3, creator_fee_accrued = $4
		 WHERE id = $1`,
		marketID, pool, fee, creatorFee)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTradeTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, option_id, market_id, yes_shares, no_shares,
		                        avg_yes_price, avg_no_price, total_yes_cost, total_no_cost,
		                        realized_pnl, claimed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, option_id) DO UPDATE SET
		   yes_shares = EXCLUDED.yes_shares,
		   no_shares = EXCLUDED.no_shares,
		   avg_yes_price = EXCLUDED.avg_yes_price,
		   avg_no_price = EXCLUDED.avg_no_price,
		   total_yes_cost = EXCLUDED.total_yes_cost,
		   total_no_cost = EXCLUDED.total_no_cost,
		   realized_pnl = EXCLUDED.realized_pnl,
		   claimed = EXCLUDED.claimed`,
		p.UserID, p.OptionID, p.MarketID, p.YesShares, p.NoShares,
		p.AvgYesPrice, p.AvgNoPrice, p.TotalYesCost, p.TotalNoCost,
		p.RealizedPnL, p.Claimed)
	return err
}

func (t *pgTradeTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, option_id, type, side, quantity, price, cost, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.UserID, tr.MarketID, tr.OptionID, string(tr.Type), string(tr.Side),
		tr.Quantity, tr.Price, tr.Cost, tr.Fee, tr.Timestamp)
	return err
}

func (t *pgTradeTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTradeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
