// Package store defines the persistence interface for the prediction
// engine. Implementations include PostgreSQL (source of truth), a Redis
// read-through cache wrapper, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/omx/prediction-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. All reads outside BeginTrade are
// lock-free and may observe eventually-consistent snapshots; every
// mutation of wallet, option, or market state goes through a TradeTx.
type Store interface {
	// --- Markets and options ---

	// CreateMarket persists an initialized market with its options.
	CreateMarket(ctx context.Context, m *model.Market, options []model.Option) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetOption retrieves an option by ID.
	GetOption(ctx context.Context, id string) (*model.Option, error)

	// ListOptions returns a market's options.
	ListOptions(ctx context.Context, marketID string) ([]model.Option, error)

	// ResolveOption records the winning side for an option and marks the
	// market resolved once no unresolved options remain. The sweep status
	// stays pending until the resolution sweep claims it.
	ResolveOption(ctx context.Context, optionID string, winner model.Side) error

	// --- Resolution sweep status ---

	// TryStartSweep atomically flips the option's sweep status from
	// pending to running. Exactly one concurrent caller wins; the rest
	// get false and must exit without side effects.
	TryStartSweep(ctx context.Context, optionID string) (bool, error)

	// FinishSweep marks the sweep completed. Called only after the sweep
	// transaction has committed.
	FinishSweep(ctx context.Context, optionID string) error

	// --- Wallets and positions (unlocked reads) ---

	// GetWallet retrieves a wallet row.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// UpsertWallet creates or replaces a wallet row. Used for funding;
	// trade settlement goes through TradeTx.
	UpsertWallet(ctx context.Context, w *model.Wallet) error

	// GetPosition retrieves one user's position in one option.
	GetPosition(ctx context.Context, userID, optionID string) (*model.Position, error)

	// ListPositionsByUser returns all positions held by a user.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// --- Append log ---

	// ListTradesByOption returns up to limit most recent trades.
	ListTradesByOption(ctx context.Context, optionID string, limit int) ([]model.Trade, error)

	// InsertSnapshot appends an immutable price snapshot.
	InsertSnapshot(ctx context.Context, s *model.PriceSnapshot) error

	// Snapshots returns snapshots for an option within [from, to].
	Snapshots(ctx context.Context, optionID string, from, to time.Time) ([]model.PriceSnapshot, error)

	// UpsertCandle merges a single-trade candle into the stored bucket:
	// absent buckets are created as-is; existing buckets take
	// high=max, low=min, close=incoming close, volume and trade count
	// accumulate.
	UpsertCandle(ctx context.Context, c *model.Candle) error

	// Candles returns OHLC buckets for an option and interval within
	// [from, to], ordered by bucket start.
	Candles(ctx context.Context, optionID, interval string, from, to time.Time) ([]model.Candle, error)

	// --- Settlement transactions ---

	// BeginTrade opens the transaction under which all trade and sweep
	// mutations run. Row locks are acquired in a fixed order: wallet,
	// then option, then market.
	BeginTrade(ctx context.Context) (TradeTx, error)
}

// TradeTx is one atomic settlement transaction. Any failure before Commit
// leaves all state untouched. Rollback after Commit is a no-op, so callers
// can defer it unconditionally.
type TradeTx interface {
	// WalletForUpdate exclusively locks and reads a wallet row.
	WalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error)

	// OptionForUpdate exclusively locks and reads an option row.
	OptionForUpdate(ctx context.Context, id string) (*model.Option, error)

	// MarketForUpdate exclusively locks and reads a market row.
	MarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// Position reads a position under the transaction. ErrNotFound when
	// the user has never traded the option.
	Position(ctx context.Context, userID, optionID string) (*model.Position, error)

	// UnclaimedPositionsForUpdate locks and returns every unclaimed
	// position on an option, for the resolution sweep.
	UnclaimedPositionsForUpdate(ctx context.Context, optionID string) ([]model.Position, error)

	// SetWalletBalance writes an absolute balance for a locked wallet.
	SetWalletBalance(ctx context.Context, userID string, balance int64) error

	// CreditWallet increments a wallet balance, creating the row if
	// absent. Used by the sweep, which never debits.
	CreditWallet(ctx context.Context, userID string, amount int64) error

	// SetOptionQuantities writes the option's AMM state variables.
	SetOptionQuantities(ctx context.Context, optionID string, qYes, qNo int64) error

	// SetMarketBalances writes pool liquidity and fee accruals.
	SetMarketBalances(ctx context.Context, marketID string, pool, feeAccrued, creatorFeeAccrued int64) error

	// SavePosition upserts a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
