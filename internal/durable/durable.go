// Package durable is the Postgres side of the two-tier store. It holds the
// replayable copy of balances, orders, and trades that the syncer drains out
// of the fast store. Writes are idempotent upserts so the same change record
// can be applied any number of times.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema if it does not exist yet. The tables mirror the
// fast store's records; numeric columns carry full 8-digit fractions.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			user_id    BIGINT       NOT NULL,
			asset      TEXT         NOT NULL,
			available  NUMERIC(30,8) NOT NULL DEFAULT 0,
			frozen     NUMERIC(30,8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id         BIGINT        PRIMARY KEY,
			user_id    BIGINT        NOT NULL,
			symbol     TEXT          NOT NULL,
			side       TEXT          NOT NULL,
			type       TEXT          NOT NULL,
			price      NUMERIC(30,8) NOT NULL DEFAULT 0,
			quantity   NUMERIC(30,8) NOT NULL,
			filled     NUMERIC(30,8) NOT NULL DEFAULT 0,
			avg_price  NUMERIC(30,8) NOT NULL DEFAULT 0,
			status     TEXT          NOT NULL,
			created_at TIMESTAMPTZ   NOT NULL,
			updated_at TIMESTAMPTZ   NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (symbol) WHERE status IN ('active', 'partially_filled')`,
		`CREATE TABLE IF NOT EXISTS trades (
			id            BIGINT        PRIMARY KEY,
			symbol        TEXT          NOT NULL,
			buy_order_id  BIGINT        NOT NULL,
			sell_order_id BIGINT        NOT NULL,
			buyer_id      BIGINT        NOT NULL,
			seller_id     BIGINT        NOT NULL,
			price         NUMERIC(30,8) NOT NULL,
			quantity      NUMERIC(30,8) NOT NULL,
			fee           NUMERIC(30,8) NOT NULL DEFAULT 0,
			fee_asset     TEXT          NOT NULL DEFAULT '',
			executed_at   TIMESTAMPTZ   NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol, executed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertBalance(ctx context.Context, b ledger.Balance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, frozen, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, asset) DO UPDATE SET
			available = EXCLUDED.available,
			frozen = EXCLUDED.frozen,
			updated_at = EXCLUDED.updated_at
	`, b.UserID, b.Asset, b.Available.String(), b.Frozen.String(), b.UpdatedAt)
	return err
}

func (s *Store) UpsertOrder(ctx context.Context, o *orderstore.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, symbol, side, type, price, quantity, filled, avg_price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			filled = EXCLUDED.filled,
			avg_price = EXCLUDED.avg_price,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, o.ID, o.UserID, o.Symbol, o.Side, o.Type, o.Price.String(), o.Quantity.String(), o.Filled.String(), o.AvgPrice.String(), o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

// UpsertTrade is insert-or-ignore; trades never change once written.
func (s *Store) UpsertTrade(ctx context.Context, t *orderstore.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity, fee, fee_asset, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Symbol, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.Price.String(), t.Quantity.String(), t.Fee.String(), t.FeeAsset, t.ExecutedAt)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*orderstore.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, symbol, side, type, price::text, quantity::text, filled::text, avg_price::text, status, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// ListOrders returns a user's orders, newest first.
func (s *Store) ListOrders(ctx context.Context, userID int64, symbol string, limit, offset int) ([]*orderstore.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, symbol, side, type, price::text, quantity::text, filled::text, avg_price::text, status, created_at, updated_at
		FROM orders
		WHERE user_id = $1 AND ($2 = '' OR symbol = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userID, symbol, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOpenOrders returns every non-terminal order for a symbol, used to
// rebuild the fast store's book on cold start.
func (s *Store) ListOpenOrders(ctx context.Context, symbol string) ([]*orderstore.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, symbol, side, type, price::text, quantity::text, filled::text, avg_price::text, status, created_at, updated_at
		FROM orders
		WHERE symbol = $1 AND status IN ('active', 'partially_filled')
		ORDER BY id ASC
	`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]*orderstore.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price::text, quantity::text, fee::text, fee_asset, executed_at
		FROM trades
		WHERE symbol = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*orderstore.Trade
	for rows.Next() {
		var (
			t               orderstore.Trade
			price, qty, fee string
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &price, &qty, &fee, &t.FeeAsset, &t.ExecutedAt); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// ListBalances returns all persisted balances, used for cold-start restore.
func (s *Store) ListBalances(ctx context.Context) ([]ledger.Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, asset, available::text, frozen::text, updated_at
		FROM balances
		ORDER BY user_id, asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		var (
			b                 ledger.Balance
			available, frozen string
		)
		if err := rows.Scan(&b.UserID, &b.Asset, &available, &frozen, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if b.Available, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		if b.Frozen, err = decimal.NewFromString(frozen); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) GetBalance(ctx context.Context, userID int64, asset string) (ledger.Balance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, asset, available::text, frozen::text, updated_at
		FROM balances
		WHERE user_id = $1 AND asset = $2
	`, userID, asset)
	var (
		b                 ledger.Balance
		available, frozen string
	)
	if err := row.Scan(&b.UserID, &b.Asset, &available, &frozen, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, ErrNotFound
		}
		return ledger.Balance{}, err
	}
	var err error
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return ledger.Balance{}, err
	}
	if b.Frozen, err = decimal.NewFromString(frozen); err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}

// MaxIDs returns the highest order and trade ids on record so the fast
// store's sequences can be advanced past them after a restore.
func (s *Store) MaxIDs(ctx context.Context) (maxOrderID, maxTradeID int64, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT MAX(id) FROM orders), 0),
		       COALESCE((SELECT MAX(id) FROM trades), 0)
	`)
	if err := row.Scan(&maxOrderID, &maxTradeID); err != nil {
		return 0, 0, err
	}
	return maxOrderID, maxTradeID, nil
}

func scanOrder(row pgx.Row) (*orderstore.Order, error) {
	var (
		o                         orderstore.Order
		price, qty, filled, avgPx string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Type, &price, &qty, &filled, &avgPx, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if o.Filled, err = decimal.NewFromString(filled); err != nil {
		return nil, err
	}
	if o.AvgPrice, err = decimal.NewFromString(avgPx); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*orderstore.Order, error) {
	var orders []*orderstore.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
