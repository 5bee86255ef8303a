// Package service sits between the HTTP handlers and the engine. It owns
// read-path policy: the fast store answers first and Postgres only serves
// what the fast store no longer holds or never indexes (history listings).
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/durable"
	"github.com/liuzhixin405/netcorespot-sub000/internal/engine"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

var ErrOrderNotFound = errors.New("order not found")

// Durable is the read side of the Postgres store the service falls back to.
type Durable interface {
	GetOrder(ctx context.Context, id int64) (*orderstore.Order, error)
	ListOrders(ctx context.Context, userID int64, symbol string, limit, offset int) ([]*orderstore.Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]*orderstore.Trade, error)
}

type TradeService struct {
	engine  *engine.Engine
	ledger  *ledger.Store
	orders  *orderstore.Store
	durable Durable
	symbols *market.Registry
	logger  *slog.Logger
}

func New(eng *engine.Engine, led *ledger.Store, orders *orderstore.Store, dur Durable, symbols *market.Registry, logger *slog.Logger) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeService{engine: eng, ledger: led, orders: orders, durable: dur, symbols: symbols, logger: logger}
}

type PlaceOrderInput struct {
	UserID   int64
	Symbol   string
	Side     string
	Type     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (s *TradeService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*orderstore.Order, error) {
	return s.engine.PlaceOrder(ctx, engine.PlaceRequest{
		UserID:   in.UserID,
		Symbol:   in.Symbol,
		Side:     in.Side,
		Type:     in.Type,
		Price:    in.Price,
		Quantity: in.Quantity,
	})
}

func (s *TradeService) CancelOrder(ctx context.Context, userID, orderID int64) (*orderstore.Order, error) {
	o, err := s.engine.CancelOrder(ctx, userID, orderID)
	if errors.Is(err, orderstore.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return o, err
}

// GetOrder reads the fast store first. Orders evicted from the fast store
// (or written before its last rebuild) are served from Postgres.
func (s *TradeService) GetOrder(ctx context.Context, userID, orderID int64) (*orderstore.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, orderstore.ErrOrderNotFound) && s.durable != nil {
		o, err = s.durable.GetOrder(ctx, orderID)
		if errors.Is(err, durable.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
	}
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return o, nil
}

// ListOrders serves order history from Postgres; the fast store only indexes
// what is open.
func (s *TradeService) ListOrders(ctx context.Context, userID int64, symbol string, limit, offset int) ([]*orderstore.Order, error) {
	if s.durable == nil {
		return nil, nil
	}
	if symbol != "" {
		if _, err := s.symbols.Get(symbol); err != nil {
			return nil, err
		}
	}
	return s.durable.ListOrders(ctx, userID, symbol, limit, offset)
}

func (s *TradeService) ListTrades(ctx context.Context, symbol string, limit int) ([]*orderstore.Trade, error) {
	if s.durable == nil {
		return nil, nil
	}
	sym, err := s.symbols.Get(symbol)
	if err != nil {
		return nil, err
	}
	return s.durable.ListTrades(ctx, sym.Name, limit)
}

func (s *TradeService) GetDepth(ctx context.Context, symbol string, limit int) (*engine.Depth, error) {
	return s.engine.GetDepth(ctx, symbol, limit)
}

func (s *TradeService) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	sym, err := s.symbols.Get(symbol)
	if err != nil {
		return decimal.Zero, false, err
	}
	return s.orders.LastPrice(ctx, sym.Name)
}

// GetBalances returns the user's balance in every asset any configured
// symbol trades, zero-valued entries included.
func (s *TradeService) GetBalances(ctx context.Context, userID int64) ([]ledger.Balance, error) {
	assets := make(map[string]struct{})
	for _, sym := range s.symbols.All() {
		assets[sym.BaseAsset] = struct{}{}
		assets[sym.QuoteAsset] = struct{}{}
	}
	names := make([]string, 0, len(assets))
	for asset := range assets {
		names = append(names, asset)
	}
	sort.Strings(names)

	balances := make([]ledger.Balance, 0, len(names))
	for _, asset := range names {
		b, err := s.ledger.GetBalance(ctx, userID, asset)
		if err != nil {
			return nil, err
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = time.Now().UTC()
		}
		balances = append(balances, b)
	}
	return balances, nil
}

func (s *TradeService) Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) (ledger.Balance, error) {
	if err := s.ledger.Deposit(ctx, userID, asset, amount); err != nil {
		return ledger.Balance{}, err
	}
	return s.ledger.GetBalance(ctx, userID, asset)
}
