// Package engine serializes all state-changing work per symbol and runs the
// match loop. Everything between freezing the taker's funds and writing the
// final order status happens inside one symbol-keyed critical section, so a
// second order can never interleave against a half-updated book.
package engine

import (
	"context"
	"errors"
	"sync"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
	"github.com/liuzhixin405/netcorespot-sub000/libs/kafka"
)

var (
	ErrInvalidSide      = errors.New("invalid side")
	ErrInvalidType      = errors.New("invalid order type")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrInvalidPrice     = errors.New("price must be positive for limit orders")
	ErrAmountTooLarge   = errors.New("amount exceeds the representable range")
	ErrPriceOnMarket    = errors.New("market orders do not carry a price")
	ErrNoReferencePrice = errors.New("no reference price for market order")
	ErrNotOrderOwner    = errors.New("order does not belong to user")
	ErrNotCancellable   = errors.New("order is not cancellable")
	ErrSettlementFailed = errors.New("settlement failed")
)

const scanBatchSize = 64

type Ledger interface {
	Freeze(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error
	Unfreeze(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error
}

type OrderStore interface {
	NextOrderID(ctx context.Context) (int64, error)
	CreateOrder(ctx context.Context, o *orderstore.Order) error
	GetOrder(ctx context.Context, id int64) (*orderstore.Order, error)
	UpdateStatus(ctx context.Context, id int64, status string, filledDelta, execPrice decimal.Decimal) (*orderstore.Order, error)
	AddToBook(ctx context.Context, o *orderstore.Order) error
	RemoveFromBook(ctx context.Context, o *orderstore.Order) error
	GetActiveOrders(ctx context.Context, symbol, side string, offset, count int64) ([]*orderstore.Order, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

type Settler interface {
	Settle(ctx context.Context, sym market.Symbol, buy, sell *orderstore.Order, takerSide string, price, quantity decimal.Decimal) (*orderstore.Trade, error)
}

type Topics struct {
	TradesExecuted string
	BookDeltas     string
}

type Config struct {
	MarketBuySlippageBps int
	SelfTradeExemptUsers []int64
}

type Engine struct {
	symbols   *market.Registry
	ledger    Ledger
	orders    OrderStore
	settler   Settler
	publisher kafka.Publisher
	topics    Topics
	logger    *slog.Logger
	metrics   *Metrics

	slippageBps int64
	exempt      map[int64]struct{}

	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func New(symbols *market.Registry, ledger Ledger, orders OrderStore, settler Settler, publisher kafka.Publisher, topics Topics, cfg Config, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MarketBuySlippageBps < 0 {
		cfg.MarketBuySlippageBps = 0
	}
	exempt := make(map[int64]struct{}, len(cfg.SelfTradeExemptUsers))
	for _, id := range cfg.SelfTradeExemptUsers {
		exempt[id] = struct{}{}
	}
	return &Engine{
		symbols:     symbols,
		ledger:      ledger,
		orders:      orders,
		settler:     settler,
		publisher:   publisher,
		topics:      topics,
		logger:      logger,
		metrics:     metrics,
		slippageBps: int64(cfg.MarketBuySlippageBps),
		exempt:      exempt,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockFor returns the one mutex guarding a symbol's book, creating it on
// first use.
func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.mu.RLock()
	l := e.locks[symbol]
	e.mu.RUnlock()
	if l != nil {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	l = e.locks[symbol]
	if l == nil {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

func (e *Engine) isSelfTradeExempt(userID int64) bool {
	_, ok := e.exempt[userID]
	return ok
}

func oppositeSide(side string) string {
	if side == orderstore.SideBuy {
		return orderstore.SideSell
	}
	return orderstore.SideBuy
}

// priceCrosses reports whether the taker order may trade at makerPrice.
func priceCrosses(taker *orderstore.Order, makerPrice decimal.Decimal) bool {
	if taker.Type == orderstore.TypeMarket {
		return true
	}
	if taker.Side == orderstore.SideBuy {
		return makerPrice.LessThanOrEqual(taker.Price)
	}
	return makerPrice.GreaterThanOrEqual(taker.Price)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}
