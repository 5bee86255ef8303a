package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

// Level is one aggregated price level of the book, best levels first.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a point-in-time aggregated view of one symbol's book.
type Depth struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// GetDepth aggregates open orders into at most limit levels per side. It
// takes the symbol lock so the two sides come from the same book state.
func (e *Engine) GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	sym, err := e.symbols.Get(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	lock := e.lockFor(sym.Name)
	lock.Lock()
	defer lock.Unlock()

	bids, err := e.aggregateSide(ctx, sym.Name, orderstore.SideBuy, limit)
	if err != nil {
		return nil, err
	}
	asks, err := e.aggregateSide(ctx, sym.Name, orderstore.SideSell, limit)
	if err != nil {
		return nil, err
	}

	e.metrics.SetBookDepth(sym.Name, orderstore.SideBuy, len(bids))
	e.metrics.SetBookDepth(sym.Name, orderstore.SideSell, len(asks))

	return &Depth{Symbol: sym.Name, Bids: bids, Asks: asks}, nil
}

// aggregateSide walks one side in priority order. Orders arrive sorted, so
// levels are built by grouping consecutive equal prices.
func (e *Engine) aggregateSide(ctx context.Context, symbol, side string, limit int) ([]Level, error) {
	levels := make([]Level, 0, limit)
	var offset int64
	for len(levels) <= limit {
		orders, err := e.orders.GetActiveOrders(ctx, symbol, side, offset, scanBatchSize)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s %s: %w", symbol, side, err)
		}
		if len(orders) == 0 {
			break
		}
		offset += int64(len(orders))

		for _, o := range orders {
			rem := o.Remaining()
			if !rem.IsPositive() {
				continue
			}
			if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
				levels[n-1].Quantity = levels[n-1].Quantity.Add(rem)
				levels[n-1].Orders++
				continue
			}
			levels = append(levels, Level{Price: o.Price, Quantity: rem, Orders: 1})
		}
	}
	if len(levels) > limit {
		levels = levels[:limit]
	}
	return levels, nil
}

// levelAt returns the current aggregate at one price, or a zero-quantity
// level when the price has been cleared from the book.
func (e *Engine) levelAt(ctx context.Context, symbol, side string, price decimal.Decimal) (Level, error) {
	level := Level{Price: price}
	var offset int64
	for {
		orders, err := e.orders.GetActiveOrders(ctx, symbol, side, offset, scanBatchSize)
		if err != nil {
			return level, fmt.Errorf("read level %s %s: %w", symbol, side, err)
		}
		if len(orders) == 0 {
			return level, nil
		}
		offset += int64(len(orders))

		for _, o := range orders {
			cmp := o.Price.Cmp(price)
			if cmp == 0 {
				if rem := o.Remaining(); rem.IsPositive() {
					level.Quantity = level.Quantity.Add(rem)
					level.Orders++
				}
				continue
			}
			// Past the level in priority order means the level is done.
			if side == orderstore.SideBuy && cmp < 0 {
				return level, nil
			}
			if side == orderstore.SideSell && cmp > 0 {
				return level, nil
			}
		}
	}
}

// touchedLevels collects the (side, price) pairs a match cycle changed, in
// first-touch order and without duplicates.
type touchedLevels struct {
	seen map[string]struct{}
	list []touchedLevel
}

type touchedLevel struct {
	Side  string
	Price decimal.Decimal
}

func newTouchedLevels() *touchedLevels {
	return &touchedLevels{seen: make(map[string]struct{})}
}

func (t *touchedLevels) add(side string, price decimal.Decimal) {
	key := side + ":" + price.String()
	if _, ok := t.seen[key]; ok {
		return
	}
	t.seen[key] = struct{}{}
	t.list = append(t.list, touchedLevel{Side: side, Price: price})
}

func (t *touchedLevels) empty() bool {
	return len(t.list) == 0
}
