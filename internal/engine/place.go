package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

// PlaceRequest carries a new order before it has been assigned an id.
type PlaceRequest struct {
	UserID   int64
	Symbol   string
	Side     string
	Type     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// PlaceOrder validates, freezes funds, persists, and matches a new order.
// On return the order carries its final state for this cycle: filled,
// partially_filled resting on the book, cancelled (market remainder), or
// rejected (insufficient balance, persisted for audit).
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*orderstore.Order, error) {
	start := time.Now()

	sym, err := e.symbols.Get(req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := e.validate(sym, &req); err != nil {
		e.metrics.ObserveOrder(sym.Name, req.Side, req.Type, "invalid", time.Since(start))
		return nil, err
	}

	lock := e.lockFor(sym.Name)
	lock.Lock()
	defer lock.Unlock()

	order, result, err := e.placeLocked(ctx, sym, req)
	e.metrics.ObserveOrder(sym.Name, req.Side, req.Type, result, time.Since(start))
	return order, err
}

// validate normalizes the request in place. Price and quantity are truncated
// to the symbol's precision before any balance math so that frozen amounts
// and trade amounts are computed from identical figures.
func (e *Engine) validate(sym market.Symbol, req *PlaceRequest) error {
	switch req.Side {
	case orderstore.SideBuy, orderstore.SideSell:
	default:
		return ErrInvalidSide
	}
	switch req.Type {
	case orderstore.TypeLimit:
		req.Price = sym.TruncatePrice(req.Price)
		if !req.Price.IsPositive() {
			return ErrInvalidPrice
		}
		if !market.FitsUnits(req.Price) {
			return ErrAmountTooLarge
		}
	case orderstore.TypeMarket:
		if !req.Price.IsZero() {
			return ErrPriceOnMarket
		}
	default:
		return ErrInvalidType
	}
	req.Quantity = sym.TruncateQuantity(req.Quantity)
	if !req.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	// Quantity and notional must fit the fixed-point unit range; IntPart
	// wraps past it, which would freeze and fill a corrupted amount.
	if !market.FitsUnits(req.Quantity) {
		return ErrAmountTooLarge
	}
	if req.Type == orderstore.TypeLimit && !market.FitsUnits(req.Quantity.Mul(req.Price)) {
		return ErrAmountTooLarge
	}
	return nil
}

func (e *Engine) placeLocked(ctx context.Context, sym market.Symbol, req PlaceRequest) (*orderstore.Order, string, error) {
	frozen, freezeAsset, err := e.freezeAmount(ctx, sym, req)
	if err != nil {
		return nil, "invalid", err
	}

	id, err := e.orders.NextOrderID(ctx)
	if err != nil {
		return nil, "error", fmt.Errorf("allocate order id: %w", err)
	}
	now := time.Now().UTC()
	order := &orderstore.Order{
		ID:        id,
		UserID:    req.UserID,
		Symbol:    sym.Name,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Filled:    decimal.Zero,
		AvgPrice:  decimal.Zero,
		Status:    orderstore.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.ledger.Freeze(ctx, req.UserID, freezeAsset, frozen); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			order.Status = orderstore.StatusRejected
			if createErr := e.orders.CreateOrder(ctx, order); createErr != nil {
				e.logger.Error("persist rejected order", "order_id", id, "error", createErr)
			}
			return order, "rejected", err
		}
		return nil, "error", fmt.Errorf("freeze funds: %w", err)
	}

	if err := e.orders.CreateOrder(ctx, order); err != nil {
		if unfreezeErr := e.ledger.Unfreeze(ctx, req.UserID, freezeAsset, frozen); unfreezeErr != nil {
			e.logger.Error("unfreeze after failed create", "order_id", id, "error", unfreezeErr)
		}
		return nil, "error", fmt.Errorf("persist order: %w", err)
	}

	order, touched, trades, consumed, err := e.match(ctx, sym, order, frozen)
	if err != nil {
		e.abortOrder(ctx, order, freezeAsset, frozen, consumed)
		return order, "error", err
	}

	if err := e.releaseLeftover(ctx, order, freezeAsset, frozen, consumed); err != nil {
		e.logger.Error("release leftover frozen funds", "order_id", order.ID, "error", err)
	}

	e.publishTrades(ctx, sym, trades)
	e.publishBookDeltas(ctx, sym, touched)
	e.metrics.ObserveTrades(sym.Name, len(trades))

	return order, "accepted", nil
}

// freezeAmount computes what must be frozen before the order may match. A
// market buy has no limit price, so the estimate pads the best available
// reference price by the configured slippage allowance.
func (e *Engine) freezeAmount(ctx context.Context, sym market.Symbol, req PlaceRequest) (decimal.Decimal, string, error) {
	if req.Side == orderstore.SideSell {
		return req.Quantity, sym.BaseAsset, nil
	}
	if req.Type == orderstore.TypeLimit {
		return req.Quantity.Mul(req.Price).Truncate(market.MaxFractionDigits), sym.QuoteAsset, nil
	}

	ref, err := e.referencePrice(ctx, sym)
	if err != nil {
		return decimal.Zero, "", err
	}
	pad := decimal.New(10000+e.slippageBps, -4)
	est := req.Quantity.Mul(ref).Mul(pad).Truncate(market.MaxFractionDigits)
	if !market.FitsUnits(est) {
		return decimal.Zero, "", ErrAmountTooLarge
	}
	return est, sym.QuoteAsset, nil
}

// referencePrice is the best ask, falling back to the last trade price.
func (e *Engine) referencePrice(ctx context.Context, sym market.Symbol) (decimal.Decimal, error) {
	asks, err := e.orders.GetActiveOrders(ctx, sym.Name, orderstore.SideSell, 0, 1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read best ask: %w", err)
	}
	if len(asks) > 0 {
		return asks[0].Price, nil
	}
	last, ok, err := e.orders.LastPrice(ctx, sym.Name)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read last price: %w", err)
	}
	if !ok {
		return decimal.Zero, ErrNoReferencePrice
	}
	return last, nil
}

// match walks the opposite side of the book in priority order and settles
// crossing fills. It returns the order in its final state, the touched price
// levels, the trades executed, and the exact quote amount those trades spent.
func (e *Engine) match(ctx context.Context, sym market.Symbol, order *orderstore.Order, frozenQuote decimal.Decimal) (*orderstore.Order, *touchedLevels, []*orderstore.Trade, decimal.Decimal, error) {
	var (
		trades        []*orderstore.Trade
		consumedQuote = decimal.Zero
		touched       = newTouchedLevels()
		makerSide     = oppositeSide(order.Side)
		skipped       int64
	)

scan:
	for order.Remaining().IsPositive() {
		makers, err := e.orders.GetActiveOrders(ctx, sym.Name, makerSide, skipped, scanBatchSize)
		if err != nil {
			return order, touched, trades, consumedQuote, fmt.Errorf("scan book: %w", err)
		}
		if len(makers) == 0 {
			break
		}

		for _, maker := range makers {
			if !order.Remaining().IsPositive() {
				break scan
			}
			if !priceCrosses(order, maker.Price) {
				break scan
			}
			if maker.UserID == order.UserID && !e.isSelfTradeExempt(order.UserID) {
				skipped++
				continue
			}
			if !maker.Remaining().IsPositive() {
				// Stale index entry; drop it and move on.
				if err := e.orders.RemoveFromBook(ctx, maker); err != nil {
					e.logger.Warn("remove stale book entry", "order_id", maker.ID, "error", err)
					skipped++
				}
				continue
			}

			qty := minDecimal(order.Remaining(), maker.Remaining())

			// A market buy may only spend what was frozen. Clamp the
			// fill to what the remaining budget affords at this level.
			if order.Side == orderstore.SideBuy && order.Type == orderstore.TypeMarket {
				budget := frozenQuote.Sub(consumedQuote)
				cost := qty.Mul(maker.Price).Truncate(market.MaxFractionDigits)
				if cost.GreaterThan(budget) {
					qty = sym.TruncateQuantity(budget.Div(maker.Price))
					if !qty.IsPositive() {
						break scan
					}
				}
			}

			buy, sell := order, maker
			if order.Side == orderstore.SideSell {
				buy, sell = maker, order
			}
			trade, err := e.settler.Settle(ctx, sym, buy, sell, order.Side, maker.Price, qty)
			if err != nil {
				return order, touched, trades, consumedQuote, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
			}
			trades = append(trades, trade)
			consumedQuote = consumedQuote.Add(qty.Mul(maker.Price).Truncate(market.MaxFractionDigits))
			touched.add(makerSide, maker.Price)

			if _, err := e.orders.UpdateStatus(ctx, maker.ID, orderstore.StatusActive, qty, maker.Price); err != nil {
				return order, touched, trades, consumedQuote, fmt.Errorf("update maker %d: %w", maker.ID, err)
			}
			order, err = e.orders.UpdateStatus(ctx, order.ID, orderstore.StatusPending, qty, maker.Price)
			if err != nil {
				return order, touched, trades, consumedQuote, fmt.Errorf("update taker %d: %w", order.ID, err)
			}
		}
	}

	order, err := e.finalize(ctx, sym, order, touched)
	return order, touched, trades, consumedQuote, err
}

// finalize gives the order its resting or terminal status after the scan.
func (e *Engine) finalize(ctx context.Context, sym market.Symbol, order *orderstore.Order, touched *touchedLevels) (*orderstore.Order, error) {
	if order.Status == orderstore.StatusFilled {
		return order, nil
	}
	if order.Type == orderstore.TypeMarket {
		// Market orders never rest. Whatever is left is cancelled.
		final, err := e.orders.UpdateStatus(ctx, order.ID, orderstore.StatusCancelled, decimal.Zero, decimal.Zero)
		if err != nil {
			return order, fmt.Errorf("cancel market remainder: %w", err)
		}
		return final, nil
	}

	final, err := e.orders.UpdateStatus(ctx, order.ID, orderstore.StatusActive, decimal.Zero, decimal.Zero)
	if err != nil {
		return order, fmt.Errorf("activate order: %w", err)
	}
	if err := e.orders.AddToBook(ctx, final); err != nil {
		return final, fmt.Errorf("add to book: %w", err)
	}
	touched.add(final.Side, final.Price)
	return final, nil
}

// abortOrder cancels an order whose match cycle failed partway and returns
// the unspent part of its freeze. Fills already settled stay settled.
func (e *Engine) abortOrder(ctx context.Context, order *orderstore.Order, freezeAsset string, frozen, consumed decimal.Decimal) {
	final, err := e.orders.UpdateStatus(ctx, order.ID, orderstore.StatusCancelled, decimal.Zero, decimal.Zero)
	if err != nil {
		e.logger.Error("cancel aborted order", "order_id", order.ID, "error", err)
		final = order
	}
	leftover := frozen.Sub(consumed)
	if order.Side == orderstore.SideSell {
		leftover = final.Remaining()
	}
	if leftover.IsPositive() {
		if err := e.ledger.Unfreeze(ctx, order.UserID, freezeAsset, leftover); err != nil {
			e.logger.Error("unfreeze aborted order", "order_id", order.ID, "error", err)
		}
	}
}

// releaseLeftover unfreezes whatever the order no longer needs. A resting
// limit buy keeps remaining*price frozen; everything above that, accumulated
// through price improvement or the market-buy slippage pad, is returned.
func (e *Engine) releaseLeftover(ctx context.Context, order *orderstore.Order, freezeAsset string, frozen, consumed decimal.Decimal) error {
	if order.Side == orderstore.SideSell {
		if !orderstore.IsTerminal(order.Status) {
			return nil
		}
		leftover := order.Remaining()
		if !leftover.IsPositive() {
			return nil
		}
		return e.ledger.Unfreeze(ctx, order.UserID, freezeAsset, leftover)
	}

	keep := decimal.Zero
	if !orderstore.IsTerminal(order.Status) {
		keep = order.Remaining().Mul(order.Price).Truncate(market.MaxFractionDigits)
	}
	leftover := frozen.Sub(consumed).Sub(keep)
	if !leftover.IsPositive() {
		return nil
	}
	return e.ledger.Unfreeze(ctx, order.UserID, freezeAsset, leftover)
}
