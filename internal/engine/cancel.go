package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

// CancelOrder cancels a resting order owned by userID and releases its
// remaining frozen funds. Terminal orders are not cancellable; a fully
// matched order stays filled even if the cancel raced the match.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*orderstore.Order, error) {
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOrderOwner
	}
	sym, err := e.symbols.Get(order.Symbol)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(sym.Name)
	lock.Lock()
	defer lock.Unlock()

	return e.cancelLocked(ctx, sym, orderID)
}

func (e *Engine) cancelLocked(ctx context.Context, sym market.Symbol, orderID int64) (*orderstore.Order, error) {
	// Re-read under the lock; the order may have matched in the meantime.
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case orderstore.StatusActive, orderstore.StatusPartiallyFilled:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}

	remaining := order.Remaining()
	cancelled, err := e.orders.UpdateStatus(ctx, orderID, orderstore.StatusCancelled, decimal.Zero, decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	if remaining.IsPositive() {
		asset := sym.BaseAsset
		amount := remaining
		if cancelled.IsBuy() {
			asset = sym.QuoteAsset
			amount = remaining.Mul(cancelled.Price).Truncate(market.MaxFractionDigits)
		}
		if err := e.ledger.Unfreeze(ctx, cancelled.UserID, asset, amount); err != nil {
			e.logger.Error("unfreeze on cancel", "order_id", orderID, "error", err)
		}
	}

	touched := newTouchedLevels()
	touched.add(cancelled.Side, cancelled.Price)
	e.publishBookDeltas(ctx, sym, touched)
	e.metrics.ObserveCancel(sym.Name)

	return cancelled, nil
}

// ExpireOrders cancels every resting order older than maxAge across all
// symbols and returns how many it cancelled. Run it periodically; each
// symbol is swept under its own lock.
func (e *Engine) ExpireOrders(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	total := 0
	for _, sym := range e.symbols.All() {
		n, err := e.expireSymbol(ctx, sym, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) expireSymbol(ctx context.Context, sym market.Symbol, cutoff time.Time) (int, error) {
	lock := e.lockFor(sym.Name)
	lock.Lock()
	defer lock.Unlock()

	var expired []int64
	for _, side := range []string{orderstore.SideBuy, orderstore.SideSell} {
		var offset int64
		for {
			orders, err := e.orders.GetActiveOrders(ctx, sym.Name, side, offset, scanBatchSize)
			if err != nil {
				return 0, fmt.Errorf("sweep %s %s: %w", sym.Name, side, err)
			}
			if len(orders) == 0 {
				break
			}
			offset += int64(len(orders))
			for _, o := range orders {
				if o.CreatedAt.Before(cutoff) {
					expired = append(expired, o.ID)
				}
			}
		}
	}

	cancelled := 0
	for _, id := range expired {
		if _, err := e.cancelLocked(ctx, sym, id); err != nil {
			e.logger.Warn("expire order", "order_id", id, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		e.logger.Info("expired stale orders", "symbol", sym.Name, "count", cancelled)
	}
	return cancelled, nil
}
